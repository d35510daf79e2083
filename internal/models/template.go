package models

import (
	"gorm.io/gorm"
)

// PendingTemplate tracks an auto-created message template from creation
// through provider approval to dispatch.
//
// Invariant: at most one non-terminal (created/submitted/pending) row per
// (account_id, template_hash). Concurrent requests for the same content
// converge onto one row.
type PendingTemplate struct {
	gorm.Model

	// The partial unique index is the database-side guarantee that at most
	// one non-terminal row exists per (account_id, template_hash), even
	// across concurrent transactions or service instances
	AccountID    uint   `json:"account_id" gorm:"index:idx_account_hash;uniqueIndex:idx_account_hash_live,where:status IN ('created','submitted','pending')"`
	TemplateHash string `json:"template_hash" gorm:"index:idx_account_hash;uniqueIndex:idx_account_hash_live"` // Hash over account+language+normalized body

	Name     string `json:"name"`
	Language string `json:"language"`
	Body     string `json:"body"`

	Status             string `json:"status"`
	ProviderTemplateID string `json:"provider_template_id,omitempty"`

	// Points at the approved template this row reuses instead of having
	// triggered its own provider submission
	ReusedFrom *uint `json:"reused_from,omitempty"`

	// Set for broadcast-originated templates
	CampaignID *uint `json:"campaign_id,omitempty" gorm:"index"`

	RetryCount    int    `json:"retry_count" gorm:"default:0"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// PendingTemplate status constants
const (
	TemplateStatusCreated    = "created"
	TemplateStatusSubmitted  = "submitted"
	TemplateStatusPending    = "pending"
	TemplateStatusApproved   = "approved"
	TemplateStatusRejected   = "rejected"
	TemplateStatusDispatched = "dispatched"
	TemplateStatusFailed     = "failed"
)

// IsTerminal reports whether the template has reached a final state
func (t *PendingTemplate) IsTerminal() bool {
	switch t.Status {
	case TemplateStatusDispatched, TemplateStatusRejected, TemplateStatusFailed:
		return true
	}
	return false
}

// IsNonTerminal reports whether the template still counts against the
// one-non-terminal-row-per-hash invariant
func (t *PendingTemplate) IsNonTerminal() bool {
	switch t.Status {
	case TemplateStatusCreated, TemplateStatusSubmitted, TemplateStatusPending:
		return true
	}
	return false
}
