package models

import (
	"time"

	"gorm.io/gorm"
)

// BroadcastCampaign represents one logical broadcast fanned out as many
// independent per-recipient sends
type BroadcastCampaign struct {
	gorm.Model

	AccountID uint   `json:"account_id" gorm:"index"`
	Name      string `json:"name"`

	// Template-gated campaigns carry the body to dedupe and submit once
	TemplateBody      string            `json:"template_body"`
	Language          string            `json:"language"`
	TemplateVariables map[string]string `json:"template_variables,omitempty" gorm:"serializer:json"`

	Status            string `json:"status"` // "draft", "waiting_template", "dispatching", "completed", "failed"
	PendingTemplateID *uint  `json:"pending_template_id,omitempty" gorm:"index"`
}

// BroadcastCampaign status constants
const (
	CampaignStatusDraft           = "draft"
	CampaignStatusWaitingTemplate = "waiting_template"
	CampaignStatusDispatching     = "dispatching"
	CampaignStatusCompleted       = "completed"
	CampaignStatusFailed          = "failed"
)

// RecipientStat tracks one destination of a campaign. Campaign aggregate
// counters are derived from these rows, never the source of truth.
type RecipientStat struct {
	gorm.Model

	CampaignID  uint   `json:"campaign_id" gorm:"index"`
	Destination string `json:"destination" gorm:"index"` // Recipient WhatsApp number

	// Link to the Message the send produced
	MessageID  *uint   `json:"message_id,omitempty"`
	ExternalID *string `json:"external_id,omitempty" gorm:"index"`

	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	RepliedAt   *time.Time `json:"replied_at"`
	FailedAt    *time.Time `json:"failed_at"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// CampaignStats is the derived aggregate over RecipientStat rows.
// Always recomputed by counting, never incremented.
type CampaignStats struct {
	CampaignID uint `json:"campaign_id"`
	Total      int  `json:"total"`
	Sent       int  `json:"sent"`
	Delivered  int  `json:"delivered"`
	Read       int  `json:"read"`
	Replied    int  `json:"replied"`
	Failed     int  `json:"failed"`
	Pending    int  `json:"pending"`
}
