package models

import (
	"time"

	"gorm.io/gorm"
)

// Message represents one unit of delivery in a conversation
type Message struct {
	gorm.Model

	// Provider message id. Unique when present, nil until the provider
	// acknowledges the send. At most one row per provider id no matter how
	// many times a webhook repeats.
	ExternalID *string `json:"external_id" gorm:"uniqueIndex"`

	ConversationID uint   `json:"conversation_id" gorm:"index"`
	Direction      string `json:"direction"` // "inbound" or "outbound"

	// Outbound messages progress pending -> sent -> delivered -> read, or
	// -> failed from any pre-terminal state. Never backwards from read.
	Status string `json:"status"`

	Content MessageContent `json:"content" gorm:"serializer:json"`

	// Set when the message is (or waits to be) delivered via template
	TemplateName      string            `json:"template_name,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty" gorm:"serializer:json"`
	PendingTemplateID *uint             `json:"pending_template_id,omitempty" gorm:"index"`

	Cost          float64 `json:"cost"`
	FailureReason string  `json:"failure_reason,omitempty"`

	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	FailedAt    *time.Time `json:"failed_at"`
}

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Status constants
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// statusRank orders the forward progression of delivery statuses
var statusRank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvanceStatus reports whether a status update moves strictly forward.
// "failed" is terminal and reachable from any pre-terminal state, but a
// message never regresses from "read".
func CanAdvanceStatus(from, to string) bool {
	if from == StatusFailed || from == StatusRead {
		return false
	}
	if to == StatusFailed {
		return true
	}

	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}

	return toRank > fromRank
}

// MessageContent is the tagged-variant payload of a message, one case per
// kind instead of runtime type inspection.
type MessageContent struct {
	Kind string `json:"kind"`

	// ContentText
	Text string `json:"text,omitempty"`

	// ContentImage / ContentDocument / ContentAudio
	MediaURL  string `json:"media_url,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"file_name,omitempty"`

	// ContentTemplate
	TemplateName string            `json:"template_name,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`

	// ContentInteractive
	InteractiveType string   `json:"interactive_type,omitempty"` // "button" or "list"
	Options         []string `json:"options,omitempty"`
}

// MessageContent kinds
const (
	ContentText        = "text"
	ContentImage       = "image"
	ContentDocument    = "document"
	ContentAudio       = "audio"
	ContentTemplate    = "template"
	ContentInteractive = "interactive"
)

// TextContent builds a plain text payload
func TextContent(body string) MessageContent {
	return MessageContent{Kind: ContentText, Text: body}
}

// TemplateContent builds a template payload
func TemplateContent(name string, variables map[string]string) MessageContent {
	return MessageContent{Kind: ContentTemplate, TemplateName: name, Variables: variables}
}
