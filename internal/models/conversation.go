package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Conversation represents a customer thread on one account.
// Conversations are never deleted, only archived.
type Conversation struct {
	gorm.Model

	AccountID    uint   `json:"account_id" gorm:"index:idx_account_client,unique"`
	ClientNumber string `json:"client_number" gorm:"index:idx_account_client,unique"` // Customer WhatsApp number
	ClientName   string `json:"client_name"`

	// Updated only by inbound customer messages
	LastInboundAt *time.Time `json:"last_inbound_at"`

	BotEnabled  bool `json:"bot_enabled" gorm:"default:true"`
	Archived    bool `json:"archived" gorm:"default:false"`
	UnreadCount int  `json:"unread_count" gorm:"default:0"`
}

// BeforeCreate hook to normalize the client number
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	c.ClientNumber = strings.ReplaceAll(c.ClientNumber, " ", "")

	// Ensure international format
	if c.ClientNumber != "" && !strings.HasPrefix(c.ClientNumber, "+") {
		c.ClientNumber = "+" + c.ClientNumber
	}

	return nil
}
