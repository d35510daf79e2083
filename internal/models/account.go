package models

import (
	"strings"

	"gorm.io/gorm"
)

// Account represents a WhatsApp Business account connected to the inbox
type Account struct {
	gorm.Model

	// Provider-assigned identifiers
	PhoneNumberID string `json:"phone_number_id" gorm:"uniqueIndex"` // Numeric id the provider addresses webhooks with
	WabaID        string `json:"waba_id"`                            // Business account id used for template submission

	Name          string `json:"name"`
	DisplayNumber string `json:"display_number"`            // Human-readable WhatsApp number
	AccessToken   string `json:"-"`                         // Never expose in JSON
	Language      string `json:"language" gorm:"default:en"` // Default template language
	Active        bool   `json:"active" gorm:"default:true"`
}

// BeforeCreate hook to normalize account data
func (a *Account) BeforeCreate(tx *gorm.DB) error {
	a.DisplayNumber = strings.ReplaceAll(a.DisplayNumber, " ", "")

	if a.Language == "" {
		a.Language = "en"
	}

	return nil
}
