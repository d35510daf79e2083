package storage

import (
	"errors"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a uniqueness invariant would be violated
	ErrDuplicate = errors.New("duplicate record")
)

var storeInstance Store

// SetStore sets the global store instance (call from main.go)
func SetStore(s Store) {
	storeInstance = s
}

// GetStore returns the global store instance
func GetStore() Store {
	return storeInstance
}

// Store defines the interface for storage operations
type Store interface {
	// Account operations
	CreateAccount(account *models.Account) (*models.Account, error)
	GetAccount(id uint) (*models.Account, error)
	GetAccountByPhoneNumberID(phoneNumberID string) (*models.Account, error)
	GetAllAccounts() ([]*models.Account, error)
	UpdateAccount(account *models.Account) error

	// Conversation operations
	CreateConversation(conversation *models.Conversation) (*models.Conversation, error)
	GetConversation(id uint) (*models.Conversation, error)
	GetConversationByClient(accountID uint, clientNumber string) (*models.Conversation, error)
	GetConversationsByAccount(accountID uint) ([]*models.Conversation, error)
	UpdateConversation(conversation *models.Conversation) error

	// Message operations
	CreateMessage(message *models.Message) (*models.Message, error)
	GetMessage(id uint) (*models.Message, error)
	GetMessageByExternalID(externalID string) (*models.Message, error)
	GetMessagesByConversation(conversationID uint, limit int) ([]*models.Message, error)
	GetMessagesAwaitingTemplate(templateID uint) ([]*models.Message, error)
	UpdateMessage(message *models.Message) error

	// PendingTemplate operations
	CreatePendingTemplate(template *models.PendingTemplate) (*models.PendingTemplate, error)
	GetPendingTemplate(id uint) (*models.PendingTemplate, error)
	GetApprovedTemplateByHash(accountID uint, hash string) (*models.PendingTemplate, error)
	GetNonTerminalTemplateByHash(accountID uint, hash string) (*models.PendingTemplate, error)
	GetNonTerminalTemplates() ([]*models.PendingTemplate, error)
	UpdatePendingTemplate(template *models.PendingTemplate) error

	// Campaign operations
	CreateCampaign(campaign *models.BroadcastCampaign) (*models.BroadcastCampaign, error)
	GetCampaign(id uint) (*models.BroadcastCampaign, error)
	GetCampaignsByTemplate(templateID uint) ([]*models.BroadcastCampaign, error)
	UpdateCampaign(campaign *models.BroadcastCampaign) error

	// RecipientStat operations
	CreateRecipientStat(stat *models.RecipientStat) (*models.RecipientStat, error)
	GetRecipientStatByExternalID(externalID string) (*models.RecipientStat, error)
	GetLatestRecipientStatByDestination(destination string) (*models.RecipientStat, error)
	GetRecipientStatsByCampaign(campaignID uint) ([]*models.RecipientStat, error)
	UpdateRecipientStat(stat *models.RecipientStat) error
	CountRecipientStats(campaignID uint) (*models.CampaignStats, error)
}
