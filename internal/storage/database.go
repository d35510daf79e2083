package storage

import (
	"errors"

	"gorm.io/gorm"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

// DatabaseStore implements Store on top of GORM/PostgreSQL
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a database-backed store
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// Account operations

func (d *DatabaseStore) CreateAccount(account *models.Account) (*models.Account, error) {
	if err := d.db.Create(account).Error; err != nil {
		return nil, translateError(err)
	}
	return account, nil
}

func (d *DatabaseStore) GetAccount(id uint) (*models.Account, error) {
	var account models.Account
	if err := d.db.First(&account, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (d *DatabaseStore) GetAccountByPhoneNumberID(phoneNumberID string) (*models.Account, error) {
	var account models.Account
	if err := d.db.Where("phone_number_id = ?", phoneNumberID).First(&account).Error; err != nil {
		return nil, translateError(err)
	}
	return &account, nil
}

func (d *DatabaseStore) GetAllAccounts() ([]*models.Account, error) {
	var accounts []*models.Account
	if err := d.db.Find(&accounts).Error; err != nil {
		return nil, translateError(err)
	}
	return accounts, nil
}

func (d *DatabaseStore) UpdateAccount(account *models.Account) error {
	return translateError(d.db.Save(account).Error)
}

// Conversation operations

func (d *DatabaseStore) CreateConversation(conversation *models.Conversation) (*models.Conversation, error) {
	if err := d.db.Create(conversation).Error; err != nil {
		return nil, translateError(err)
	}
	return conversation, nil
}

func (d *DatabaseStore) GetConversation(id uint) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := d.db.First(&conversation, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &conversation, nil
}

func (d *DatabaseStore) GetConversationByClient(accountID uint, clientNumber string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := d.db.Where("account_id = ? AND client_number = ?", accountID, clientNumber).
		First(&conversation).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &conversation, nil
}

func (d *DatabaseStore) GetConversationsByAccount(accountID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := d.db.Where("account_id = ?", accountID).
		Order("updated_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, translateError(err)
	}
	return conversations, nil
}

func (d *DatabaseStore) UpdateConversation(conversation *models.Conversation) error {
	return translateError(d.db.Save(conversation).Error)
}

// Message operations

func (d *DatabaseStore) CreateMessage(message *models.Message) (*models.Message, error) {
	if err := d.db.Create(message).Error; err != nil {
		return nil, translateError(err)
	}
	return message, nil
}

func (d *DatabaseStore) GetMessage(id uint) (*models.Message, error) {
	var message models.Message
	if err := d.db.First(&message, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &message, nil
}

func (d *DatabaseStore) GetMessageByExternalID(externalID string) (*models.Message, error) {
	var message models.Message
	if err := d.db.Where("external_id = ?", externalID).First(&message).Error; err != nil {
		return nil, translateError(err)
	}
	return &message, nil
}

func (d *DatabaseStore) GetMessagesByConversation(conversationID uint, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	query := d.db.Where("conversation_id = ?", conversationID).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&messages).Error; err != nil {
		return nil, translateError(err)
	}
	return messages, nil
}

func (d *DatabaseStore) GetMessagesAwaitingTemplate(templateID uint) ([]*models.Message, error) {
	var messages []*models.Message
	err := d.db.Where("pending_template_id = ? AND status = ?", templateID, models.StatusPending).
		Find(&messages).Error
	if err != nil {
		return nil, translateError(err)
	}
	return messages, nil
}

func (d *DatabaseStore) UpdateMessage(message *models.Message) error {
	return translateError(d.db.Save(message).Error)
}

// PendingTemplate operations

// CreatePendingTemplate enforces the single non-terminal row invariant: a
// losing concurrent writer gets the winning row back along with ErrDuplicate.
// The fast-path read catches most duplicates; the partial unique index on
// (account_id, template_hash) over non-terminal statuses is the authority
// when two inserts race past the read.
func (d *DatabaseStore) CreatePendingTemplate(template *models.PendingTemplate) (*models.PendingTemplate, error) {
	if template.IsNonTerminal() {
		existing, err := d.GetNonTerminalTemplateByHash(template.AccountID, template.TemplateHash)
		if err == nil {
			return existing, ErrDuplicate
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	err := d.db.Create(template).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the insert race; hand back the row the index kept
		winner, getErr := d.GetNonTerminalTemplateByHash(template.AccountID, template.TemplateHash)
		if getErr != nil {
			return nil, translateError(err)
		}
		return winner, ErrDuplicate
	}
	if err != nil {
		return nil, translateError(err)
	}
	return template, nil
}

func (d *DatabaseStore) GetPendingTemplate(id uint) (*models.PendingTemplate, error) {
	var template models.PendingTemplate
	if err := d.db.First(&template, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &template, nil
}

func (d *DatabaseStore) GetApprovedTemplateByHash(accountID uint, hash string) (*models.PendingTemplate, error) {
	var template models.PendingTemplate
	err := d.db.Where(
		"account_id = ? AND template_hash = ? AND status IN ?",
		accountID, hash,
		[]string{models.TemplateStatusApproved, models.TemplateStatusDispatched},
	).First(&template).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &template, nil
}

func (d *DatabaseStore) GetNonTerminalTemplateByHash(accountID uint, hash string) (*models.PendingTemplate, error) {
	var template models.PendingTemplate
	err := d.db.Where(
		"account_id = ? AND template_hash = ? AND status IN ?",
		accountID, hash,
		[]string{models.TemplateStatusCreated, models.TemplateStatusSubmitted, models.TemplateStatusPending},
	).First(&template).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &template, nil
}

func (d *DatabaseStore) GetNonTerminalTemplates() ([]*models.PendingTemplate, error) {
	var templates []*models.PendingTemplate
	err := d.db.Where(
		"status IN ?",
		[]string{models.TemplateStatusCreated, models.TemplateStatusSubmitted, models.TemplateStatusPending},
	).Find(&templates).Error
	if err != nil {
		return nil, translateError(err)
	}
	return templates, nil
}

func (d *DatabaseStore) UpdatePendingTemplate(template *models.PendingTemplate) error {
	return translateError(d.db.Save(template).Error)
}

// Campaign operations

func (d *DatabaseStore) CreateCampaign(campaign *models.BroadcastCampaign) (*models.BroadcastCampaign, error) {
	if err := d.db.Create(campaign).Error; err != nil {
		return nil, translateError(err)
	}
	return campaign, nil
}

func (d *DatabaseStore) GetCampaign(id uint) (*models.BroadcastCampaign, error) {
	var campaign models.BroadcastCampaign
	if err := d.db.First(&campaign, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &campaign, nil
}

func (d *DatabaseStore) GetCampaignsByTemplate(templateID uint) ([]*models.BroadcastCampaign, error) {
	var campaigns []*models.BroadcastCampaign
	if err := d.db.Where("pending_template_id = ?", templateID).Find(&campaigns).Error; err != nil {
		return nil, translateError(err)
	}
	return campaigns, nil
}

func (d *DatabaseStore) UpdateCampaign(campaign *models.BroadcastCampaign) error {
	return translateError(d.db.Save(campaign).Error)
}

// RecipientStat operations

func (d *DatabaseStore) CreateRecipientStat(stat *models.RecipientStat) (*models.RecipientStat, error) {
	if err := d.db.Create(stat).Error; err != nil {
		return nil, translateError(err)
	}
	return stat, nil
}

func (d *DatabaseStore) GetRecipientStatByExternalID(externalID string) (*models.RecipientStat, error) {
	var stat models.RecipientStat
	if err := d.db.Where("external_id = ?", externalID).First(&stat).Error; err != nil {
		return nil, translateError(err)
	}
	return &stat, nil
}

func (d *DatabaseStore) GetLatestRecipientStatByDestination(destination string) (*models.RecipientStat, error) {
	var stat models.RecipientStat
	err := d.db.Where("destination = ?", destination).
		Order("created_at DESC").
		First(&stat).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &stat, nil
}

func (d *DatabaseStore) GetRecipientStatsByCampaign(campaignID uint) ([]*models.RecipientStat, error) {
	var stats []*models.RecipientStat
	if err := d.db.Where("campaign_id = ?", campaignID).Find(&stats).Error; err != nil {
		return nil, translateError(err)
	}
	return stats, nil
}

func (d *DatabaseStore) UpdateRecipientStat(stat *models.RecipientStat) error {
	return translateError(d.db.Save(stat).Error)
}

// CountRecipientStats recomputes campaign aggregates with counts over the
// stat rows, never by incrementing stored counters
func (d *DatabaseStore) CountRecipientStats(campaignID uint) (*models.CampaignStats, error) {
	stats, err := d.GetRecipientStatsByCampaign(campaignID)
	if err != nil {
		return nil, err
	}

	agg := &models.CampaignStats{CampaignID: campaignID}
	for _, stat := range stats {
		agg.Total++
		switch {
		case stat.FailedAt != nil:
			agg.Failed++
		case stat.RepliedAt != nil:
			agg.Replied++
		case stat.ReadAt != nil:
			agg.Read++
		case stat.DeliveredAt != nil:
			agg.Delivered++
		case stat.SentAt != nil:
			agg.Sent++
		default:
			agg.Pending++
		}
	}
	return agg, nil
}
