package storage

import (
	"sync"
	"time"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

// MemoryStore holds all data in memory, for tests and local development
type MemoryStore struct {
	accounts      map[uint]*models.Account
	conversations map[uint]*models.Conversation
	messages      map[uint]*models.Message
	templates     map[uint]*models.PendingTemplate
	campaigns     map[uint]*models.BroadcastCampaign
	stats         map[uint]*models.RecipientStat

	// Secondary index enforcing the external_id uniqueness invariant
	messagesByExternalID map[string]uint

	// Mutexes for thread safety
	accountMu  sync.RWMutex
	convMu     sync.RWMutex
	messageMu  sync.RWMutex
	templateMu sync.RWMutex
	campaignMu sync.RWMutex
	statMu     sync.RWMutex

	// Counters for ID generation
	accountCounter  uint
	convCounter     uint
	messageCounter  uint
	templateCounter uint
	campaignCounter uint
	statCounter     uint
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:             make(map[uint]*models.Account),
		conversations:        make(map[uint]*models.Conversation),
		messages:             make(map[uint]*models.Message),
		templates:            make(map[uint]*models.PendingTemplate),
		campaigns:            make(map[uint]*models.BroadcastCampaign),
		stats:                make(map[uint]*models.RecipientStat),
		messagesByExternalID: make(map[string]uint),
	}
}

// Account operations

func (m *MemoryStore) CreateAccount(account *models.Account) (*models.Account, error) {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	for _, existing := range m.accounts {
		if existing.PhoneNumberID == account.PhoneNumberID {
			return nil, ErrDuplicate
		}
	}

	m.accountCounter++
	account.ID = m.accountCounter
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()
	if account.Language == "" {
		account.Language = "en"
	}

	stored := *account
	m.accounts[account.ID] = &stored
	return account, nil
}

func (m *MemoryStore) GetAccount(id uint) (*models.Account, error) {
	m.accountMu.RLock()
	defer m.accountMu.RUnlock()

	account, exists := m.accounts[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *MemoryStore) GetAccountByPhoneNumberID(phoneNumberID string) (*models.Account, error) {
	m.accountMu.RLock()
	defer m.accountMu.RUnlock()

	for _, account := range m.accounts {
		if account.PhoneNumberID == phoneNumberID {
			copied := *account
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetAllAccounts() ([]*models.Account, error) {
	m.accountMu.RLock()
	defer m.accountMu.RUnlock()

	accounts := make([]*models.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		copied := *account
		accounts = append(accounts, &copied)
	}
	return accounts, nil
}

func (m *MemoryStore) UpdateAccount(account *models.Account) error {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	if _, exists := m.accounts[account.ID]; !exists {
		return ErrNotFound
	}
	account.UpdatedAt = time.Now()
	stored := *account
	m.accounts[account.ID] = &stored
	return nil
}

// Conversation operations

func (m *MemoryStore) CreateConversation(conversation *models.Conversation) (*models.Conversation, error) {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	for _, existing := range m.conversations {
		if existing.AccountID == conversation.AccountID && existing.ClientNumber == conversation.ClientNumber {
			return nil, ErrDuplicate
		}
	}

	m.convCounter++
	conversation.ID = m.convCounter
	conversation.CreatedAt = time.Now()
	conversation.UpdatedAt = time.Now()

	stored := *conversation
	m.conversations[conversation.ID] = &stored
	return conversation, nil
}

func (m *MemoryStore) GetConversation(id uint) (*models.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *conversation
	return &copied, nil
}

func (m *MemoryStore) GetConversationByClient(accountID uint, clientNumber string) (*models.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	for _, conversation := range m.conversations {
		if conversation.AccountID == accountID && conversation.ClientNumber == clientNumber {
			copied := *conversation
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetConversationsByAccount(accountID uint) ([]*models.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	var conversations []*models.Conversation
	for _, conversation := range m.conversations {
		if conversation.AccountID == accountID {
			copied := *conversation
			conversations = append(conversations, &copied)
		}
	}
	return conversations, nil
}

func (m *MemoryStore) UpdateConversation(conversation *models.Conversation) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	if _, exists := m.conversations[conversation.ID]; !exists {
		return ErrNotFound
	}
	conversation.UpdatedAt = time.Now()
	stored := *conversation
	m.conversations[conversation.ID] = &stored
	return nil
}

// Message operations

func (m *MemoryStore) CreateMessage(message *models.Message) (*models.Message, error) {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	// At most one row per provider id
	if message.ExternalID != nil {
		if _, taken := m.messagesByExternalID[*message.ExternalID]; taken {
			return nil, ErrDuplicate
		}
	}

	m.messageCounter++
	message.ID = m.messageCounter
	message.CreatedAt = time.Now()
	message.UpdatedAt = time.Now()

	stored := *message
	m.messages[message.ID] = &stored
	if message.ExternalID != nil {
		m.messagesByExternalID[*message.ExternalID] = message.ID
	}
	return message, nil
}

func (m *MemoryStore) GetMessage(id uint) (*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	message, exists := m.messages[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *message
	return &copied, nil
}

func (m *MemoryStore) GetMessageByExternalID(externalID string) (*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	id, exists := m.messagesByExternalID[externalID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *m.messages[id]
	return &copied, nil
}

func (m *MemoryStore) GetMessagesByConversation(conversationID uint, limit int) ([]*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	var messages []*models.Message
	for _, message := range m.messages {
		if message.ConversationID == conversationID {
			copied := *message
			messages = append(messages, &copied)
		}
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (m *MemoryStore) GetMessagesAwaitingTemplate(templateID uint) ([]*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	var messages []*models.Message
	for _, message := range m.messages {
		if message.PendingTemplateID != nil && *message.PendingTemplateID == templateID &&
			message.Status == models.StatusPending {
			copied := *message
			messages = append(messages, &copied)
		}
	}
	return messages, nil
}

func (m *MemoryStore) UpdateMessage(message *models.Message) error {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	existing, exists := m.messages[message.ID]
	if !exists {
		return ErrNotFound
	}

	if message.ExternalID != nil {
		if owner, taken := m.messagesByExternalID[*message.ExternalID]; taken && owner != message.ID {
			return ErrDuplicate
		}
	}

	// Keep the external id index current
	if existing.ExternalID != nil {
		delete(m.messagesByExternalID, *existing.ExternalID)
	}
	if message.ExternalID != nil {
		m.messagesByExternalID[*message.ExternalID] = message.ID
	}

	message.UpdatedAt = time.Now()
	stored := *message
	m.messages[message.ID] = &stored
	return nil
}

// PendingTemplate operations

// CreatePendingTemplate enforces the single non-terminal row invariant per
// (account_id, template_hash): a losing concurrent writer gets the winning
// row back along with ErrDuplicate.
func (m *MemoryStore) CreatePendingTemplate(template *models.PendingTemplate) (*models.PendingTemplate, error) {
	m.templateMu.Lock()
	defer m.templateMu.Unlock()

	if template.IsNonTerminal() {
		for _, existing := range m.templates {
			if existing.AccountID == template.AccountID &&
				existing.TemplateHash == template.TemplateHash &&
				existing.IsNonTerminal() {
				copied := *existing
				return &copied, ErrDuplicate
			}
		}
	}

	m.templateCounter++
	template.ID = m.templateCounter
	template.CreatedAt = time.Now()
	template.UpdatedAt = time.Now()

	stored := *template
	m.templates[template.ID] = &stored
	return template, nil
}

func (m *MemoryStore) GetPendingTemplate(id uint) (*models.PendingTemplate, error) {
	m.templateMu.RLock()
	defer m.templateMu.RUnlock()

	template, exists := m.templates[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *template
	return &copied, nil
}

func (m *MemoryStore) GetApprovedTemplateByHash(accountID uint, hash string) (*models.PendingTemplate, error) {
	m.templateMu.RLock()
	defer m.templateMu.RUnlock()

	for _, template := range m.templates {
		if template.AccountID == accountID && template.TemplateHash == hash &&
			(template.Status == models.TemplateStatusApproved || template.Status == models.TemplateStatusDispatched) {
			copied := *template
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetNonTerminalTemplateByHash(accountID uint, hash string) (*models.PendingTemplate, error) {
	m.templateMu.RLock()
	defer m.templateMu.RUnlock()

	for _, template := range m.templates {
		if template.AccountID == accountID && template.TemplateHash == hash && template.IsNonTerminal() {
			copied := *template
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetNonTerminalTemplates() ([]*models.PendingTemplate, error) {
	m.templateMu.RLock()
	defer m.templateMu.RUnlock()

	var templates []*models.PendingTemplate
	for _, template := range m.templates {
		if template.IsNonTerminal() {
			copied := *template
			templates = append(templates, &copied)
		}
	}
	return templates, nil
}

func (m *MemoryStore) UpdatePendingTemplate(template *models.PendingTemplate) error {
	m.templateMu.Lock()
	defer m.templateMu.Unlock()

	if _, exists := m.templates[template.ID]; !exists {
		return ErrNotFound
	}
	template.UpdatedAt = time.Now()
	stored := *template
	m.templates[template.ID] = &stored
	return nil
}

// Campaign operations

func (m *MemoryStore) CreateCampaign(campaign *models.BroadcastCampaign) (*models.BroadcastCampaign, error) {
	m.campaignMu.Lock()
	defer m.campaignMu.Unlock()

	m.campaignCounter++
	campaign.ID = m.campaignCounter
	campaign.CreatedAt = time.Now()
	campaign.UpdatedAt = time.Now()

	stored := *campaign
	m.campaigns[campaign.ID] = &stored
	return campaign, nil
}

func (m *MemoryStore) GetCampaign(id uint) (*models.BroadcastCampaign, error) {
	m.campaignMu.RLock()
	defer m.campaignMu.RUnlock()

	campaign, exists := m.campaigns[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *campaign
	return &copied, nil
}

func (m *MemoryStore) GetCampaignsByTemplate(templateID uint) ([]*models.BroadcastCampaign, error) {
	m.campaignMu.RLock()
	defer m.campaignMu.RUnlock()

	var campaigns []*models.BroadcastCampaign
	for _, campaign := range m.campaigns {
		if campaign.PendingTemplateID != nil && *campaign.PendingTemplateID == templateID {
			copied := *campaign
			campaigns = append(campaigns, &copied)
		}
	}
	return campaigns, nil
}

func (m *MemoryStore) UpdateCampaign(campaign *models.BroadcastCampaign) error {
	m.campaignMu.Lock()
	defer m.campaignMu.Unlock()

	if _, exists := m.campaigns[campaign.ID]; !exists {
		return ErrNotFound
	}
	campaign.UpdatedAt = time.Now()
	stored := *campaign
	m.campaigns[campaign.ID] = &stored
	return nil
}

// RecipientStat operations

func (m *MemoryStore) CreateRecipientStat(stat *models.RecipientStat) (*models.RecipientStat, error) {
	m.statMu.Lock()
	defer m.statMu.Unlock()

	m.statCounter++
	stat.ID = m.statCounter
	stat.CreatedAt = time.Now()
	stat.UpdatedAt = time.Now()

	stored := *stat
	m.stats[stat.ID] = &stored
	return stat, nil
}

func (m *MemoryStore) GetRecipientStatByExternalID(externalID string) (*models.RecipientStat, error) {
	m.statMu.RLock()
	defer m.statMu.RUnlock()

	for _, stat := range m.stats {
		if stat.ExternalID != nil && *stat.ExternalID == externalID {
			copied := *stat
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetLatestRecipientStatByDestination(destination string) (*models.RecipientStat, error) {
	m.statMu.RLock()
	defer m.statMu.RUnlock()

	var latest *models.RecipientStat
	for _, stat := range m.stats {
		if stat.Destination != destination {
			continue
		}
		if latest == nil || stat.CreatedAt.After(latest.CreatedAt) {
			latest = stat
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *MemoryStore) GetRecipientStatsByCampaign(campaignID uint) ([]*models.RecipientStat, error) {
	m.statMu.RLock()
	defer m.statMu.RUnlock()

	var stats []*models.RecipientStat
	for _, stat := range m.stats {
		if stat.CampaignID == campaignID {
			copied := *stat
			stats = append(stats, &copied)
		}
	}
	return stats, nil
}

func (m *MemoryStore) UpdateRecipientStat(stat *models.RecipientStat) error {
	m.statMu.Lock()
	defer m.statMu.Unlock()

	if _, exists := m.stats[stat.ID]; !exists {
		return ErrNotFound
	}
	stat.UpdatedAt = time.Now()
	stored := *stat
	m.stats[stat.ID] = &stored
	return nil
}

// CountRecipientStats recomputes campaign aggregates from the stat rows
func (m *MemoryStore) CountRecipientStats(campaignID uint) (*models.CampaignStats, error) {
	m.statMu.RLock()
	defer m.statMu.RUnlock()

	agg := &models.CampaignStats{CampaignID: campaignID}
	for _, stat := range m.stats {
		if stat.CampaignID != campaignID {
			continue
		}
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
