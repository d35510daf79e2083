package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// InboundMessage is a customer message carried by a webhook event
type InboundMessage struct {
	ID         string
	From       string
	SenderName string
	Timestamp  time.Time
	Content    models.MessageContent
}

// StatusUpdate is a delivery-status change carried by a webhook event
type StatusUpdate struct {
	ID        string // Provider message id
	Status    string
	Timestamp time.Time
	Reason    string
}

// WebhookEvent is one provider webhook delivery, flattened. The provider
// delivers at least once, so the same event may arrive repeatedly.
type WebhookEvent struct {
	PhoneNumberID string
	Messages      []InboundMessage
	Statuses      []StatusUpdate
}

// MessageObserver is notified after the reconciler applies a message change
type MessageObserver func(message *models.Message)

// conversationStripes bounds the per-conversation lock table
const conversationStripes = 64

// IngestionReconciler applies inbound messages and delivery-status webhooks
// idempotently. Handlers run concurrently per event; mutation of one
// conversation is serialized through a striped lock so concurrent deliveries
// cannot lose updates to last_inbound_at.
type IngestionReconciler struct {
	store storage.Store
	grace *GraceTracker

	locks [conversationStripes]sync.Mutex

	observersMu sync.RWMutex
	observers   []MessageObserver
}

// NewIngestionReconciler creates the reconciler
func NewIngestionReconciler(store storage.Store, grace *GraceTracker) *IngestionReconciler {
	return &IngestionReconciler{
		store: store,
		grace: grace,
	}
}

// OnMessage registers an observer for applied message changes
func (r *IngestionReconciler) OnMessage(observer MessageObserver) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, observer)
}

// HandleEvent applies one webhook event. Re-delivery of an already-applied
// event is a no-op; events for unknown accounts are logged and dropped
// because they cannot be attributed.
func (r *IngestionReconciler) HandleEvent(ctx context.Context, event *WebhookEvent) error {
	account, err := r.store.GetAccountByPhoneNumberID(event.PhoneNumberID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("⚠️  Dropping event for unknown phone number id %s", event.PhoneNumberID)
		return nil
	}
	if err != nil {
		return err
	}

	for i := range event.Messages {
		if err := r.applyInbound(account, &event.Messages[i]); err != nil {
			return err
		}
	}

	for i := range event.Statuses {
		if err := r.applyStatus(&event.Statuses[i]); err != nil {
			return err
		}
	}

	return nil
}

func (r *IngestionReconciler) lock(conversationID uint) *sync.Mutex {
	return &r.locks[conversationID%conversationStripes]
}

// applyInbound upserts one customer message and moves the conversation's
// window forward
func (r *IngestionReconciler) applyInbound(account *models.Account, inbound *InboundMessage) error {
	from := NormalizeNumber(inbound.From)

	conversation, err := r.store.GetConversationByClient(account.ID, from)
	if errors.Is(err, storage.ErrNotFound) {
		conversation, err = r.store.CreateConversation(&models.Conversation{
			AccountID:    account.ID,
			ClientNumber: from,
			ClientName:   inbound.SenderName,
		})
		if errors.Is(err, storage.ErrDuplicate) {
			conversation, err = r.store.GetConversationByClient(account.ID, from)
		}
	}
	if err != nil {
		return err
	}

	mu := r.lock(conversation.ID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := r.store.GetMessageByExternalID(inbound.ID); err == nil {
		// Already applied, at-least-once delivery repeating itself
		log.Printf("🔁 Duplicate inbound %s ignored", inbound.ID)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	externalID := inbound.ID
	message, err := r.store.CreateMessage(&models.Message{
		ExternalID:     &externalID,
		ConversationID: conversation.ID,
		Direction:      models.DirectionInbound,
		Status:         models.StatusDelivered,
		Content:        inbound.Content,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		log.Printf("🔁 Duplicate inbound %s ignored", inbound.ID)
		return nil
	}
	if err != nil {
		return err
	}

	// The customer spoke: the window reopens and any awaiting-reply block lifts
	timestamp := inbound.Timestamp
	conversation, err = r.store.GetConversation(conversation.ID)
	if err != nil {
		return err
	}
	// Out-of-order deliveries must not pull the window start backwards
	if conversation.LastInboundAt == nil || timestamp.After(*conversation.LastInboundAt) {
		conversation.LastInboundAt = &timestamp
	}
	conversation.UnreadCount++
	if inbound.SenderName != "" && conversation.ClientName == "" {
		conversation.ClientName = inbound.SenderName
	}
	if err := r.store.UpdateConversation(conversation); err != nil {
		return err
	}
	r.grace.Clear(conversation.ID)

	r.markReplied(from, timestamp)
	r.notify(message)

	log.Printf("📥 Inbound %s applied to conversation %d", inbound.ID, conversation.ID)
	return nil
}

// applyStatus merges one non-regressing status update into the message and
// its campaign recipient stat
func (r *IngestionReconciler) applyStatus(status *StatusUpdate) error {
	message, err := r.store.GetMessageByExternalID(status.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// Status may still belong to a campaign recipient
		return r.applyStatusToStat(status)
	}
	if err != nil {
		return err
	}

	mu := r.lock(message.ConversationID)
	mu.Lock()

	// Re-read under the lock so concurrent status events serialize
	message, err = r.store.GetMessageByExternalID(status.ID)
	if err != nil {
		mu.Unlock()
		return err
	}

	if !models.CanAdvanceStatus(message.Status, status.Status) {
		mu.Unlock()
		log.Printf("🔁 Stale status %s for %s ignored (current %s)", status.Status, status.ID, message.Status)
		return r.applyStatusToStat(status)
	}

	message.Status = status.Status
	timestamp := status.Timestamp
	switch status.Status {
	case models.StatusSent:
		message.SentAt = &timestamp
	case models.StatusDelivered:
		message.DeliveredAt = &timestamp
	case models.StatusRead:
		message.ReadAt = &timestamp
	case models.StatusFailed:
		message.FailedAt = &timestamp
		message.FailureReason = status.Reason
	}

	if err := r.store.UpdateMessage(message); err != nil {
		mu.Unlock()
		return err
	}
	mu.Unlock()

	r.notify(message)
	return r.applyStatusToStat(status)
}

// applyStatusToStat updates the one RecipientStat matched by provider
// message id, if the message belongs to a campaign
func (r *IngestionReconciler) applyStatusToStat(status *StatusUpdate) error {
	stat, err := r.store.GetRecipientStatByExternalID(status.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	timestamp := status.Timestamp
	changed := false
	switch status.Status {
	case models.StatusSent:
		if stat.SentAt == nil {
			stat.SentAt = &timestamp
			changed = true
		}
	case models.StatusDelivered:
		if stat.DeliveredAt == nil {
			stat.DeliveredAt = &timestamp
			changed = true
		}
	case models.StatusRead:
		if stat.ReadAt == nil {
			stat.ReadAt = &timestamp
			changed = true
		}
	case models.StatusFailed:
		if stat.FailedAt == nil {
			stat.FailedAt = &timestamp
			stat.FailureReason = status.Reason
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return r.store.UpdateRecipientStat(stat)
}

// markReplied stamps replied_at on the latest campaign stat for a
// destination when the customer answers
func (r *IngestionReconciler) markReplied(destination string, timestamp time.Time) {
	stat, err := r.store.GetLatestRecipientStatByDestination(destination)
	if err != nil || stat.RepliedAt != nil {
		return
	}
	stat.RepliedAt = &timestamp
	if err := r.store.UpdateRecipientStat(stat); err != nil {
		log.Printf("❌ Failed to mark reply on stat %d: %v", stat.ID, err)
	}
}

func (r *IngestionReconciler) notify(message *models.Message) {
	r.observersMu.RLock()
	observers := make([]MessageObserver, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	for _, observer := range observers {
		observer(message)
	}
}
