package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// SendOptions carries per-send routing flags
type SendOptions struct {
	// AutoTemplate routes through the template fallback when the session
	// window is closed instead of rejecting the send
	AutoTemplate bool

	// CampaignID links broadcast-originated sends to their campaign
	CampaignID *uint

	// Variables for the template fallback body
	Variables map[string]string
}

// DeliveryRouter decides direct-send versus template-fallback for every
// outbound message and performs the dispatch
type DeliveryRouter struct {
	store     storage.Store
	provider  Provider
	window    *WindowClassifier
	deduper   *TemplateDeduper
	lifecycle *PendingTemplateLifecycle
	grace     *GraceTracker
}

// NewDeliveryRouter creates a delivery router
func NewDeliveryRouter(store storage.Store, provider Provider, window *WindowClassifier,
	deduper *TemplateDeduper, lifecycle *PendingTemplateLifecycle, grace *GraceTracker) *DeliveryRouter {
	return &DeliveryRouter{
		store:     store,
		provider:  provider,
		window:    window,
		deduper:   deduper,
		lifecycle: lifecycle,
		grace:     grace,
	}
}

// Send routes a message into an existing conversation
func (r *DeliveryRouter) Send(ctx context.Context, conversationID uint, content models.MessageContent, opts SendOptions) (*models.Message, error) {
	conversation, err := r.store.GetConversation(conversationID)
	if err != nil {
		return nil, ErrConversationNotFound
	}
	return r.send(ctx, conversation, content, opts)
}

// SendToClient routes a message to a client number, creating the
// conversation if none exists yet. Used by broadcast fanout.
func (r *DeliveryRouter) SendToClient(ctx context.Context, accountID uint, clientNumber string, content models.MessageContent, opts SendOptions) (*models.Message, error) {
	clientNumber = NormalizeNumber(clientNumber)

	conversation, err := r.store.GetConversationByClient(accountID, clientNumber)
	if errors.Is(err, storage.ErrNotFound) {
		conversation, err = r.store.CreateConversation(&models.Conversation{
			AccountID:    accountID,
			ClientNumber: clientNumber,
		})
	}
	if err != nil {
		return nil, err
	}
	return r.send(ctx, conversation, content, opts)
}

func (r *DeliveryRouter) send(ctx context.Context, conversation *models.Conversation, content models.MessageContent, opts SendOptions) (*models.Message, error) {
	state := r.window.Classify(conversation.LastInboundAt)

	if state.IsFree {
		return r.directSend(ctx, conversation, content, opts)
	}

	if !opts.AutoTemplate {
		// A recently dispatched template means the conversation is waiting
		// on the customer, which deserves a distinct block
		if r.grace.Active(conversation.ID) {
			return nil, ErrAwaitingCustomerReply
		}
		return nil, ErrOutsideWindow
	}

	return r.templateFallback(ctx, conversation, content, opts)
}

// directSend creates the message in pending, issues the provider call and
// advances to sent once the provider hands back its message id
func (r *DeliveryRouter) directSend(ctx context.Context, conversation *models.Conversation, content models.MessageContent, opts SendOptions) (*models.Message, error) {
	account, err := r.store.GetAccount(conversation.AccountID)
	if err != nil {
		return nil, ErrAccountNotFound
	}

	message, err := r.store.CreateMessage(&models.Message{
		ConversationID: conversation.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.StatusPending,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}

	var externalID string
	err = withRetry(ctx, func() error {
		id, sendErr := r.provider.SendMessage(ctx, account, conversation.ClientNumber, content)
		if sendErr != nil {
			return sendErr
		}
		externalID = id
		return nil
	})

	now := time.Now()
	if err != nil {
		message.Status = models.StatusFailed
		message.FailedAt = &now
		message.FailureReason = err.Error()
		if updateErr := r.store.UpdateMessage(message); updateErr != nil {
			log.Printf("❌ Failed to record send failure for message %d: %v", message.ID, updateErr)
		}
		return message, err
	}

	message.ExternalID = &externalID
	message.Status = models.StatusSent
	message.SentAt = &now
	if err := r.store.UpdateMessage(message); err != nil {
		return nil, err
	}

	log.Printf("📤 Message %d sent to %s (provider id %s)", message.ID, conversation.ClientNumber, externalID)
	return message, nil
}

// templateFallback resolves a template for the content and parks the message
// on it; approved templates dispatch immediately, fresh ones go through the
// submission lifecycle
func (r *DeliveryRouter) templateFallback(ctx context.Context, conversation *models.Conversation, content models.MessageContent, opts SendOptions) (*models.Message, error) {
	account, err := r.store.GetAccount(conversation.AccountID)
	if err != nil {
		return nil, ErrAccountNotFound
	}

	body := content.Text
	if body == "" {
		body = content.Caption
	}

	template, reused, err := r.deduper.Resolve(ctx, account.ID, account.Language, body, opts.CampaignID)
	if err != nil {
		return nil, err
	}
	if reused {
		log.Printf("♻️  Conversation %d reuses template %s", conversation.ID, template.Name)
	}

	message, err := r.store.CreateMessage(&models.Message{
		ConversationID:    conversation.ID,
		Direction:         models.DirectionOutbound,
		Status:            models.StatusPending,
		Content:           content,
		TemplateName:      template.Name,
		TemplateVariables: opts.Variables,
		PendingTemplateID: &template.ID,
	})
	if err != nil {
		return nil, err
	}

	switch template.Status {
	case models.TemplateStatusApproved, models.TemplateStatusDispatched:
		// Already approved, dispatch right away
		if err := r.lifecycle.Dispatch(ctx, template); err != nil {
			return message, err
		}
	case models.TemplateStatusCreated:
		if err := r.lifecycle.Begin(ctx, template); err != nil {
			refreshed, refreshErr := r.store.GetMessage(message.ID)
			if refreshErr == nil {
				message = refreshed
			}
			return message, err
		}
	default:
		// Submitted or pending: the message waits on the running approval
	}

	refreshed, err := r.store.GetMessage(message.ID)
	if err != nil {
		return message, nil
	}
	return refreshed, nil
}
