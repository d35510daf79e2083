package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// BroadcastFanout dispatches one logical campaign as many independent
// per-recipient sends. Template-gated campaigns funnel every recipient
// through one PendingTemplate so exactly one provider-side template is
// created per distinct body, and in-flight sends are bounded to respect
// provider rate limits.
type BroadcastFanout struct {
	store     storage.Store
	provider  Provider
	router    *DeliveryRouter
	deduper   *TemplateDeduper
	lifecycle *PendingTemplateLifecycle
	grace     *GraceTracker

	maxInFlight int64
}

// NewBroadcastFanout creates the fanout and hooks it into template approval
// outcomes so waiting campaigns resume on their own
func NewBroadcastFanout(store storage.Store, provider Provider, router *DeliveryRouter,
	deduper *TemplateDeduper, lifecycle *PendingTemplateLifecycle, grace *GraceTracker) *BroadcastFanout {
	f := &BroadcastFanout{
		store:       store,
		provider:    provider,
		router:      router,
		deduper:     deduper,
		lifecycle:   lifecycle,
		grace:       grace,
		maxInFlight: 20,
	}
	lifecycle.RegisterHook(f.onTemplateOutcome)
	return f
}

// SetMaxInFlight overrides the concurrent send bound
func (f *BroadcastFanout) SetMaxInFlight(n int64) {
	f.maxInFlight = n
}

// CreateCampaign creates a campaign and one RecipientStat per destination
func (f *BroadcastFanout) CreateCampaign(accountID uint, name, templateBody, language string,
	variables map[string]string, recipients []string) (*models.BroadcastCampaign, error) {
	campaign, err := f.store.CreateCampaign(&models.BroadcastCampaign{
		AccountID:         accountID,
		Name:              name,
		TemplateBody:      templateBody,
		Language:          language,
		TemplateVariables: variables,
		Status:            models.CampaignStatusDraft,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recipients))
	for _, recipient := range recipients {
		destination := NormalizeNumber(recipient)
		if destination == "" || seen[destination] {
			continue
		}
		seen[destination] = true

		if _, err := f.store.CreateRecipientStat(&models.RecipientStat{
			CampaignID:  campaign.ID,
			Destination: destination,
		}); err != nil {
			return nil, err
		}
	}

	return campaign, nil
}

// Dispatch starts delivery for a campaign. Template-gated campaigns resolve
// their template once; recipients wait if approval is still pending.
func (f *BroadcastFanout) Dispatch(ctx context.Context, campaignID uint) (*models.CampaignStats, error) {
	campaign, err := f.store.GetCampaign(campaignID)
	if err != nil {
		return nil, err
	}

	if campaign.TemplateBody == "" {
		campaign.Status = models.CampaignStatusDispatching
		if err := f.store.UpdateCampaign(campaign); err != nil {
			return nil, err
		}
		f.dispatchFreeform(ctx, campaign)
		return f.Aggregate(campaignID)
	}

	language := campaign.Language
	if language == "" {
		account, err := f.store.GetAccount(campaign.AccountID)
		if err != nil {
			return nil, ErrAccountNotFound
		}
		language = account.Language
	}

	template, _, err := f.deduper.Resolve(ctx, campaign.AccountID, language, campaign.TemplateBody, &campaign.ID)
	if err != nil {
		return nil, err
	}

	campaign.PendingTemplateID = &template.ID

	switch template.Status {
	case models.TemplateStatusApproved, models.TemplateStatusDispatched:
		campaign.Status = models.CampaignStatusDispatching
		if err := f.store.UpdateCampaign(campaign); err != nil {
			return nil, err
		}
		f.dispatchTemplate(ctx, campaign, template)

	case models.TemplateStatusCreated:
		campaign.Status = models.CampaignStatusWaitingTemplate
		if err := f.store.UpdateCampaign(campaign); err != nil {
			return nil, err
		}
		// Submission failures surface through the lifecycle hook, which
		// fails the campaign
		if err := f.lifecycle.Begin(ctx, template); err != nil {
			log.Printf("❌ Campaign %d template submission failed: %v", campaign.ID, err)
		}

	default:
		// Another caller already has the approval in flight
		campaign.Status = models.CampaignStatusWaitingTemplate
		if err := f.store.UpdateCampaign(campaign); err != nil {
			return nil, err
		}
	}

	return f.Aggregate(campaignID)
}

// Aggregate recomputes campaign counters from the stat rows
func (f *BroadcastFanout) Aggregate(campaignID uint) (*models.CampaignStats, error) {
	return f.store.CountRecipientStats(campaignID)
}

// dispatchTemplate fans an approved template out to every unsent recipient,
// bounded by the in-flight semaphore. One recipient failing never aborts
// the rest.
func (f *BroadcastFanout) dispatchTemplate(ctx context.Context, campaign *models.BroadcastCampaign, template *models.PendingTemplate) {
	account, err := f.store.GetAccount(campaign.AccountID)
	if err != nil {
		log.Printf("❌ Campaign %d: account missing: %v", campaign.ID, err)
		return
	}

	stats, err := f.store.GetRecipientStatsByCampaign(campaign.ID)
	if err != nil {
		log.Printf("❌ Campaign %d: could not load recipients: %v", campaign.ID, err)
		return
	}

	sem := semaphore.NewWeighted(f.maxInFlight)
	var wg sync.WaitGroup

	for _, stat := range stats {
		if stat.SentAt != nil || stat.FailedAt != nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(stat *models.RecipientStat) {
			defer wg.Done()
			defer sem.Release(1)
			f.sendToRecipient(ctx, account, campaign, template, stat)
		}(stat)
	}

	wg.Wait()

	campaign.Status = models.CampaignStatusCompleted
	if err := f.store.UpdateCampaign(campaign); err != nil {
		log.Printf("❌ Campaign %d: could not mark completed: %v", campaign.ID, err)
	}
	log.Printf("📣 Campaign %d fanout finished", campaign.ID)
}

// sendToRecipient delivers the campaign template to one destination and
// records the outcome on its stat row
func (f *BroadcastFanout) sendToRecipient(ctx context.Context, account *models.Account,
	campaign *models.BroadcastCampaign, template *models.PendingTemplate, stat *models.RecipientStat) {
	conversation, err := f.store.GetConversationByClient(account.ID, stat.Destination)
	if errors.Is(err, storage.ErrNotFound) {
		conversation, err = f.store.CreateConversation(&models.Conversation{
			AccountID:    account.ID,
			ClientNumber: stat.Destination,
		})
		if errors.Is(err, storage.ErrDuplicate) {
			conversation, err = f.store.GetConversationByClient(account.ID, stat.Destination)
		}
	}
	if err != nil {
		f.failRecipient(stat, err.Error())
		return
	}

	message, err := f.store.CreateMessage(&models.Message{
		ConversationID:    conversation.ID,
		Direction:         models.DirectionOutbound,
		Status:            models.StatusPending,
		Content:           models.TemplateContent(template.Name, campaign.TemplateVariables),
		TemplateName:      template.Name,
		TemplateVariables: campaign.TemplateVariables,
	})
	if err != nil {
		f.failRecipient(stat, err.Error())
		return
	}

	var externalID string
	err = withRetry(ctx, func() error {
		id, sendErr := f.provider.SendTemplate(ctx, account, stat.Destination,
			template.Name, template.Language, campaign.TemplateVariables)
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
		if updateErr := f.store.UpdateMessage(message); updateErr != nil {
			log.Printf("❌ Failed to record send failure for message %d: %v", message.ID, updateErr)
		}
		f.failRecipient(stat, err.Error())
		return
	}

	message.ExternalID = &externalID
	message.Status = models.StatusSent
	message.SentAt = &now
	if err := f.store.UpdateMessage(message); err != nil {
		log.Printf("❌ Failed to record send for message %d: %v", message.ID, err)
	}

	stat.MessageID = &message.ID
	stat.ExternalID = &externalID
	stat.SentAt = &now
	if err := f.store.UpdateRecipientStat(stat); err != nil {
		log.Printf("❌ Failed to record send on stat %d: %v", stat.ID, err)
	}

	f.grace.Mark(conversation.ID)
}

// dispatchFreeform routes a non-template campaign through the delivery
// router per recipient
func (f *BroadcastFanout) dispatchFreeform(ctx context.Context, campaign *models.BroadcastCampaign) {
	stats, err := f.store.GetRecipientStatsByCampaign(campaign.ID)
	if err != nil {
		log.Printf("❌ Campaign %d: could not load recipients: %v", campaign.ID, err)
		return
	}

	sem := semaphore.NewWeighted(f.maxInFlight)
	var wg sync.WaitGroup

	for _, stat := range stats {
		if stat.SentAt != nil || stat.FailedAt != nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(stat *models.RecipientStat) {
			defer wg.Done()
			defer sem.Release(1)

			message, err := f.router.SendToClient(ctx, campaign.AccountID, stat.Destination,
				models.TextContent(campaign.TemplateBody), SendOptions{CampaignID: &campaign.ID})
			if err != nil {
				f.failRecipient(stat, err.Error())
				return
			}

			now := time.Now()
			stat.MessageID = &message.ID
			stat.ExternalID = message.ExternalID
			stat.SentAt = &now
			if err := f.store.UpdateRecipientStat(stat); err != nil {
				log.Printf("❌ Failed to record send on stat %d: %v", stat.ID, err)
			}
		}(stat)
	}

	wg.Wait()

	campaign.Status = models.CampaignStatusCompleted
	if err := f.store.UpdateCampaign(campaign); err != nil {
		log.Printf("❌ Campaign %d: could not mark completed: %v", campaign.ID, err)
	}
}

func (f *BroadcastFanout) failRecipient(stat *models.RecipientStat, reason string) {
	now := time.Now()
	stat.FailedAt = &now
	stat.FailureReason = reason
	if err := f.store.UpdateRecipientStat(stat); err != nil {
		log.Printf("❌ Failed to record failure on stat %d: %v", stat.ID, err)
	}
}

// onTemplateOutcome resumes campaigns waiting on a template once approval
// lands, or fails them on rejection
func (f *BroadcastFanout) onTemplateOutcome(template *models.PendingTemplate) {
	campaigns, err := f.store.GetCampaignsByTemplate(template.ID)
	if err != nil {
		log.Printf("❌ Could not load campaigns for template %d: %v", template.ID, err)
		return
	}

	for _, campaign := range campaigns {
		if campaign.Status != models.CampaignStatusWaitingTemplate {
			continue
		}

		switch template.Status {
		case models.TemplateStatusApproved, models.TemplateStatusDispatched:
			campaign.Status = models.CampaignStatusDispatching
			if err := f.store.UpdateCampaign(campaign); err != nil {
				log.Printf("❌ Could not resume campaign %d: %v", campaign.ID, err)
				continue
			}
			f.dispatchTemplate(context.Background(), campaign, template)

		case models.TemplateStatusRejected, models.TemplateStatusFailed:
			campaign.Status = models.CampaignStatusFailed
			if err := f.store.UpdateCampaign(campaign); err != nil {
				log.Printf("❌ Could not fail campaign %d: %v", campaign.ID, err)
				continue
			}
			f.failWaitingRecipients(campaign, template.FailureReason)
		}
	}
}

func (f *BroadcastFanout) failWaitingRecipients(campaign *models.BroadcastCampaign, reason string) {
	stats, err := f.store.GetRecipientStatsByCampaign(campaign.ID)
	if err != nil {
		log.Printf("❌ Campaign %d: could not load recipients: %v", campaign.ID, err)
		return
	}
	for _, stat := range stats {
		if stat.SentAt == nil && stat.FailedAt == nil {
			f.failRecipient(stat, reason)
		}
	}
}
