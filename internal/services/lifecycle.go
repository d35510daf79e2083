package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// TemplateHook is invoked when a template reaches a terminal approval
// outcome, so other components (broadcast fanout) can react.
type TemplateHook func(template *models.PendingTemplate)

// PendingTemplateLifecycle owns a template from creation through provider
// approval to dispatch. One background poller runs per non-terminal
// template; the registry prevents duplicate pollers and all of them are
// cancellable on shutdown.
type PendingTemplateLifecycle struct {
	store    storage.Store
	provider Provider
	grace    *GraceTracker

	mu      sync.Mutex
	pollers map[uint]context.CancelFunc
	wg      sync.WaitGroup

	// Serializes the created -> submitted transition per template
	submitGroup singleflight.Group

	hooksMu sync.RWMutex
	hooks   []TemplateHook

	pollInterval time.Duration
	pollDeadline time.Duration

	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewPendingTemplateLifecycle creates the lifecycle manager
func NewPendingTemplateLifecycle(store storage.Store, provider Provider, grace *GraceTracker) *PendingTemplateLifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &PendingTemplateLifecycle{
		store:        store,
		provider:     provider,
		grace:        grace,
		pollers:      make(map[uint]context.CancelFunc),
		pollInterval: 30 * time.Second,
		pollDeadline: 24 * time.Hour,
		rootCtx:      ctx,
		cancel:       cancel,
	}
}

// SetPollInterval overrides the approval poll interval
func (l *PendingTemplateLifecycle) SetPollInterval(d time.Duration) {
	l.pollInterval = d
}

// SetPollDeadline overrides the maximum time a template may stay pending
func (l *PendingTemplateLifecycle) SetPollDeadline(d time.Duration) {
	l.pollDeadline = d
}

// RegisterHook adds a callback for terminal approval outcomes
func (l *PendingTemplateLifecycle) RegisterHook(hook TemplateHook) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// Begin drives a freshly created template: submit it to the provider with
// bounded retries, then start the approval poller. Safe to call again for a
// template that is already submitted or pending; concurrent callers for the
// same template converge onto a single provider submission.
func (l *PendingTemplateLifecycle) Begin(ctx context.Context, template *models.PendingTemplate) error {
	current := template
	if template.Status == models.TemplateStatusCreated {
		refreshed, err := l.submitOnce(ctx, template.ID)
		if err != nil {
			return err
		}
		current = refreshed
	}

	if current.Status == models.TemplateStatusSubmitted || current.Status == models.TemplateStatusPending {
		l.startPoller(current)
	}
	return nil
}

// submitOnce guards the created -> submitted transition: concurrent callers
// for the same template share one submission, and late callers re-read the
// stored status and skip the provider call entirely
func (l *PendingTemplateLifecycle) submitOnce(ctx context.Context, templateID uint) (*models.PendingTemplate, error) {
	key := fmt.Sprintf("submit:%d", templateID)
	value, err, _ := l.submitGroup.Do(key, func() (interface{}, error) {
		current, getErr := l.store.GetPendingTemplate(templateID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.TemplateStatusCreated {
			if submitErr := l.submit(ctx, current); submitErr != nil {
				return current, submitErr
			}
		}
		return current, nil
	})

	refreshed, _ := value.(*models.PendingTemplate)
	return refreshed, err
}

// Resume restarts pollers for every non-terminal template, called on boot
func (l *PendingTemplateLifecycle) Resume(ctx context.Context) error {
	templates, err := l.store.GetNonTerminalTemplates()
	if err != nil {
		return err
	}

	for _, template := range templates {
		t := template
		go func() {
			if err := l.Begin(ctx, t); err != nil {
				log.Printf("❌ Failed to resume template %d: %v", t.ID, err)
			}
		}()
	}

	if len(templates) > 0 {
		log.Printf("🔄 Resumed %d non-terminal template(s)", len(templates))
	}
	return nil
}

// Shutdown cancels every poller and waits for them to exit
func (l *PendingTemplateLifecycle) Shutdown() {
	l.cancel()
	l.wg.Wait()
}

// submit pushes the template to the provider and advances
// created -> submitted -> pending
func (l *PendingTemplateLifecycle) submit(ctx context.Context, template *models.PendingTemplate) error {
	account, err := l.store.GetAccount(template.AccountID)
	if err != nil {
		return fmt.Errorf("template %d: %w", template.ID, ErrAccountNotFound)
	}

	err = withRetry(ctx, func() error {
		providerID, submitErr := l.provider.SubmitTemplate(ctx, account, template.Name, template.Language, template.Body)
		if submitErr != nil {
			template.RetryCount++
			return submitErr
		}
		template.ProviderTemplateID = providerID
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrProviderRejected) {
			l.reject(template, err.Error())
		} else {
			l.fail(template, fmt.Sprintf("submission failed after retries: %v", err))
		}
		return err
	}

	template.Status = models.TemplateStatusSubmitted
	if updateErr := l.store.UpdatePendingTemplate(template); updateErr != nil {
		return updateErr
	}

	// Provider acknowledged, approval is now pending
	template.Status = models.TemplateStatusPending
	if updateErr := l.store.UpdatePendingTemplate(template); updateErr != nil {
		return updateErr
	}

	log.Printf("📨 Template %s submitted, provider id %s", template.Name, template.ProviderTemplateID)
	return nil
}

// startPoller launches the approval poller for a template unless one is
// already running
func (l *PendingTemplateLifecycle) startPoller(template *models.PendingTemplate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, running := l.pollers[template.ID]; running {
		return
	}

	ctx, cancel := context.WithCancel(l.rootCtx)
	l.pollers[template.ID] = cancel
	l.wg.Add(1)

	go l.poll(ctx, template.ID)
}

func (l *PendingTemplateLifecycle) removePoller(templateID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cancel, ok := l.pollers[templateID]; ok {
		cancel()
		delete(l.pollers, templateID)
	}
}

// poll checks provider approval status on a jittered interval until the
// template reaches a terminal state or the poll deadline expires
func (l *PendingTemplateLifecycle) poll(ctx context.Context, templateID uint) {
	defer l.wg.Done()
	defer l.removePoller(templateID)

	for {
		timer := time.NewTimer(jitter(l.pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		template, err := l.store.GetPendingTemplate(templateID)
		if err != nil {
			log.Printf("❌ Poller lost template %d: %v", templateID, err)
			return
		}
		if template.IsTerminal() {
			return
		}

		if time.Since(template.CreatedAt) > l.pollDeadline {
			l.fail(template, "template approval timed out")
			return
		}

		account, err := l.store.GetAccount(template.AccountID)
		if err != nil {
			log.Printf("❌ Poller for template %d: account missing: %v", templateID, err)
			return
		}

		status, reason, err := l.provider.TemplateStatus(ctx, account, template.ProviderTemplateID)
		template.RetryCount++
		if updateErr := l.store.UpdatePendingTemplate(template); updateErr != nil {
			log.Printf("❌ Failed to record poll attempt for template %d: %v", templateID, updateErr)
		}

		if err != nil {
			log.Printf("⚠️  Status poll for template %d failed: %v", templateID, err)
			continue
		}

		switch status {
		case ProviderTemplateApproved:
			l.approve(ctx, template)
			return
		case ProviderTemplateRejected:
			l.reject(template, reason)
			return
		default:
			// Still pending, keep polling
		}
	}
}

// approve marks the template approved and dispatches everything waiting on it
func (l *PendingTemplateLifecycle) approve(ctx context.Context, template *models.PendingTemplate) {
	template.Status = models.TemplateStatusApproved
	if err := l.store.UpdatePendingTemplate(template); err != nil {
		log.Printf("❌ Failed to mark template %d approved: %v", template.ID, err)
		return
	}
	log.Printf("✅ Template %s approved", template.Name)

	if err := l.Dispatch(ctx, template); err != nil {
		log.Printf("❌ Dispatch after approval of template %d failed: %v", template.ID, err)
	}

	l.runHooks(template)
}

// Dispatch sends every message waiting on an approved template and then
// marks the template dispatched
func (l *PendingTemplateLifecycle) Dispatch(ctx context.Context, template *models.PendingTemplate) error {
	messages, err := l.store.GetMessagesAwaitingTemplate(template.ID)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := l.dispatchMessage(ctx, template, message); err != nil {
			log.Printf("❌ Failed to dispatch message %d via template %s: %v", message.ID, template.Name, err)
		}
	}

	template.Status = models.TemplateStatusDispatched
	return l.store.UpdatePendingTemplate(template)
}

// dispatchMessage sends one waiting message as a template send
func (l *PendingTemplateLifecycle) dispatchMessage(ctx context.Context, template *models.PendingTemplate, message *models.Message) error {
	conversation, err := l.store.GetConversation(message.ConversationID)
	if err != nil {
		return ErrConversationNotFound
	}
	account, err := l.store.GetAccount(conversation.AccountID)
	if err != nil {
		return ErrAccountNotFound
	}

	var externalID string
	err = withRetry(ctx, func() error {
		id, sendErr := l.provider.SendTemplate(ctx, account, conversation.ClientNumber,
			template.Name, template.Language, message.TemplateVariables)
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
		if updateErr := l.store.UpdateMessage(message); updateErr != nil {
			return updateErr
		}
		return err
	}

	message.ExternalID = &externalID
	message.Status = models.StatusSent
	message.SentAt = &now
	message.TemplateName = template.Name
	if err := l.store.UpdateMessage(message); err != nil {
		return err
	}

	// The conversation now waits on a customer reply
	l.grace.Mark(conversation.ID)
	return nil
}

// reject marks the template rejected and fails everything waiting on it.
// Rejections are terminal and must be visible, never silently dropped.
func (l *PendingTemplateLifecycle) reject(template *models.PendingTemplate, reason string) {
	template.Status = models.TemplateStatusRejected
	template.FailureReason = reason
	if err := l.store.UpdatePendingTemplate(template); err != nil {
		log.Printf("❌ Failed to mark template %d rejected: %v", template.ID, err)
	}
	log.Printf("🚫 Template %s rejected: %s", template.Name, reason)

	l.failWaiting(template, fmt.Sprintf("template rejected: %s", reason))
	l.runHooks(template)
}

// fail marks the template failed (exhausted retries or poll timeout) and
// fails everything waiting on it
func (l *PendingTemplateLifecycle) fail(template *models.PendingTemplate, reason string) {
	template.Status = models.TemplateStatusFailed
	template.FailureReason = reason
	if err := l.store.UpdatePendingTemplate(template); err != nil {
		log.Printf("❌ Failed to mark template %d failed: %v", template.ID, err)
	}
	log.Printf("❌ Template %s failed: %s", template.Name, reason)

	l.failWaiting(template, reason)
	l.runHooks(template)
}

func (l *PendingTemplateLifecycle) failWaiting(template *models.PendingTemplate, reason string) {
	messages, err := l.store.GetMessagesAwaitingTemplate(template.ID)
	if err != nil {
		log.Printf("❌ Could not load messages waiting on template %d: %v", template.ID, err)
		return
	}

	now := time.Now()
	for _, message := range messages {
		message.Status = models.StatusFailed
		message.FailedAt = &now
		message.FailureReason = reason
		if err := l.store.UpdateMessage(message); err != nil {
			log.Printf("❌ Failed to fail message %d: %v", message.ID, err)
		}
	}
}

func (l *PendingTemplateLifecycle) runHooks(template *models.PendingTemplate) {
	l.hooksMu.RLock()
	hooks := make([]TemplateHook, len(l.hooks))
	copy(hooks, l.hooks)
	l.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(template)
	}
}

// jitter spreads poll ticks by ±20% so pollers do not align
func jitter(d time.Duration) time.Duration {
	offset := (rand.Float64()*0.4 - 0.2) * float64(d)
	return d + time.Duration(offset)
}
