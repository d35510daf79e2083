package services

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

// Placeholder is the client-local projection of an outbound message before
// the server confirms it. It lives only in the reconciler, never persisted.
type Placeholder struct {
	LocalID        string
	ConversationID uint
	Fingerprint    string
	CreatedAt      time.Time
	CorrelationID  string // Provider message id, set once the send call returns
}

// OptimisticReconciler matches locally-rendered placeholders against
// server-confirmed messages. All state lives on a single event loop
// goroutine; the exported methods hand commands to it and never block
// beyond the channel hand-off, so the UI thread stays responsive.
//
// For every tracked placeholder exactly one of two things eventually
// happens: it resolves against a confirmed record, or it times out and is
// surfaced as failed. Never both, never neither.
type OptimisticReconciler struct {
	cmds chan func()
	done chan struct{}

	stopOnce sync.Once

	placeholders  map[string]*Placeholder
	byCorrelation map[string]string // provider id -> local id

	tolerance  time.Duration // Max clock skew for fingerprint matches
	timeout    time.Duration // Placeholder age before it fails
	sweepEvery time.Duration

	onResolved func(localID string, message *models.Message)
	onFailed   func(localID string, reason string)

	now func() time.Time
}

// NewOptimisticReconciler creates the reconciler. onResolved fires when a
// placeholder is replaced by its confirmed record, onFailed when it times
// out or is cancelled by a failed send.
func NewOptimisticReconciler(onResolved func(string, *models.Message), onFailed func(string, string)) *OptimisticReconciler {
	return &OptimisticReconciler{
		cmds:          make(chan func(), 256),
		done:          make(chan struct{}),
		placeholders:  make(map[string]*Placeholder),
		byCorrelation: make(map[string]string),
		tolerance:     45 * time.Second,
		timeout:       90 * time.Second,
		sweepEvery:    15 * time.Second,
		onResolved:    onResolved,
		onFailed:      onFailed,
		now:           time.Now,
	}
}

// Start launches the event loop
func (o *OptimisticReconciler) Start() {
	go o.loop()
}

// Stop ends the event loop; pending commands are dropped
func (o *OptimisticReconciler) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
	})
}

func (o *OptimisticReconciler) loop() {
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case cmd := <-o.cmds:
			cmd()
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *OptimisticReconciler) post(cmd func()) {
	select {
	case o.cmds <- cmd:
	case <-o.done:
	}
}

// Track registers a placeholder at send time
func (o *OptimisticReconciler) Track(localID string, conversationID uint, fingerprint string) {
	createdAt := o.now()
	o.post(func() {
		o.placeholders[localID] = &Placeholder{
			LocalID:        localID,
			ConversationID: conversationID,
			Fingerprint:    fingerprint,
			CreatedAt:      createdAt,
		}
	})
}

// Confirm attaches the provider message id once the send call returns it
func (o *OptimisticReconciler) Confirm(localID, correlationID string) {
	o.post(func() {
		placeholder, ok := o.placeholders[localID]
		if !ok {
			return
		}
		placeholder.CorrelationID = correlationID
		o.byCorrelation[correlationID] = localID
	})
}

// Fail removes a placeholder after an explicit send failure
func (o *OptimisticReconciler) Fail(localID, reason string) {
	o.post(func() {
		o.remove(localID)
		o.onFailed(localID, reason)
	})
}

// Cancel deterministically removes a placeholder for a cancelled send
func (o *OptimisticReconciler) Cancel(localID string) {
	o.post(func() {
		o.remove(localID)
	})
}

// Observe feeds one server-confirmed message into the matcher. Wire this to
// the ingestion reconciler's observer hook.
func (o *OptimisticReconciler) Observe(message *models.Message) {
	o.post(func() {
		o.observe(message)
	})
}

// Sweep forces a reconciliation pass and waits for it, used at shutdown
func (o *OptimisticReconciler) Sweep() {
	swept := make(chan struct{})
	o.post(func() {
		o.sweep()
		close(swept)
	})
	select {
	case <-swept:
	case <-o.done:
	}
}

// observe runs on the loop goroutine
func (o *OptimisticReconciler) observe(message *models.Message) {
	if message.Direction != models.DirectionOutbound {
		return
	}

	// 1) Exact correlation by provider message id
	if message.ExternalID != nil {
		if localID, ok := o.byCorrelation[*message.ExternalID]; ok {
			o.resolve(localID, message)
			return
		}
	}

	// 2) Fallback heuristic: same conversation, same fingerprint, confirmed
	// close enough to the placeholder's creation time
	fingerprint := ContentFingerprint(message.Content)
	for localID, placeholder := range o.placeholders {
		if placeholder.ConversationID != message.ConversationID {
			continue
		}
		if placeholder.Fingerprint != fingerprint {
			continue
		}
		if absDuration(message.CreatedAt.Sub(placeholder.CreatedAt)) > o.tolerance {
			continue
		}
		o.resolve(localID, message)
		return
	}
}

func (o *OptimisticReconciler) resolve(localID string, message *models.Message) {
	if _, ok := o.placeholders[localID]; !ok {
		return
	}
	o.remove(localID)
	o.onResolved(localID, message)
}

func (o *OptimisticReconciler) remove(localID string) {
	placeholder, ok := o.placeholders[localID]
	if !ok {
		return
	}
	if placeholder.CorrelationID != "" {
		delete(o.byCorrelation, placeholder.CorrelationID)
	}
	delete(o.placeholders, localID)
}

// sweep fails placeholders that outlived the confirmation timeout
func (o *OptimisticReconciler) sweep() {
	now := o.now()
	for localID, placeholder := range o.placeholders {
		if now.Sub(placeholder.CreatedAt) <= o.timeout {
			continue
		}
		o.remove(localID)
		log.Printf("⚠️  Placeholder %s timed out without confirmation", localID)
		o.onFailed(localID, "send confirmation timed out")
	}
}

// ContentFingerprint derives the matching fingerprint for a message payload:
// the content text for text messages, the media descriptor otherwise
func ContentFingerprint(content models.MessageContent) string {
	switch content.Kind {
	case models.ContentText:
		return fmt.Sprintf("text:%s", strings.TrimSpace(content.Text))
	case models.ContentTemplate:
		return fmt.Sprintf("template:%s", content.TemplateName)
	default:
		descriptor := content.MediaID
		if descriptor == "" {
			descriptor = content.MediaURL
		}
		return fmt.Sprintf("%s:%s", content.Kind, descriptor)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
