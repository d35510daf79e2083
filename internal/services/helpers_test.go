package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// fakeProvider is an in-process Provider. Counters are atomic so fanout
// tests can assert on them from concurrent sends.
type fakeProvider struct {
	sendErr         error
	templateSendErr error
	submitErr       error

	statusValue  string
	statusReason string
	statusErr    error

	// Artificial latency, used to observe concurrency
	sendDelay   time.Duration
	submitDelay time.Duration

	idCounter     int64
	sends         int64
	templateSends int64
	submissions   int64
	statusPolls   int64

	inFlight    int64
	maxInFlight int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statusValue: ProviderTemplatePending}
}

func (p *fakeProvider) nextID(prefix string) string {
	return fmt.Sprintf("%s.%d", prefix, atomic.AddInt64(&p.idCounter, 1))
}

func (p *fakeProvider) enter() {
	current := atomic.AddInt64(&p.inFlight, 1)
	for {
		peak := atomic.LoadInt64(&p.maxInFlight)
		if current <= peak || atomic.CompareAndSwapInt64(&p.maxInFlight, peak, current) {
			break
		}
	}
	if p.sendDelay > 0 {
		time.Sleep(p.sendDelay)
	}
}

func (p *fakeProvider) leave() {
	atomic.AddInt64(&p.inFlight, -1)
}

func (p *fakeProvider) SendMessage(ctx context.Context, account *models.Account, to string, content models.MessageContent) (string, error) {
	atomic.AddInt64(&p.sends, 1)
	p.enter()
	defer p.leave()
	if p.sendErr != nil {
		return "", p.sendErr
	}
	return p.nextID("wamid"), nil
}

func (p *fakeProvider) SendTemplate(ctx context.Context, account *models.Account, to, templateName, language string, variables map[string]string) (string, error) {
	atomic.AddInt64(&p.templateSends, 1)
	p.enter()
	defer p.leave()
	if p.templateSendErr != nil {
		return "", p.templateSendErr
	}
	return p.nextID("wamid"), nil
}

func (p *fakeProvider) SubmitTemplate(ctx context.Context, account *models.Account, name, language, body string) (string, error) {
	atomic.AddInt64(&p.submissions, 1)
	if p.submitDelay > 0 {
		time.Sleep(p.submitDelay)
	}
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return p.nextID("tpl"), nil
}

func (p *fakeProvider) TemplateStatus(ctx context.Context, account *models.Account, providerTemplateID string) (string, string, error) {
	atomic.AddInt64(&p.statusPolls, 1)
	if p.statusErr != nil {
		return "", "", p.statusErr
	}
	return p.statusValue, p.statusReason, nil
}

// fixture wires the delivery engine onto the memory store with one account
type fixture struct {
	store      *storage.MemoryStore
	provider   *fakeProvider
	window     *WindowClassifier
	grace      *GraceTracker
	deduper    *TemplateDeduper
	lifecycle  *PendingTemplateLifecycle
	router     *DeliveryRouter
	reconciler *IngestionReconciler
	fanout     *BroadcastFanout

	account *models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	provider := newFakeProvider()
	window := NewWindowClassifier()
	grace := NewGraceTracker()
	deduper := NewTemplateDeduper(store)
	lifecycle := NewPendingTemplateLifecycle(store, provider, grace)
	lifecycle.SetPollInterval(10 * time.Millisecond)
	t.Cleanup(lifecycle.Shutdown)

	router := NewDeliveryRouter(store, provider, window, deduper, lifecycle, grace)
	reconciler := NewIngestionReconciler(store, grace)
	fanout := NewBroadcastFanout(store, provider, router, deduper, lifecycle, grace)

	account, err := store.CreateAccount(&models.Account{
		PhoneNumberID: "105550001",
		WabaID:        "waba-1",
		Name:          "Test Business",
		DisplayNumber: "+15550001",
		AccessToken:   "test-token",
		Language:      "en",
		Active:        true,
	})
	require.NoError(t, err)

	return &fixture{
		store:      store,
		provider:   provider,
		window:     window,
		grace:      grace,
		deduper:    deduper,
		lifecycle:  lifecycle,
		router:     router,
		reconciler: reconciler,
		fanout:     fanout,
		account:    account,
	}
}

// newConversation creates a conversation with an optional last inbound time
func (f *fixture) newConversation(t *testing.T, clientNumber string, lastInboundAt *time.Time) *models.Conversation {
	t.Helper()
	conversation, err := f.store.CreateConversation(&models.Conversation{
		AccountID:     f.account.ID,
		ClientNumber:  clientNumber,
		LastInboundAt: lastInboundAt,
	})
	require.NoError(t, err)
	return conversation
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// fakeClock is a mutex-guarded controllable time source
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
