package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

type optimisticHarness struct {
	reconciler *OptimisticReconciler
	clock      *fakeClock
	resolved   chan string
	failed     chan string
}

func newOptimisticHarness(t *testing.T) *optimisticHarness {
	t.Helper()

	h := &optimisticHarness{
		clock:    newFakeClock(),
		resolved: make(chan string, 8),
		failed:   make(chan string, 8),
	}
	h.reconciler = NewOptimisticReconciler(
		func(localID string, message *models.Message) { h.resolved <- localID },
		func(localID, reason string) { h.failed <- localID },
	)
	h.reconciler.now = h.clock.Now
	h.reconciler.Start()
	t.Cleanup(h.reconciler.Stop)
	return h
}

// expect receives one local id or fails the test
func expect(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("expected event for %s, got none", want)
	}
}

// expectNone drains synchronously via Sweep and asserts the channel is empty
func expectNone(t *testing.T, h *optimisticHarness, ch chan string) {
	t.Helper()
	h.reconciler.Sweep()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event for %s", got)
	default:
	}
}

func outboundMessage(id uint, conversationID uint, externalID string, content models.MessageContent, createdAt time.Time) *models.Message {
	message := &models.Message{
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		Status:         models.StatusSent,
		Content:        content,
	}
	message.ID = id
	message.CreatedAt = createdAt
	if externalID != "" {
		message.ExternalID = &externalID
	}
	return message
}

func TestOptimisticResolvesByCorrelation(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-1", 1, ContentFingerprint(models.TextContent("hi")))
	h.reconciler.Confirm("local-1", "wamid.77")

	// Content differs, only the provider id matches
	h.reconciler.Observe(outboundMessage(10, 1, "wamid.77", models.TextContent("edited server-side"), h.clock.Now()))

	expect(t, h.resolved, "local-1")
}

func TestOptimisticResolvesByFingerprint(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-2", 3, ContentFingerprint(models.TextContent("hi")))

	// No correlation id yet, but same conversation, content and time
	h.reconciler.Observe(outboundMessage(11, 3, "", models.TextContent("hi"), h.clock.Now().Add(10*time.Second)))

	expect(t, h.resolved, "local-2")
}

func TestOptimisticFingerprintOutsideToleranceDoesNotMatch(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-3", 3, ContentFingerprint(models.TextContent("hi")))
	h.reconciler.Observe(outboundMessage(12, 3, "", models.TextContent("hi"), h.clock.Now().Add(2*time.Minute)))

	expectNone(t, h, h.resolved)
}

func TestOptimisticIgnoresOtherConversations(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-4", 3, ContentFingerprint(models.TextContent("hi")))
	h.reconciler.Observe(outboundMessage(13, 4, "", models.TextContent("hi"), h.clock.Now()))

	expectNone(t, h, h.resolved)
}

func TestOptimisticIgnoresInboundMessages(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-5", 3, ContentFingerprint(models.TextContent("hi")))

	inbound := outboundMessage(14, 3, "", models.TextContent("hi"), h.clock.Now())
	inbound.Direction = models.DirectionInbound
	h.reconciler.Observe(inbound)

	expectNone(t, h, h.resolved)
}

func TestOptimisticTimeoutFailsExactlyOnce(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-6", 5, ContentFingerprint(models.TextContent("hi")))

	h.clock.Advance(2 * time.Minute)
	h.reconciler.Sweep()
	expect(t, h.failed, "local-6")

	// A late confirmation must not also resolve it
	h.reconciler.Observe(outboundMessage(15, 5, "", models.TextContent("hi"), h.clock.Now()))
	expectNone(t, h, h.resolved)

	// Nor does another sweep fail it again
	h.reconciler.Sweep()
	expectNone(t, h, h.failed)
}

func TestOptimisticExplicitFailure(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-7", 5, ContentFingerprint(models.TextContent("hi")))
	h.reconciler.Fail("local-7", "provider rejected the request")

	expect(t, h.failed, "local-7")
	expectNone(t, h, h.resolved)
}

func TestOptimisticCancelIsSilent(t *testing.T) {
	h := newOptimisticHarness(t)

	h.reconciler.Track("local-8", 5, ContentFingerprint(models.TextContent("hi")))
	h.reconciler.Cancel("local-8")

	h.clock.Advance(2 * time.Minute)
	h.reconciler.Sweep()

	expectNone(t, h, h.failed)
	expectNone(t, h, h.resolved)
}

func TestContentFingerprint(t *testing.T) {
	assert.Equal(t,
		ContentFingerprint(models.TextContent("  hi ")),
		ContentFingerprint(models.TextContent("hi")))

	assert.NotEqual(t,
		ContentFingerprint(models.TextContent("hi")),
		ContentFingerprint(models.TextContent("bye")))

	image := models.MessageContent{Kind: models.ContentImage, MediaID: "media-1"}
	require.NotEqual(t, ContentFingerprint(models.TextContent("media-1")), ContentFingerprint(image))
}
