package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

func inboundEvent(phoneNumberID, messageID, from, body string, ts time.Time) *WebhookEvent {
	return &WebhookEvent{
		PhoneNumberID: phoneNumberID,
		Messages: []InboundMessage{{
			ID:        messageID,
			From:      from,
			Timestamp: ts,
			Content:   models.TextContent(body),
		}},
	}
}

func statusEvent(phoneNumberID, messageID, status string, ts time.Time) *WebhookEvent {
	return &WebhookEvent{
		PhoneNumberID: phoneNumberID,
		Statuses: []StatusUpdate{{
			ID:        messageID,
			Status:    status,
			Timestamp: ts,
		}},
	}
}

func TestInboundCreatesConversationAndMessage(t *testing.T) {
	f := newFixture(t)
	ts := time.Now().Truncate(time.Second)

	err := f.reconciler.HandleEvent(context.Background(),
		inboundEvent(f.account.PhoneNumberID, "wamid.in.1", "5511999992001", "hello", ts))
	require.NoError(t, err)

	// The webhook number arrives without "+" but keys the same conversation
	conversation, err := f.store.GetConversationByClient(f.account.ID, "+5511999992001")
	require.NoError(t, err)
	require.NotNil(t, conversation.LastInboundAt)
	assert.True(t, conversation.LastInboundAt.Equal(ts))
	assert.Equal(t, 1, conversation.UnreadCount)

	message, err := f.store.GetMessageByExternalID("wamid.in.1")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionInbound, message.Direction)
	assert.Equal(t, "hello", message.Content.Text)
}

func TestInboundDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	event := inboundEvent(f.account.PhoneNumberID, "wamid.in.2", "5511999992002", "hello", time.Now())

	require.NoError(t, f.reconciler.HandleEvent(context.Background(), event))
	require.NoError(t, f.reconciler.HandleEvent(context.Background(), event))

	conversation, err := f.store.GetConversationByClient(f.account.ID, "+5511999992002")
	require.NoError(t, err)

	messages, err := f.store.GetMessagesByConversation(conversation.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, 1, conversation.UnreadCount)
}

func TestInboundClearsGraceState(t *testing.T) {
	f := newFixture(t)
	conversation := f.newConversation(t, "+5511999992003", nil)
	f.grace.Mark(conversation.ID)

	err := f.reconciler.HandleEvent(context.Background(),
		inboundEvent(f.account.PhoneNumberID, "wamid.in.3", "5511999992003", "I replied!", time.Now()))
	require.NoError(t, err)

	assert.False(t, f.grace.Active(conversation.ID))
}

func TestInboundOutOfOrderKeepsLatestWindowStart(t *testing.T) {
	f := newFixture(t)
	newer := time.Now().Truncate(time.Second)
	older := newer.Add(-2 * time.Hour)

	require.NoError(t, f.reconciler.HandleEvent(context.Background(),
		inboundEvent(f.account.PhoneNumberID, "wamid.in.20", "5511999992010", "second message", newer)))

	// The earlier message arrives late; the window start must not move back
	require.NoError(t, f.reconciler.HandleEvent(context.Background(),
		inboundEvent(f.account.PhoneNumberID, "wamid.in.21", "5511999992010", "first message", older)))

	conversation, err := f.store.GetConversationByClient(f.account.ID, "+5511999992010")
	require.NoError(t, err)
	require.NotNil(t, conversation.LastInboundAt)
	assert.True(t, conversation.LastInboundAt.Equal(newer))

	// Both messages are still stored
	messages, err := f.store.GetMessagesByConversation(conversation.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestStatusProgressionForward(t *testing.T) {
	f := newFixture(t)
	conversation := f.newConversation(t, "+5511999992004", nil)

	externalID := "wamid.out.1"
	now := time.Now()
	_, err := f.store.CreateMessage(&models.Message{
		ExternalID:     &externalID,
		ConversationID: conversation.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.StatusSent,
		SentAt:         &now,
		Content:        models.TextContent("outbound"),
	})
	require.NoError(t, err)

	require.NoError(t, f.reconciler.HandleEvent(context.Background(),
		statusEvent(f.account.PhoneNumberID, externalID, models.StatusDelivered, now.Add(time.Second))))

	message, err := f.store.GetMessageByExternalID(externalID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, message.Status)
	assert.NotNil(t, message.DeliveredAt)
}

func TestStatusOutOfOrderIsIgnored(t *testing.T) {
	f := newFixture(t)
	conversation := f.newConversation(t, "+5511999992005", nil)

	externalID := "wamid.out.2"
	now := time.Now()
	delivered := now.Add(time.Second)
	_, err := f.store.CreateMessage(&models.Message{
		ExternalID:     &externalID,
		ConversationID: conversation.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.StatusDelivered,
		SentAt:         &now,
		DeliveredAt:    &delivered,
		Content:        models.TextContent("outbound"),
	})
	require.NoError(t, err)

	// A late "sent" must not regress the message
	require.NoError(t, f.reconciler.HandleEvent(context.Background(),
		statusEvent(f.account.PhoneNumberID, externalID, models.StatusSent, now)))

	message, err := f.store.GetMessageByExternalID(externalID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, message.Status)
}

func TestStatusFailedCarriesReason(t *testing.T) {
	f := newFixture(t)
	conversation := f.newConversation(t, "+5511999992006", nil)

	externalID := "wamid.out.3"
	now := time.Now()
	_, err := f.store.CreateMessage(&models.Message{
		ExternalID:     &externalID,
		ConversationID: conversation.ID,
		Direction:      models.DirectionOutbound,
		Status:         models.StatusSent,
		SentAt:         &now,
		Content:        models.TextContent("outbound"),
	})
	require.NoError(t, err)

	event := statusEvent(f.account.PhoneNumberID, externalID, models.StatusFailed, now.Add(time.Second))
	event.Statuses[0].Reason = "recipient unreachable"
	require.NoError(t, f.reconciler.HandleEvent(context.Background(), event))

	message, err := f.store.GetMessageByExternalID(externalID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, message.Status)
	assert.Equal(t, "recipient unreachable", message.FailureReason)
}

func TestUnknownAccountEventIsDropped(t *testing.T) {
	f := newFixture(t)

	err := f.reconciler.HandleEvent(context.Background(),
		inboundEvent("does-not-exist", "wamid.in.9", "5511999992007", "hello", time.Now()))
	require.NoError(t, err)

	// Nothing was attributed to the known account
	conversations, err := f.store.GetConversationsByAccount(f.account.ID)
	require.NoError(t, err)
	assert.Empty(t, conversations)
}

func TestStatusUpdatesCampaignRecipientStat(t *testing.T) {
	f := newFixture(t)

	campaign, err := f.store.CreateCampaign(&models.BroadcastCampaign{
		AccountID: f.account.ID,
		Name:      "promo",
		Status:    models.CampaignStatusDispatching,
	})
	require.NoError(t, err)

	externalID := "wamid.camp.1"
	sentAt := time.Now()
	_, err = f.store.CreateRecipientStat(&models.RecipientStat{
		CampaignID:  campaign.ID,
		Destination: "+5511999992008",
		ExternalID:  &externalID,
		SentAt:      &sentAt,
	})
	require.NoError(t, err)

	require.NoError(t, f.reconciler.HandleEvent(context.Background(),
		statusEvent(f.account.PhoneNumberID, externalID, models.StatusDelivered, sentAt.Add(time.Minute))))

	refreshed, err := f.store.GetRecipientStatByExternalID(externalID)
	require.NoError(t, err)
	assert.NotNil(t, refreshed.DeliveredAt)

	// The customer answering stamps replied_at on the latest stat
	require.NoError(t, f.reconciler.HandleEvent(context.Background(),
		inboundEvent(f.account.PhoneNumberID, "wamid.in.10", "5511999992008", "yes please", sentAt.Add(2*time.Minute))))

	refreshed, err = f.store.GetRecipientStatByExternalID(externalID)
	require.NoError(t, err)
	assert.NotNil(t, refreshed.RepliedAt)
}

func TestObserverNotifiedOnAppliedChanges(t *testing.T) {
	f := newFixture(t)

	observed := make(chan *models.Message, 4)
	f.reconciler.OnMessage(func(message *models.Message) {
		observed <- message
	})

	require.NoError(t, f.reconciler.HandleEvent(context.Background(),
		inboundEvent(f.account.PhoneNumberID, "wamid.in.11", "5511999992009", "hello", time.Now())))

	select {
	case message := <-observed:
		assert.Equal(t, models.DirectionInbound, message.Direction)
	default:
		t.Fatal("observer was not notified")
	}
}
