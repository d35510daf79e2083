package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

func TestMessageExternalIDUniqueness(t *testing.T) {
	store := NewMemoryStore()
	externalID := "wamid.unique"

	_, err := store.CreateMessage(&models.Message{
		ExternalID:     &externalID,
		ConversationID: 1,
		Direction:      models.DirectionInbound,
		Status:         models.StatusDelivered,
	})
	require.NoError(t, err)

	_, err = store.CreateMessage(&models.Message{
		ExternalID:     &externalID,
		ConversationID: 1,
		Direction:      models.DirectionInbound,
		Status:         models.StatusDelivered,
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Claiming a taken external id through an update is rejected too
	other, err := store.CreateMessage(&models.Message{
		ConversationID: 1,
		Direction:      models.DirectionOutbound,
		Status:         models.StatusPending,
	})
	require.NoError(t, err)

	other.ExternalID = &externalID
	assert.ErrorIs(t, store.UpdateMessage(other), ErrDuplicate)
}

func TestCreatePendingTemplateNonTerminalInvariant(t *testing.T) {
	store := NewMemoryStore()

	first, err := store.CreatePendingTemplate(&models.PendingTemplate{
		AccountID:    1,
		TemplateHash: "hash-a",
		Status:       models.TemplateStatusCreated,
	})
	require.NoError(t, err)

	// A second non-terminal row for the same hash loses the race and gets
	// the winning row back
	winner, err := store.CreatePendingTemplate(&models.PendingTemplate{
		AccountID:    1,
		TemplateHash: "hash-a",
		Status:       models.TemplateStatusCreated,
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NotNil(t, winner)
	assert.Equal(t, first.ID, winner.ID)

	// Terminal and approved rows do not collide with the invariant
	_, err = store.CreatePendingTemplate(&models.PendingTemplate{
		AccountID:    1,
		TemplateHash: "hash-a",
		Status:       models.TemplateStatusApproved,
	})
	assert.NoError(t, err)

	// A different account is free to hold the same hash
	_, err = store.CreatePendingTemplate(&models.PendingTemplate{
		AccountID:    2,
		TemplateHash: "hash-a",
		Status:       models.TemplateStatusCreated,
	})
	assert.NoError(t, err)
}

func TestCreatePendingTemplateConcurrentWriters(t *testing.T) {
	store := NewMemoryStore()

	const writers = 12
	var wg sync.WaitGroup
	ids := make([]uint, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			template, err := store.CreatePendingTemplate(&models.PendingTemplate{
				AccountID:    1,
				TemplateHash: "hash-race",
				Status:       models.TemplateStatusCreated,
			})
			if err == nil || err == ErrDuplicate {
				ids[i] = template.ID
			}
		}(i)
	}
	wg.Wait()

	// Everyone converged on the same row
	for i := 1; i < writers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}

	templates, err := store.GetNonTerminalTemplates()
	require.NoError(t, err)
	assert.Len(t, templates, 1)
}

func TestConversationUniquePerAccountAndClient(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.CreateConversation(&models.Conversation{AccountID: 1, ClientNumber: "+5511999990001"})
	require.NoError(t, err)

	_, err = store.CreateConversation(&models.Conversation{AccountID: 1, ClientNumber: "+5511999990001"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = store.CreateConversation(&models.Conversation{AccountID: 2, ClientNumber: "+5511999990001"})
	assert.NoError(t, err)
}

func TestGetMessagesAwaitingTemplate(t *testing.T) {
	store := NewMemoryStore()
	templateID := uint(9)

	_, err := store.CreateMessage(&models.Message{
		ConversationID:    1,
		Direction:         models.DirectionOutbound,
		Status:            models.StatusPending,
		PendingTemplateID: &templateID,
	})
	require.NoError(t, err)

	// Already-sent messages are not waiting anymore
	_, err = store.CreateMessage(&models.Message{
		ConversationID:    1,
		Direction:         models.DirectionOutbound,
		Status:            models.StatusSent,
		PendingTemplateID: &templateID,
	})
	require.NoError(t, err)

	waiting, err := store.GetMessagesAwaitingTemplate(templateID)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
	assert.Equal(t, models.StatusPending, waiting[0].Status)
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()

	created, err := store.CreateConversation(&models.Conversation{AccountID: 1, ClientNumber: "+1"})
	require.NoError(t, err)

	// Mutating a returned record without UpdateConversation changes nothing
	fetched, err := store.GetConversation(created.ID)
	require.NoError(t, err)
	fetched.ClientName = "scribbled"

	again, err := store.GetConversation(created.ID)
	require.NoError(t, err)
	assert.Empty(t, again.ClientName)
}
