package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
)

func TestTemplateHashNormalization(t *testing.T) {
	// Whitespace and case variations of the same text hash identically
	a := TemplateHash(1, "en", "Your order   has shipped!")
	b := TemplateHash(1, "en", "  your ORDER has\tshipped!  ")
	assert.Equal(t, a, b)

	// Different account, language or body changes the hash
	assert.NotEqual(t, a, TemplateHash(2, "en", "Your order has shipped!"))
	assert.NotEqual(t, a, TemplateHash(1, "pt", "Your order has shipped!"))
	assert.NotEqual(t, a, TemplateHash(1, "en", "Your order has arrived!"))
}

func TestResolveCreatesFreshTemplate(t *testing.T) {
	f := newFixture(t)

	template, reused, err := f.deduper.Resolve(context.Background(), f.account.ID, "en", "Hello there!", nil)
	require.NoError(t, err)

	assert.False(t, reused)
	assert.Equal(t, models.TemplateStatusCreated, template.Status)
	assert.Equal(t, "Hello there!", template.Body)
	assert.Contains(t, template.Name, "auto_")
}

func TestResolveAttachesToInFlightTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.deduper.Resolve(ctx, f.account.ID, "en", "Hello there!", nil)
	require.NoError(t, err)

	second, reused, err := f.deduper.Resolve(ctx, f.account.ID, "en", "hello THERE!", nil)
	require.NoError(t, err)

	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	nonTerminal, err := f.store.GetNonTerminalTemplates()
	require.NoError(t, err)
	assert.Len(t, nonTerminal, 1)
}

func TestResolveConcurrentRequestsConverge(t *testing.T) {
	f := newFixture(t)

	const workers = 16
	ids := make([]uint, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			template, _, err := f.deduper.Resolve(context.Background(), f.account.ID, "en", "Concurrent body", nil)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = template.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}

	nonTerminal, err := f.store.GetNonTerminalTemplates()
	require.NoError(t, err)
	assert.Len(t, nonTerminal, 1)
}

func TestResolveReusesApprovedTemplate(t *testing.T) {
	f := newFixture(t)
	body := "Your order has shipped!"

	approved, err := f.store.CreatePendingTemplate(&models.PendingTemplate{
		AccountID:          f.account.ID,
		TemplateHash:       TemplateHash(f.account.ID, "en", body),
		Name:               "order_shipped",
		Language:           "en",
		Body:               body,
		Status:             models.TemplateStatusApproved,
		ProviderTemplateID: "tpl.99",
	})
	require.NoError(t, err)

	template, reused, err := f.deduper.Resolve(context.Background(), f.account.ID, "en", body, nil)
	require.NoError(t, err)

	assert.True(t, reused)
	assert.Equal(t, approved.ID, template.ID)
}

func TestResolveApprovedForCampaignTracksReuse(t *testing.T) {
	f := newFixture(t)
	body := "Your order has shipped!"

	approved, err := f.store.CreatePendingTemplate(&models.PendingTemplate{
		AccountID:          f.account.ID,
		TemplateHash:       TemplateHash(f.account.ID, "en", body),
		Name:               "order_shipped",
		Language:           "en",
		Body:               body,
		Status:             models.TemplateStatusApproved,
		ProviderTemplateID: "tpl.99",
	})
	require.NoError(t, err)

	campaignID := uint(7)
	template, reused, err := f.deduper.Resolve(context.Background(), f.account.ID, "en", body, &campaignID)
	require.NoError(t, err)

	// The campaign gets its own approved row pointing at the original, with
	// no new provider submission behind it
	assert.True(t, reused)
	assert.NotEqual(t, approved.ID, template.ID)
	assert.Equal(t, models.TemplateStatusApproved, template.Status)
	require.NotNil(t, template.ReusedFrom)
	assert.Equal(t, approved.ID, *template.ReusedFrom)
	assert.Equal(t, approved.Name, template.Name)
	assert.Equal(t, int64(0), f.provider.submissions)
}
