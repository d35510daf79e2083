package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// TemplateDeduper finds a reusable template for a proposed body before
// requesting a new one from the provider. Lookup-and-create is single-flight
// per (account, hash): concurrent identical requests converge onto one row,
// and the store's non-terminal uniqueness check backstops the race.
type TemplateDeduper struct {
	store storage.Store
	group singleflight.Group
}

// NewTemplateDeduper creates a template deduper
func NewTemplateDeduper(store storage.Store) *TemplateDeduper {
	return &TemplateDeduper{store: store}
}

// NormalizeTemplateBody trims, collapses internal whitespace and case-folds
// a proposed template body so equivalent texts hash identically
func NormalizeTemplateBody(body string) string {
	return strings.ToLower(strings.Join(strings.Fields(body), " "))
}

// TemplateHash computes the deterministic dedup hash over account, language
// and normalized body
func TemplateHash(accountID uint, language, body string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", accountID, strings.ToLower(language), NormalizeTemplateBody(body))))
	return hex.EncodeToString(sum[:])
}

type dedupeResult struct {
	template *models.PendingTemplate
	reused   bool
}

// Resolve returns the template to use for the given body: an approved match
// (reused directly, no provider submission), a non-terminal match (the caller
// attaches to the in-flight approval), or a freshly created row that still
// needs submission.
func (d *TemplateDeduper) Resolve(ctx context.Context, accountID uint, language, body string, campaignID *uint) (*models.PendingTemplate, bool, error) {
	hash := TemplateHash(accountID, language, body)
	key := fmt.Sprintf("%d:%s", accountID, hash)

	value, err, _ := d.group.Do(key, func() (interface{}, error) {
		// 1) An approved template with the same hash is reused outright
		approved, err := d.store.GetApprovedTemplateByHash(accountID, hash)
		if err == nil {
			return d.reuseApproved(approved, campaignID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		// 2) A non-terminal template with the same hash absorbs the request
		inFlight, err := d.store.GetNonTerminalTemplateByHash(accountID, hash)
		if err == nil {
			log.Printf("♻️  Template request attached to in-flight template %d (hash %.12s)", inFlight.ID, hash)
			return dedupeResult{template: inFlight, reused: true}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		// 3) Nothing matches, create a new row awaiting submission
		template := &models.PendingTemplate{
			AccountID:    accountID,
			TemplateHash: hash,
			Name:         autoTemplateName(hash),
			Language:     language,
			Body:         strings.TrimSpace(body),
			Status:       models.TemplateStatusCreated,
			CampaignID:   campaignID,
		}

		created, err := d.store.CreatePendingTemplate(template)
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost the storage-level race, adopt the winner
			log.Printf("♻️  Template creation raced, adopting existing template %d", created.ID)
			return dedupeResult{template: created, reused: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return dedupeResult{template: created, reused: false}, nil
	})
	if err != nil {
		return nil, false, err
	}

	result := value.(dedupeResult)
	return result.template, result.reused, nil
}

// reuseApproved hands back an approved template. Campaign requests get their
// own tracking row pointing at the original so per-campaign history stays
// intact without another provider submission.
func (d *TemplateDeduper) reuseApproved(approved *models.PendingTemplate, campaignID *uint) (interface{}, error) {
	if campaignID == nil || (approved.CampaignID != nil && *approved.CampaignID == *campaignID) {
		return dedupeResult{template: approved, reused: true}, nil
	}

	reuse := &models.PendingTemplate{
		AccountID:          approved.AccountID,
		TemplateHash:       approved.TemplateHash,
		Name:               approved.Name,
		Language:           approved.Language,
		Body:               approved.Body,
		Status:             models.TemplateStatusApproved,
		ProviderTemplateID: approved.ProviderTemplateID,
		ReusedFrom:         &approved.ID,
		CampaignID:         campaignID,
	}

	created, err := d.store.CreatePendingTemplate(reuse)
	if err != nil {
		return nil, err
	}
	log.Printf("♻️  Campaign %d reuses approved template %d", *campaignID, approved.ID)
	return dedupeResult{template: created, reused: true}, nil
}

func autoTemplateName(hash string) string {
	return "auto_" + hash[:12]
}
