package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/services"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// CampaignHandler serves the broadcast campaign endpoints
type CampaignHandler struct {
	store  storage.Store
	fanout *services.BroadcastFanout
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(store storage.Store, fanout *services.BroadcastFanout) *CampaignHandler {
	return &CampaignHandler{store: store, fanout: fanout}
}

// CreateCampaignRequest is the body of POST /api/campaigns
type CreateCampaignRequest struct {
	AccountID    uint              `json:"account_id"`
	Name         string            `json:"name"`
	TemplateBody string            `json:"template_body"`
	Language     string            `json:"language"`
	Variables    map[string]string `json:"variables"`
	Recipients   []string          `json:"recipients"`
}

// Create creates a campaign with one recipient stat per destination
func (h *CampaignHandler) Create(c *fiber.Ctx) error {
	var req CreateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign payload",
		})
	}

	if req.AccountID == 0 || len(req.Recipients) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id and recipients are required",
		})
	}

	campaign, err := h.fanout.CreateCampaign(req.AccountID, req.Name, req.TemplateBody,
		req.Language, req.Variables, req.Recipients)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":  true,
		"campaign": campaign,
	})
}

// Dispatch starts delivery for a campaign
func (h *CampaignHandler) Dispatch(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid campaign id",
		})
	}

	stats, err := h.fanout.Dispatch(c.Context(), uint(id))
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "campaign not found",
		})
	}
	if err != nil {
		return sendError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"stats":   stats,
	})
}

// Stats returns the recomputed aggregate counters of a campaign
func (h *CampaignHandler) Stats(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid campaign id",
		})
	}

	if _, err := h.store.GetCampaign(uint(id)); errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "campaign not found",
		})
	} else if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	stats, err := h.fanout.Aggregate(uint(id))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"stats": stats})
}
