package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/services"
)

// MessageHandler handles outbound send requests
type MessageHandler struct {
	router     *services.DeliveryRouter
	optimistic *services.OptimisticReconciler
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(router *services.DeliveryRouter, optimistic *services.OptimisticReconciler) *MessageHandler {
	return &MessageHandler{
		router:     router,
		optimistic: optimistic,
	}
}

// SendMessageRequest is the body of POST /api/messages/send
type SendMessageRequest struct {
	ConversationID uint                  `json:"conversation_id"`
	Content        models.MessageContent `json:"content"`
	AutoTemplate   bool                  `json:"auto_template"`

	// Client-supplied id of the optimistic placeholder, generated here when
	// absent so the response always carries one
	LocalID string `json:"local_id"`

	Variables map[string]string `json:"variables"`
}

// SendMessage routes one outbound message
func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid send payload",
		})
	}

	if req.ConversationID == 0 || req.Content.Kind == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "conversation_id and content are required",
		})
	}

	if req.LocalID == "" {
		req.LocalID = uuid.NewString()
	}
	h.optimistic.Track(req.LocalID, req.ConversationID, services.ContentFingerprint(req.Content))

	message, err := h.router.Send(c.Context(), req.ConversationID, req.Content, services.SendOptions{
		AutoTemplate: req.AutoTemplate,
		Variables:    req.Variables,
	})

	if err != nil {
		h.optimistic.Fail(req.LocalID, err.Error())
		return sendError(c, err)
	}

	if message.ExternalID != nil {
		h.optimistic.Confirm(req.LocalID, *message.ExternalID)
	} else {
		// Parked on template approval: no webhook will ever confirm the
		// placeholder, so retire it instead of letting it time out as failed
		h.optimistic.Cancel(req.LocalID)
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"local_id": req.LocalID,
		"message":  message,
	})
}

// sendError maps the delivery error taxonomy onto HTTP responses
func sendError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrOutsideWindow):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "outside_window",
		})
	case errors.Is(err, services.ErrAwaitingCustomerReply):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "awaiting_customer_reply",
		})
	case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrAccountNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, services.ErrProviderRejected):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "provider_rejected",
		})
	case errors.Is(err, services.ErrProviderTransient):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "provider_unavailable",
		})
	default:
		log.Printf("❌ Send failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}
