package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/services"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/storage"
)

// ConversationHandler serves the inbox conversation endpoints
type ConversationHandler struct {
	store  storage.Store
	window *services.WindowClassifier
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(store storage.Store, window *services.WindowClassifier) *ConversationHandler {
	return &ConversationHandler{store: store, window: window}
}

// List returns the conversations of an account, each annotated with its
// window classification
func (h *ConversationHandler) List(c *fiber.Ctx) error {
	accountID, err := strconv.ParseUint(c.Query("account_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id query parameter is required",
		})
	}

	conversations, err := h.store.GetConversationsByAccount(uint(accountID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	items := make([]fiber.Map, 0, len(conversations))
	for _, conversation := range conversations {
		items = append(items, fiber.Map{
			"conversation": conversation,
			"window":       h.window.Classify(conversation.LastInboundAt),
		})
	}

	return c.JSON(fiber.Map{"conversations": items})
}

// Messages returns the message history of one conversation
func (h *ConversationHandler) Messages(c *fiber.Ctx) error {
	conversation, err := h.conversationFromParam(c)
	if err != nil {
		return conversationError(c, err)
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	messages, err := h.store.GetMessagesByConversation(conversation.ID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"messages": messages})
}

// Archive archives a conversation. Conversations are never deleted.
func (h *ConversationHandler) Archive(c *fiber.Ctx) error {
	conversation, err := h.conversationFromParam(c)
	if err != nil {
		return conversationError(c, err)
	}

	conversation.Archived = true
	if err := h.store.UpdateConversation(conversation); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// ToggleBot flips the per-conversation bot flag
func (h *ConversationHandler) ToggleBot(c *fiber.Ctx) error {
	conversation, err := h.conversationFromParam(c)
	if err != nil {
		return conversationError(c, err)
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid payload",
		})
	}

	conversation.BotEnabled = body.Enabled
	if err := h.store.UpdateConversation(conversation); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true, "bot_enabled": conversation.BotEnabled})
}

// MarkRead clears the unread counter
func (h *ConversationHandler) MarkRead(c *fiber.Ctx) error {
	conversation, err := h.conversationFromParam(c)
	if err != nil {
		return conversationError(c, err)
	}

	conversation.UnreadCount = 0
	if err := h.store.UpdateConversation(conversation); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

func (h *ConversationHandler) conversationFromParam(c *fiber.Ctx) (*models.Conversation, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return nil, errBadConversationID
	}
	conversation, err := h.store.GetConversation(uint(id))
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

var errBadConversationID = errors.New("invalid conversation id")

func conversationError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errBadConversationID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "conversation not found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
