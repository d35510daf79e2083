package handlers

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/models"
	"github.com/presidentaxel/whatsapp-inbox-sub002/internal/services"
)

// WebhookHandler handles provider webhook requests
type WebhookHandler struct {
	reconciler *services.IngestionReconciler
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(reconciler *services.IngestionReconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// webhookPayload mirrors the provider's webhook envelope
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
	Statuses []webhookStatus  `json:"statuses"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"` // Unix seconds as string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *webhookMedia `json:"image"`
	Document *webhookMedia `json:"document"`
	Audio    *webhookMedia `json:"audio"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Title string `json:"title"`
	} `json:"errors"`
}

// HandleVerify answers the provider's webhook verification handshake
func (h *WebhookHandler) HandleVerify(c *fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token == os.Getenv("WEBHOOK_VERIFY_TOKEN") {
		log.Println("✅ Webhook verified")
		return c.SendString(challenge)
	}

	return c.SendStatus(fiber.StatusForbidden)
}

// HandleEvents processes incoming provider events. The provider delivers
// at-least-once and retries on non-200, so parse failures are the only
// thing worth rejecting.
func (h *WebhookHandler) HandleEvents(c *fiber.Ctx) error {
	var payload webhookPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Printf("Error parsing webhook: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			event := flattenEvent(&change.Value)
			if event == nil {
				continue
			}

			if err := h.reconciler.HandleEvent(c.Context(), event); err != nil {
				log.Printf("❌ Failed to apply webhook event: %v", err)
			}
		}
	}

	// Acknowledge webhook receipt
	return c.SendStatus(fiber.StatusOK)
}

// flattenEvent converts one webhook change into a reconciler event
func flattenEvent(value *webhookValue) *services.WebhookEvent {
	if value.Metadata.PhoneNumberID == "" {
		return nil
	}

	names := make(map[string]string, len(value.Contacts))
	for _, contact := range value.Contacts {
		names[contact.WaID] = contact.Profile.Name
	}

	event := &services.WebhookEvent{PhoneNumberID: value.Metadata.PhoneNumberID}

	for _, message := range value.Messages {
		event.Messages = append(event.Messages, services.InboundMessage{
			ID:         message.ID,
			From:       message.From,
			SenderName: names[message.From],
			Timestamp:  parseUnixTimestamp(message.Timestamp),
			Content:    messageContent(&message),
		})
	}

	for _, status := range value.Statuses {
		reason := ""
		if len(status.Errors) > 0 {
			reason = status.Errors[0].Title
		}
		event.Statuses = append(event.Statuses, services.StatusUpdate{
			ID:        status.ID,
			Status:    status.Status,
			Timestamp: parseUnixTimestamp(status.Timestamp),
			Reason:    reason,
		})
	}

	return event
}

// messageContent maps the provider message type onto the tagged variant
func messageContent(message *webhookMessage) models.MessageContent {
	switch message.Type {
	case "text":
		if message.Text != nil {
			return models.TextContent(message.Text.Body)
		}
	case "image":
		if message.Image != nil {
			return models.MessageContent{
				Kind:     models.ContentImage,
				MediaID:  message.Image.ID,
				MimeType: message.Image.MimeType,
				Caption:  message.Image.Caption,
			}
		}
	case "document":
		if message.Document != nil {
			return models.MessageContent{
				Kind:     models.ContentDocument,
				MediaID:  message.Document.ID,
				MimeType: message.Document.MimeType,
				Caption:  message.Document.Caption,
				FileName: message.Document.Filename,
			}
		}
	case "audio":
		if message.Audio != nil {
			return models.MessageContent{
				Kind:     models.ContentAudio,
				MediaID:  message.Audio.ID,
				MimeType: message.Audio.MimeType,
			}
		}
	}

	// Unrecognized types still ingest as text so nothing is lost
	return models.TextContent("[unsupported message type: " + message.Type + "]")
}

func parseUnixTimestamp(value string) time.Time {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(seconds, 0)
}
