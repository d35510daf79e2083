package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ValidateWebhookSignature validates that the webhook request is from the
// provider by checking the X-Hub-Signature-256 header against the app secret
func ValidateWebhookSignature() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Get signature from header
		signature := c.Get("X-Hub-Signature-256")
		if signature == "" {
			return c.Status(401).JSON(fiber.Map{
				"error": "Missing webhook signature",
			})
		}

		// Get app secret from environment
		appSecret := os.Getenv("WEBHOOK_APP_SECRET")
		if appSecret == "" {
			// Log error but don't expose to client
			fmt.Println("ERROR: WEBHOOK_APP_SECRET not set")
			return c.Status(500).JSON(fiber.Map{
				"error": "Server configuration error",
			})
		}

		expected := calculateSignature(appSecret, c.Body())
		provided := strings.TrimPrefix(signature, "sha256=")

		if !hmac.Equal([]byte(expected), []byte(provided)) {
			return c.Status(401).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		return c.Next()
	}
}

// calculateSignature computes the expected HMAC-SHA256 over the raw body
func calculateSignature(appSecret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(appSecret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
