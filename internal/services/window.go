package services

import (
	"strings"
	"time"
)

// NormalizeNumber puts a WhatsApp number into the international format
// conversations are keyed by
func NormalizeNumber(number string) string {
	number = strings.ReplaceAll(number, " ", "")
	if number != "" && !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return number
}

// SessionWindow is how long a conversation stays free after the customer's
// last inbound message
const SessionWindow = 24 * time.Hour

// WindowState is the classification of a conversation's messaging window
type WindowState struct {
	IsFree       bool     `json:"is_free"`
	HoursElapsed *float64 `json:"hours_elapsed"`
}

// WindowClassifier decides whether a conversation is inside the free
// session window. Classification is computed at call time, never cached,
// so a long-lived session cannot act on a stale answer.
type WindowClassifier struct {
	now func() time.Time
}

// NewWindowClassifier creates a window classifier
func NewWindowClassifier() *WindowClassifier {
	return &WindowClassifier{now: time.Now}
}

// Classify answers whether the window is open for a conversation whose last
// inbound customer message arrived at lastInboundAt. A conversation that has
// never received a customer message is never free.
func (w *WindowClassifier) Classify(lastInboundAt *time.Time) WindowState {
	if lastInboundAt == nil {
		return WindowState{IsFree: false, HoursElapsed: nil}
	}

	elapsed := w.now().Sub(*lastInboundAt)
	hours := elapsed.Hours()

	// Free strictly below 24h elapsed
	return WindowState{
		IsFree:       elapsed < SessionWindow,
		HoursElapsed: &hours,
	}
}
