package services

import "errors"

// Delivery error taxonomy. Handlers map these onto HTTP responses; policy
// blocks are distinct from provider failures so the UI can explain them.
var (
	// ErrOutsideWindow blocks a free-form send when the 24h session window
	// has closed and auto-templating is off
	ErrOutsideWindow = errors.New("conversation is outside the messaging window")

	// ErrAwaitingCustomerReply blocks a send when a template was already
	// dispatched and no customer reply has arrived since
	ErrAwaitingCustomerReply = errors.New("template already sent, awaiting customer reply")

	// ErrProviderRejected marks a terminal, non-retryable provider refusal
	ErrProviderRejected = errors.New("provider rejected the request")

	// ErrProviderTransient marks a network/5xx failure worth retrying
	ErrProviderTransient = errors.New("transient provider error")

	ErrAccountNotFound      = errors.New("account not found")
	ErrConversationNotFound = errors.New("conversation not found")
)
