package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvanceStatus(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusDelivered, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusRead, true},

		// Failure is reachable from any pre-terminal state
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, true},

		// Never backwards
		{StatusSent, StatusPending, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusDelivered, false},

		// Terminal states never move
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusFailed, false},

		// Unknown statuses are rejected
		{"bogus", StatusSent, false},
		{StatusSent, "bogus", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanAdvanceStatus(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPendingTemplateTerminality(t *testing.T) {
	nonTerminal := []string{TemplateStatusCreated, TemplateStatusSubmitted, TemplateStatusPending}
	for _, status := range nonTerminal {
		template := PendingTemplate{Status: status}
		assert.True(t, template.IsNonTerminal(), status)
		assert.False(t, template.IsTerminal(), status)
	}

	terminal := []string{TemplateStatusDispatched, TemplateStatusRejected, TemplateStatusFailed}
	for _, status := range terminal {
		template := PendingTemplate{Status: status}
		assert.True(t, template.IsTerminal(), status)
		assert.False(t, template.IsNonTerminal(), status)
	}

	// Approved is neither: it no longer blocks new rows but is not final
	approved := PendingTemplate{Status: TemplateStatusApproved}
	assert.False(t, approved.IsTerminal())
	assert.False(t, approved.IsNonTerminal())
}
