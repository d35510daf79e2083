package services

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// GraceTracker remembers which conversations had a template dispatched more
// recently than the last inbound customer message. While the entry lives, a
// non-templated send outside the window is blocked with
// ErrAwaitingCustomerReply instead of ErrOutsideWindow.
//
// Entries expire on their own after one session window, so the tracker stays
// bounded instead of growing like a global dedup set.
type GraceTracker struct {
	entries *cache.Cache
}

// NewGraceTracker creates a grace-state tracker
func NewGraceTracker() *GraceTracker {
	return &GraceTracker{
		entries: cache.New(SessionWindow, 10*time.Minute),
	}
}

// Mark records that a template was dispatched for the conversation
func (g *GraceTracker) Mark(conversationID uint) {
	g.entries.Set(strconv.FormatUint(uint64(conversationID), 10), time.Now(), cache.DefaultExpiration)
}

// Clear removes the grace state, called on any inbound customer message
func (g *GraceTracker) Clear(conversationID uint) {
	g.entries.Delete(strconv.FormatUint(uint64(conversationID), 10))
}

// Active reports whether the conversation is in the grace state
func (g *GraceTracker) Active(conversationID uint) bool {
	_, found := g.entries.Get(strconv.FormatUint(uint64(conversationID), 10))
	return found
}
