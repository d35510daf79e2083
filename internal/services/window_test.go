package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNeverContacted(t *testing.T) {
	w := NewWindowClassifier()

	state := w.Classify(nil)

	assert.False(t, state.IsFree)
	assert.Nil(t, state.HoursElapsed)
}

func TestClassifyInsideWindow(t *testing.T) {
	now := time.Now()
	w := &WindowClassifier{now: func() time.Time { return now }}

	state := w.Classify(timePtr(now.Add(-1 * time.Hour)))

	assert.True(t, state.IsFree)
	assert.InDelta(t, 1.0, *state.HoursElapsed, 0.01)
}

func TestClassifyExactlyAtBoundary(t *testing.T) {
	now := time.Now()
	w := &WindowClassifier{now: func() time.Time { return now }}

	// Exactly 24h elapsed is already outside the window
	state := w.Classify(timePtr(now.Add(-SessionWindow)))

	assert.False(t, state.IsFree)
	assert.InDelta(t, 24.0, *state.HoursElapsed, 0.01)
}

func TestClassifyOutsideWindow(t *testing.T) {
	now := time.Now()
	w := &WindowClassifier{now: func() time.Time { return now }}

	state := w.Classify(timePtr(now.Add(-25 * time.Hour)))

	assert.False(t, state.IsFree)
	assert.InDelta(t, 25.0, *state.HoursElapsed, 0.01)
}

func TestNormalizeNumber(t *testing.T) {
	assert.Equal(t, "+5511999998888", NormalizeNumber("5511999998888"))
	assert.Equal(t, "+5511999998888", NormalizeNumber("+55 11 99999 8888"))
	assert.Equal(t, "+15550001", NormalizeNumber("+15550001"))
	assert.Equal(t, "", NormalizeNumber(""))
}
