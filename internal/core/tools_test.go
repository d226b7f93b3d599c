package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{"new to pending", OrderStatusNew, OrderStatusPending, true},
		{"new to triggered", OrderStatusNew, OrderStatusTriggered, true},
		{"new to partially filled", OrderStatusNew, OrderStatusPartiallyFilled, true},
		{"new to filled", OrderStatusNew, OrderStatusFilled, true},
		{"pending to triggered", OrderStatusPending, OrderStatusTriggered, true},
		{"pending to filled", OrderStatusPending, OrderStatusFilled, true},
		{"triggered to filled", OrderStatusTriggered, OrderStatusFilled, true},
		{"repeated partial fill", OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{"partial to filled", OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{"no going back to new", OrderStatusPending, OrderStatusNew, false},
		{"no new to new", OrderStatusNew, OrderStatusNew, false},
		{"filled is terminal", OrderStatusFilled, OrderStatusPartiallyFilled, false},
		{"filled cannot cancel", OrderStatusFilled, OrderStatusCancelled, false},
		{"cancelled cannot cancel", OrderStatusCancelled, OrderStatusCancelled, false},
		{"new can cancel", OrderStatusNew, OrderStatusCancelled, true},
		{"pending can cancel", OrderStatusPending, OrderStatusCancelled, true},
		{"partial can cancel", OrderStatusPartiallyFilled, OrderStatusCancelled, true},
		{"triggered can cancel", OrderStatusTriggered, OrderStatusCancelled, true},
		{"cancelled is terminal", OrderStatusCancelled, OrderStatusFilled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransitionPending(t *testing.T) {
	tests := []struct {
		name string
		from PendingStatus
		to   PendingStatus
		want bool
	}{
		{"pending to approved", PendingStatusPending, PendingStatusApproved, true},
		{"pending to rejected", PendingStatusPending, PendingStatusRejected, true},
		{"pending to executed", PendingStatusPending, PendingStatusExecuted, false},
		{"approved to executed", PendingStatusApproved, PendingStatusExecuted, true},
		{"approved rollback", PendingStatusApproved, PendingStatusPending, true},
		{"approved to rejected", PendingStatusApproved, PendingStatusRejected, false},
		{"rejected is terminal", PendingStatusRejected, PendingStatusApproved, false},
		{"executed is terminal", PendingStatusExecuted, PendingStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionPending(tt.from, tt.to))
		})
	}
}

func TestPyramidRefs(t *testing.T) {
	assert.Equal(t, "pyramid:7:wave:2", PyramidWaveRef(7, 2))
	assert.Equal(t, "pyramid:7:tp", PyramidTPRef(7))

	ref, ok := ParsePyramidRef("pyramid:7:wave:2")
	assert.True(t, ok)
	assert.Equal(t, PyramidRef{SessionID: 7, WaveNum: 2}, ref)

	ref, ok = ParsePyramidRef("pyramid:12:tp")
	assert.True(t, ok)
	assert.Equal(t, PyramidRef{SessionID: 12, IsTP: true}, ref)

	for _, bad := range []string{
		"",
		"pyramid",
		"pyramid:x:tp",
		"pyramid:1:wave:-1",
		"pyramid:1:wave:x",
		"grid:1:wave:0",
		"pyramid:1:wave:0:extra",
	} {
		_, ok := ParsePyramidRef(bad)
		assert.False(t, ok, "expected %q to be rejected", bad)
	}
}

func TestOrderTerminal(t *testing.T) {
	assert.True(t, (&Order{Status: OrderStatusFilled}).Terminal())
	assert.True(t, (&Order{Status: OrderStatusCancelled}).Terminal())
	assert.False(t, (&Order{Status: OrderStatusPartiallyFilled}).Terminal())
	assert.False(t, (&Order{Status: OrderStatusNew}).Terminal())
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.True(t, SessionStatusStopped.Terminal())
	assert.True(t, SessionStatusTimeout.Terminal())
	assert.True(t, SessionStatusCompleted.Terminal())
	assert.False(t, SessionStatusActive.Terminal())
	assert.False(t, SessionStatusTPTriggered.Terminal())
	assert.False(t, SessionStatusPending.Terminal())
}
