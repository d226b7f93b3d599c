package mock

import (
	"context"
	"sync"

	"github.com/KaisukaTran/findmy-fm/internal/alert"
	"github.com/KaisukaTran/findmy-fm/internal/core"
)

// MockAlertChannel records delivered alerts instead of posting them.
type MockAlertChannel struct {
	mu   sync.Mutex
	name string
	sent []alert.AlertPayload
	err  error
}

var _ alert.AlertChannel = (*MockAlertChannel)(nil)

func NewMockAlertChannel(name string) *MockAlertChannel {
	return &MockAlertChannel{name: name}
}

func (m *MockAlertChannel) Name() string { return m.name }

func (m *MockAlertChannel) Send(_ context.Context, a alert.AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, a)
	return nil
}

// SetError makes every following Send fail.
func (m *MockAlertChannel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sent snapshots the delivered alerts.
func (m *MockAlertChannel) Sent() []alert.AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.AlertPayload, len(m.sent))
	copy(out, m.sent)
	return out
}

// FillRecorder captures fill events off the engine callback.
type FillRecorder struct {
	mu     sync.Mutex
	events []core.FillEvent
}

func NewFillRecorder() *FillRecorder {
	return &FillRecorder{}
}

func (f *FillRecorder) Record(ev core.FillEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

// Events snapshots the captured fills.
func (f *FillRecorder) Events() []core.FillEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.FillEvent, len(f.events))
	copy(out, f.events)
	return out
}

// Count reports how many fills were captured.
func (f *FillRecorder) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}
