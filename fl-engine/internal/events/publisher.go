package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypeTaskCreated           = "task.created"
	TypeContributionSubmitted = "contribution.submitted"
	TypeRoundCompleted        = "round.completed"
	TypeTrainingCompleted     = "training.completed"
)

// Event is the envelope written to the event stream. Key selects the partition,
// so events for one task stay ordered.
type Event struct {
	Type    string      `json:"type"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
	TS      time.Time   `json:"ts"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
func (NopPublisher) Close() error                                { return nil }

// MemoryPublisher records events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType filters recorded events by type.
func (m *MemoryPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
