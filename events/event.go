// Package events delivers scheduler notifications to subscribers: SSE clients
// through the in-memory Broker, NATS subjects and OpenTelemetry counters.
package events

import (
	"time"

	"vidqueue/task"

	"github.com/google/uuid"
)

// Event is one emitted notification as seen by external consumers.
type Event struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

func newEvent(name string, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: payload,
		Time:    time.Now().UTC(),
	}
}

// Multi fans every emission out to each sink in order.
type Multi []task.Sink

func (m Multi) Emit(name string, payload map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(name, payload)
		}
	}
}
