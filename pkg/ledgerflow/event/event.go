package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a typed message on a channel. Events are values; the bus copies
// Data when an event is published, so later changes by the publisher are not
// observed by subscribers. Subscribers must treat Data as read-only.
type Event struct {
	ID              string         `json:"id"`
	Channel         Channel        `json:"channel"`
	Type            string         `json:"type"`
	Data            map[string]any `json:"data"`
	Timestamp       time.Time      `json:"timestamp"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	SourceModule    string         `json:"sourceModule,omitempty"`
	AffectedModules []string       `json:"affectedModules,omitempty"`

	// CascadedFrom is set on events derived from a dependency edge and names
	// the source channel.
	CascadedFrom Channel `json:"cascadedFrom,omitempty"`
}

// Option configures an Event built with New.
type Option func(*Event)

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithSource sets the module that produced the event.
func WithSource(module string) Option {
	return func(e *Event) { e.SourceModule = module }
}

// WithAffectedModules lists the modules expected to react.
func WithAffectedModules(modules ...string) Option {
	return func(e *Event) { e.AffectedModules = append([]string(nil), modules...) }
}

// WithTimestamp overrides the event time.
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.Timestamp = t }
}

// New builds an event with a fresh ID and the current time.
func New(channel Channel, eventType string, data map[string]any, opts ...Option) Event {
	e := Event{
		ID:        newID(),
		Channel:   channel,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// IsCascade reports whether the event was derived from a dependency edge.
func (e Event) IsCascade() bool {
	return e.CascadedFrom != ""
}

// String returns a short description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s/%s(%s)", e.Channel, e.Type, e.ID)
}

// clone returns a copy with its own Data map and module list.
func (e Event) clone() Event {
	e.Data = cloneData(e.Data)
	if e.AffectedModules != nil {
		e.AffectedModules = append([]string(nil), e.AffectedModules...)
	}
	return e
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func newID() string {
	return "evt-" + uuid.New().String()
}
