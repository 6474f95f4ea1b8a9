package market

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Event types emitted by the engine. Not on the hot path.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
	EventReconnect  = "reconnect"
	EventHeartbeat  = "heartbeat"
	EventRateLimit  = "rateLimit"
	EventStaleData  = "staleData"
)

// Event is a structured engine event.
type Event struct {
	Type   string                 `json:"type"`
	Time   time.Time              `json:"time"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// EventSink receives engine events. Implementations must not block.
type EventSink interface {
	Emit(e Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink writes events through the global zerolog logger.
type LogSink struct {
	Component string
}

func (s LogSink) Emit(e Event) {
	ev := log.Debug()
	if e.Type == EventError {
		ev = log.Warn()
	}
	ev = ev.Str("component", s.Component).Str("event", e.Type)
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("engine event")
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }
