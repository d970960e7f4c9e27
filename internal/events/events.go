// Package events implements the typed alert/event bus.
//
// Events carry a type from a closed set, a severity, and a typed payload.
// Fan-out goes to the persistent alert sink and to live subscribers, each
// behind a bounded queue. Slow subscribers never stall the bus for
// info/warning events; critical and urgent events are never dropped.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates every event the engine can emit. The bus accepts only
// these variants.
type EventType string

const (
	EventWideSpread            EventType = "WIDE_SPREAD"
	EventHighImpact            EventType = "HIGH_IMPACT"
	EventInsufficientLiquidity EventType = "INSUFFICIENT_LIQUIDITY"
	EventMarginWarning         EventType = "MARGIN_WARNING"
	EventMarginShortfall       EventType = "MARGIN_SHORTFALL"
	EventMarginIncreased       EventType = "MARGIN_INCREASED"
	EventRiskBreach            EventType = "RISK_BREACH"
	EventOrphanedOrder         EventType = "ORPHANED_ORDER"
	EventGreeksRisk            EventType = "GREEKS_RISK"
	EventSettlementComplete    EventType = "SETTLEMENT_COMPLETE"
	EventHousekeepingComplete  EventType = "HOUSEKEEPING_COMPLETE"
)

// Known reports whether t is a recognized event type.
func (t EventType) Known() bool {
	switch t {
	case EventWideSpread, EventHighImpact, EventInsufficientLiquidity,
		EventMarginWarning, EventMarginShortfall, EventMarginIncreased,
		EventRiskBreach, EventOrphanedOrder, EventGreeksRisk,
		EventSettlementComplete, EventHousekeepingComplete:
		return true
	}
	return false
}

// Severity is the alert severity ladder.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityUrgent
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Droppable reports whether an event of this severity may be shed under
// backpressure.
func (s Severity) Droppable() bool {
	return s < SeverityCritical
}

// Event is one bus message.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Severity    Severity               `json:"-"`
	SeverityStr string                 `json:"severity"`
	StrategyID  string                 `json:"strategy_id,omitempty"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Actions     []string               `json:"actions,omitempty"` // proposed responses
	Timestamp   time.Time              `json:"timestamp"`
	ExpiresAt   time.Time              `json:"expires_at,omitempty"`
}

// New builds an event with a fresh id. The bus stamps the timestamp at
// publish so per-strategy delivery order matches timestamp order.
func New(t EventType, sev Severity, strategyID, title, message string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		Severity:    sev,
		SeverityStr: sev.String(),
		StrategyID:  strategyID,
		Title:       title,
		Message:     message,
		Payload:     make(map[string]interface{}),
	}
}

// With adds a payload field and returns the event for chaining.
func (e Event) With(key string, value interface{}) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}
	e.Payload[key] = value
	return e
}

// WithActions sets the proposed actions.
func (e Event) WithActions(actions ...string) Event {
	e.Actions = actions
	return e
}
