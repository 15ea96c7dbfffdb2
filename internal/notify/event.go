// Package notify fans state changes out to connected observers.
package notify

import (
	"context"
	"errors"
	"time"

	"fulfillment/internal/model"
)

const (
	EventTokenStatusChanged    = "tokenStatusChanged"
	EventOrderAggregateChanged = "orderAggregateChanged"
	EventAgentLedgerChanged    = "agentLedgerChanged"
	EventTokenTracked          = "tokenTracked"
)

// Event is one broadcast. Delivery is at-least-once to connected observers
// and nothing to offline ones.
type Event struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Bus publishes events. It is created once at startup and passed to every
// component that emits.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
}

type TokenStatusChanged struct {
	OrderID          uint         `json:"order_id"`
	TrackingIdentity string       `json:"tracking_identity"`
	Status           model.Status `json:"status"`
}

type OrderAggregateChanged struct {
	OrderID uint         `json:"order_id"`
	Status  model.Status `json:"status"`
}

type AgentLedgerChanged struct {
	AgentID uint `json:"agent_id"`
	Count   int  `json:"count"`
}

func NewTokenStatusChanged(orderID uint, identity string, status model.Status) Event {
	return Event{Name: EventTokenStatusChanged, At: time.Now().UTC(),
		Payload: TokenStatusChanged{OrderID: orderID, TrackingIdentity: identity, Status: status}}
}

func NewOrderAggregateChanged(orderID uint, status model.Status) Event {
	return Event{Name: EventOrderAggregateChanged, At: time.Now().UTC(),
		Payload: OrderAggregateChanged{OrderID: orderID, Status: status}}
}

func NewAgentLedgerChanged(agentID uint, count int) Event {
	return Event{Name: EventAgentLedgerChanged, At: time.Now().UTC(),
		Payload: AgentLedgerChanged{AgentID: agentID, Count: count}}
}

func NewTokenTracked(orderID uint, identity string, status model.Status) Event {
	return Event{Name: EventTokenTracked, At: time.Now().UTC(),
		Payload: TokenStatusChanged{OrderID: orderID, TrackingIdentity: identity, Status: status}}
}

// Multi publishes to every bus and joins the errors.
type Multi []Bus

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, b := range m {
		if err := b.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
