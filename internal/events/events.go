// Package events describes settlement events and fans them out to
// subscribers after the owning transaction has committed.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leeky940926/p-market/internal/model"
)

// Event types. Each is also the AMQP routing key.
const (
	TypeListingRegistered = "listing.registered"
	TypeListingCancelled  = "listing.cancelled"
	TypeTradeSettled      = "trade.settled"
)

// Event is a committed change to the listing book.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	Listing    model.ListingView `json:"listing"`
	BuyerID    int64             `json:"buyerId,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// New stamps a new event with a fresh id.
func New(typ string, listing model.ListingView, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Type:       typ,
		Listing:    listing,
		OccurredAt: at,
	}
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every configured destination and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
