package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ListingState is the lifecycle state of a Listing.
type ListingState string

const (
	StateSelling ListingState = "selling"
	StateTrading ListingState = "trading"
	StateSold    ListingState = "sold"
)

// DefaultFeeRate is applied when no rate is configured.
var DefaultFeeRate = decimal.RequireFromString("0.2")

// Valid reports whether s is one of the known states.
func (s ListingState) Valid() bool {
	switch s {
	case StateSelling, StateTrading, StateSold:
		return true
	}
	return false
}

// Listing is a seller's standing offer for a fixed quantity of a card at a
// fixed price. Listings are soft-deleted only.
type Listing struct {
	ID        int64        `json:"id" db:"id"`
	CardID    int64        `json:"cardId" db:"card_id"`
	SellerID  int64        `json:"sellerId" db:"seller_id"`
	Price     int64        `json:"price" db:"price"`
	Fee       int64        `json:"fee" db:"fee"`
	Quantity  int64        `json:"quantity" db:"quantity"`
	State     ListingState `json:"state" db:"state"`
	DeletedAt *time.Time   `json:"deletedAt,omitempty" db:"deleted_at"`
	SoldAt    *time.Time   `json:"soldAt,omitempty" db:"sold_at"`
	Timestamps
}

// Eligible reports whether the listing can be matched by a buyer.
func (l *Listing) Eligible() bool {
	return l.State == StateSelling && l.DeletedAt == nil
}

// Total is what the buyer pays: price plus fee.
func (l *Listing) Total() int64 {
	return l.Price + l.Fee
}

// MarkTrading moves a selling listing into trading.
func (l *Listing) MarkTrading(at time.Time) error {
	if !l.Eligible() {
		return l.illegal(StateTrading)
	}
	l.State = StateTrading
	l.ModifiedAt = at
	return nil
}

// MarkSold settles a trading listing.
func (l *Listing) MarkSold(at time.Time) error {
	if l.State != StateTrading || l.DeletedAt != nil {
		return l.illegal(StateSold)
	}
	l.State = StateSold
	l.SoldAt = &at
	l.ModifiedAt = at
	return nil
}

// SoftDelete removes a selling listing from eligibility. State is left as is.
func (l *Listing) SoftDelete(at time.Time) error {
	if !l.Eligible() {
		return fmt.Errorf("%w: listing %d cannot be deleted while %s", ErrIllegalTransition, l.ID, l.describe())
	}
	l.DeletedAt = &at
	l.ModifiedAt = at
	return nil
}

// View returns the public projection.
func (l *Listing) View() ListingView {
	return ListingView{
		ID:        l.ID,
		CreatedAt: l.CreatedAt,
		CardID:    l.CardID,
		Price:     l.Price,
		Fee:       l.Fee,
		State:     l.State,
		Quantity:  l.Quantity,
		SellerID:  l.SellerID,
	}
}

func (l *Listing) illegal(to ListingState) error {
	return fmt.Errorf("%w: listing %d %s -> %s", ErrIllegalTransition, l.ID, l.describe(), to)
}

func (l *Listing) describe() string {
	if l.DeletedAt != nil {
		return string(l.State) + " (deleted)"
	}
	return string(l.State)
}

// ComputeFee returns floor(price * rate).
func ComputeFee(price int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(price).Mul(rate).Floor().IntPart()
}
