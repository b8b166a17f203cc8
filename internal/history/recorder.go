// Package history appends and reads the immutable sell and buy records.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

const (
	// DefaultLimit is the number of recent sales returned when none is asked.
	DefaultLimit = 5
	// MaxLimit caps one history page.
	MaxLimit = 100
)

// Recorder writes history inside a transaction and reads committed history.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a recorder reading from st.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// RecordSell appends the sell record of a listing.
func (r *Recorder) RecordSell(ctx context.Context, tx store.Tx, listingID int64, at time.Time) (*model.SellHistory, error) {
	h := &model.SellHistory{ListingID: listingID, CreatedAt: at}
	if err := tx.InsertSellHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("record sell of listing %d: %w", listingID, err)
	}
	return h, nil
}

// RecordBuy appends the buy record of a listing.
func (r *Recorder) RecordBuy(ctx context.Context, tx store.Tx, listingID, buyerID int64, at time.Time) (*model.BuyHistory, error) {
	h := &model.BuyHistory{ListingID: listingID, BuyerID: buyerID, CreatedAt: at}
	if err := tx.InsertBuyHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("record buy of listing %d: %w", listingID, err)
	}
	return h, nil
}

// ListRecentSellHistory returns the newest sales of a card. A non-positive
// limit means DefaultLimit; limits above MaxLimit are capped.
func (r *Recorder) ListRecentSellHistory(ctx context.Context, cardID int64, limit int) ([]model.SellHistoryView, error) {
	limit = ClampLimit(limit)
	views, err := r.store.ListRecentSellHistory(ctx, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sell history of card %d: %w", cardID, err)
	}
	if views == nil {
		views = []model.SellHistoryView{}
	}
	return views, nil
}

// ListPurchases returns the purchases of a buyer, newest first.
func (r *Recorder) ListPurchases(ctx context.Context, buyerID int64) ([]model.PurchaseView, error) {
	views, err := r.store.ListPurchases(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list purchases of user %d: %w", buyerID, err)
	}
	if views == nil {
		views = []model.PurchaseView{}
	}
	return views, nil
}

// ClampLimit maps a requested page size into [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
