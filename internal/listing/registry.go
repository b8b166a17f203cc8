// Package listing manages sell listings and their selling → trading → sold
// lifecycle inside a ledger transaction.
package listing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

// Registry creates, matches and transitions listings.
type Registry struct {
	feeRate decimal.Decimal
}

// NewRegistry creates a registry charging feeRate on every listing price.
// A zero rate means model.DefaultFeeRate.
func NewRegistry(feeRate decimal.Decimal) *Registry {
	if feeRate.IsZero() {
		feeRate = model.DefaultFeeRate
	}
	return &Registry{feeRate: feeRate}
}

// FeeRate returns the rate applied to new listings.
func (r *Registry) FeeRate() decimal.Decimal { return r.feeRate }

// CreateListing inserts a selling listing. It does not check the seller's
// inventory; the caller reserves the quantity in the same transaction.
func (r *Registry) CreateListing(ctx context.Context, tx store.Tx, sellerID, cardID, quantity, price int64, at time.Time) (*model.Listing, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", model.ErrValidation, quantity)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive, got %d", model.ErrValidation, price)
	}

	l := &model.Listing{
		CardID:     cardID,
		SellerID:   sellerID,
		Price:      price,
		Fee:        model.ComputeFee(price, r.feeRate),
		Quantity:   quantity,
		State:      model.StateSelling,
		Timestamps: model.Timestamps{CreatedAt: at, ModifiedAt: at},
	}
	if err := tx.InsertListing(ctx, l); err != nil {
		return nil, fmt.Errorf("insert listing: %w", err)
	}
	return l, nil
}

// FindCheapestEligible locks the cheapest eligible listing for a card that
// the excluded user does not own.
func (r *Registry) FindCheapestEligible(ctx context.Context, tx store.Tx, cardID, excludeUserID int64) (*model.Listing, error) {
	l, err := tx.LockCheapestEligible(ctx, cardID, excludeUserID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: card %d", model.ErrNoEligibleListing, cardID)
	}
	return l, nil
}

// MarkTrading moves l from selling to trading.
func (r *Registry) MarkTrading(ctx context.Context, tx store.Tx, l *model.Listing, at time.Time) error {
	if err := l.MarkTrading(at); err != nil {
		return err
	}
	return tx.SaveListing(ctx, l, model.StateSelling)
}

// MarkSold moves l from trading to sold.
func (r *Registry) MarkSold(ctx context.Context, tx store.Tx, l *model.Listing, at time.Time) error {
	if err := l.MarkSold(at); err != nil {
		return err
	}
	return tx.SaveListing(ctx, l, model.StateTrading)
}

// Cancel soft-deletes a selling listing owned by sellerID. Listings of other
// sellers are reported as not found.
func (r *Registry) Cancel(ctx context.Context, tx store.Tx, sellerID, listingID int64, at time.Time) (*model.Listing, error) {
	l, err := tx.LockListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.SellerID != sellerID {
		return nil, fmt.Errorf("listing %d: %w", listingID, model.ErrNotFound)
	}
	if err := l.SoftDelete(at); err != nil {
		return nil, err
	}
	if err := tx.SaveListing(ctx, l, model.StateSelling); err != nil {
		return nil, err
	}
	return l, nil
}

// ListCheapestPerCard returns the cheapest eligible listing of every card.
func (r *Registry) ListCheapestPerCard(ctx context.Context, st store.Store) ([]model.ListingSummary, error) {
	board, err := st.ListCheapestPerCard(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cheapest listings: %w", err)
	}
	if board == nil {
		board = []model.ListingSummary{}
	}
	return board, nil
}
