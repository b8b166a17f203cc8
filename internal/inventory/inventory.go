// Package inventory moves card quantities inside a ledger transaction.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

// Manager adjusts inventory positions. It holds no state.
type Manager struct{}

// NewManager creates an inventory manager.
func NewManager() *Manager { return &Manager{} }

// Decrement removes amount of a card from a user. A missing position counts
// as holding nothing.
func (m *Manager) Decrement(ctx context.Context, tx store.Tx, userID, cardID, amount int64, at time.Time) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: decrement amount %d", model.ErrValidation, amount)
	}
	qty, err := tx.AdjustInventory(ctx, userID, cardID, -amount, at)
	if errors.Is(err, model.ErrUnknownPosition) {
		return 0, fmt.Errorf("%w: user %d holds no card %d", model.ErrInsufficientInventory, userID, cardID)
	}
	return qty, err
}

// Increment adds amount of a card to a user. The position must have been
// provisioned at onboarding.
func (m *Manager) Increment(ctx context.Context, tx store.Tx, userID, cardID, amount int64, at time.Time) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: increment amount %d", model.ErrValidation, amount)
	}
	return tx.AdjustInventory(ctx, userID, cardID, amount, at)
}
