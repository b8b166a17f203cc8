// Package balance moves currency inside a ledger transaction.
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

// Manager adjusts balances. It holds no state.
type Manager struct{}

// NewManager creates a balance manager.
func NewManager() *Manager { return &Manager{} }

// Debit withdraws amount from a user's balance.
func (m *Manager) Debit(ctx context.Context, tx store.Tx, userID, amount int64, at time.Time) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: debit amount %d", model.ErrValidation, amount)
	}
	return tx.AdjustBalance(ctx, userID, -amount, at)
}

// Credit deposits amount into a user's balance.
func (m *Manager) Credit(ctx context.Context, tx store.Tx, userID, amount int64, at time.Time) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: credit amount %d", model.ErrValidation, amount)
	}
	return tx.AdjustBalance(ctx, userID, amount, at)
}
