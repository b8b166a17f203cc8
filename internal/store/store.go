// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the board and history queries), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/leeky940926/p-market/internal/model"
)

// Store is the ledger store. Every mutation happens inside WithTx; the
// remaining methods are read-only queries against committed state.
type Store interface {
	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise, including on context cancellation.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Catalog ---

	// CreateCard adds a catalog card and provisions a zero position for every
	// existing user.
	CreateCard(ctx context.Context, card *model.Card) error

	GetCard(ctx context.Context, id int64) (*model.Card, error)

	ListCards(ctx context.Context) ([]model.Card, error)

	// --- Accounts ---

	GetUser(ctx context.Context, id int64) (*model.User, error)

	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)

	// GetInventory returns every position of a user ordered by card id.
	GetInventory(ctx context.Context, userID int64) ([]model.InventoryPosition, error)

	// --- Listings and history ---

	GetListing(ctx context.Context, id int64) (*model.Listing, error)

	// ListCheapestPerCard returns, per card, the cheapest eligible listing.
	// Ties on price go to the most recently modified listing.
	ListCheapestPerCard(ctx context.Context) ([]model.ListingSummary, error)

	// ListRecentSellHistory returns completed sales of a card, newest first.
	ListRecentSellHistory(ctx context.Context, cardID int64, limit int) ([]model.SellHistoryView, error)

	// ListPurchases returns a buyer's completed purchases, newest first.
	ListPurchases(ctx context.Context, buyerID int64) ([]model.PurchaseView, error)
}

// Tx is the transaction scope handed to the managers. Methods that read
// rows for a later write lock them until the transaction ends.
type Tx interface {
	// ProvisionUser inserts the user, a zero balance and a zero position for
	// every catalog card. Duplicate emails fail with model.ErrAlreadyExists.
	ProvisionUser(ctx context.Context, user *model.User) error

	// AdjustInventory adds delta to a position. A missing row fails with
	// model.ErrUnknownPosition; a result below zero fails with
	// model.ErrInsufficientInventory.
	AdjustInventory(ctx context.Context, userID, cardID, delta int64, at time.Time) (int64, error)

	// AdjustBalance adds delta to a balance. A missing row fails with
	// model.ErrNotFound; a result below zero fails with
	// model.ErrInsufficientBalance.
	AdjustBalance(ctx context.Context, userID, delta int64, at time.Time) (int64, error)

	// InsertListing assigns the listing its id.
	InsertListing(ctx context.Context, l *model.Listing) error

	// LockCheapestEligible locks and returns the cheapest eligible listing for
	// a card not owned by excludeUserID, or nil when there is none.
	LockCheapestEligible(ctx context.Context, cardID, excludeUserID int64) (*model.Listing, error)

	// LockListing locks a listing by id. Missing listings fail with
	// model.ErrNotFound.
	LockListing(ctx context.Context, id int64) (*model.Listing, error)

	// SaveListing persists state, deletedAt, soldAt and modifiedAt only if
	// the stored state still equals expected. A lost compare-and-swap fails
	// with model.ErrContendedResource.
	SaveListing(ctx context.Context, l *model.Listing, expected model.ListingState) error

	InsertSellHistory(ctx context.Context, h *model.SellHistory) error

	InsertBuyHistory(ctx context.Context, h *model.BuyHistory) error
}
