// Package settlement is the trade settlement engine. Each operation runs as
// one ledger transaction that either commits every mutation or none, and
// events are published only after the commit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leeky940926/p-market/internal/balance"
	"github.com/leeky940926/p-market/internal/events"
	"github.com/leeky940926/p-market/internal/history"
	"github.com/leeky940926/p-market/internal/inventory"
	"github.com/leeky940926/p-market/internal/listing"
	"github.com/leeky940926/p-market/internal/logger"
	"github.com/leeky940926/p-market/internal/metrics"
	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

// FeePolicy decides who receives the listing fee paid by the buyer.
type FeePolicy string

const (
	// FeePassthrough credits the seller with price and fee.
	FeePassthrough FeePolicy = "passthrough"
	// FeeRetain credits the seller with the price and the platform account
	// with the fee.
	FeeRetain FeePolicy = "retain"
)

// ParseFeePolicy parses a policy name. Empty means FeePassthrough.
func ParseFeePolicy(s string) (FeePolicy, error) {
	switch p := FeePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FeePassthrough, nil
	case FeePassthrough, FeeRetain:
		return p, nil
	}
	return "", fmt.Errorf("unknown fee policy %q", s)
}

// CardResolver looks cards up in the catalog.
type CardResolver interface {
	Resolve(ctx context.Context, cardID int64) (*model.Card, error)
}

// Config holds the engine's economic settings.
type Config struct {
	FeeRate        decimal.Decimal
	FeePolicy      FeePolicy
	PlatformUserID int64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets where committed events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// Engine orchestrates listing registration, purchase and cancellation.
type Engine struct {
	store     store.Store
	catalog   CardResolver
	listings  *listing.Registry
	inventory *inventory.Manager
	balances  *balance.Manager
	history   *history.Recorder
	publisher events.Publisher

	policy         FeePolicy
	platformUserID int64
	now            func() time.Time
}

// NewEngine wires an engine over st.
func NewEngine(st store.Store, catalog CardResolver, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.FeeRate.IsNegative() || cfg.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee rate must be in [0, 1), got %s", cfg.FeeRate)
	}
	if cfg.FeePolicy == "" {
		cfg.FeePolicy = FeePassthrough
	}
	if cfg.FeePolicy == FeeRetain && cfg.PlatformUserID <= 0 {
		return nil, errors.New("fee policy retain requires a platform user id")
	}

	e := &Engine{
		store:          st,
		catalog:        catalog,
		listings:       listing.NewRegistry(cfg.FeeRate),
		inventory:      inventory.NewManager(),
		balances:       balance.NewManager(),
		history:        history.NewRecorder(st),
		publisher:      events.Discard{},
		policy:         cfg.FeePolicy,
		platformUserID: cfg.PlatformUserID,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterSell reserves quantity of the seller's card and lists it at price.
func (e *Engine) RegisterSell(ctx context.Context, sellerID, cardID, quantity, price int64) (*model.ListingView, error) {
	const op = "register_sell"
	start := time.Now()

	if err := positive("seller id", sellerID); err != nil {
		return nil, e.fail(ctx, op, err)
	}
	if err := positive("quantity", quantity); err != nil {
		return nil, e.fail(ctx, op, err)
	}
	if err := positive("price", price); err != nil {
		return nil, e.fail(ctx, op, err)
	}
	if _, err := e.catalog.Resolve(ctx, cardID); err != nil {
		return nil, e.fail(ctx, op, err)
	}

	var l *model.Listing
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		at := e.now()
		if _, err := e.inventory.Decrement(ctx, tx, sellerID, cardID, quantity, at); err != nil {
			if errors.Is(err, model.ErrInsufficientInventory) {
				return fmt.Errorf("%w: %w", model.ErrInvalidQuantity, err)
			}
			return err
		}

		var err error
		l, err = e.listings.CreateListing(ctx, tx, sellerID, cardID, quantity, price, at)
		return err
	})
	if err != nil {
		return nil, e.fail(ctx, op, err)
	}

	e.succeed(op, start)
	logger.FromContext(ctx).Info("listing registered",
		"listing_id", l.ID,
		"seller_id", sellerID,
		"card_id", cardID,
		"quantity", quantity,
		"price", price,
		"fee", l.Fee,
	)

	view := l.View()
	e.publish(ctx, events.New(events.TypeListingRegistered, view, l.CreatedAt))
	return &view, nil
}

// ExecuteBuy settles the cheapest eligible listing of a card not owned by the
// buyer.
func (e *Engine) ExecuteBuy(ctx context.Context, buyerID, cardID int64) (*model.ListingView, error) {
	const op = "execute_buy"
	start := time.Now()

	if err := positive("buyer id", buyerID); err != nil {
		return nil, e.fail(ctx, op, err)
	}
	if err := positive("card id", cardID); err != nil {
		return nil, e.fail(ctx, op, err)
	}

	var l *model.Listing
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		at := e.now()

		var err error
		if l, err = e.listings.FindCheapestEligible(ctx, tx, cardID, buyerID); err != nil {
			return err
		}
		if err := e.listings.MarkTrading(ctx, tx, l, at); err != nil {
			return err
		}
		if _, err := e.inventory.Increment(ctx, tx, buyerID, cardID, l.Quantity, at); err != nil {
			return err
		}
		if _, err := e.balances.Debit(ctx, tx, buyerID, l.Total(), at); err != nil {
			return err
		}
		if _, err := e.history.RecordBuy(ctx, tx, l.ID, buyerID, at); err != nil {
			return err
		}
		if _, err := e.history.RecordSell(ctx, tx, l.ID, at); err != nil {
			return err
		}
		if err := e.listings.MarkSold(ctx, tx, l, at); err != nil {
			return err
		}
		return e.payout(ctx, tx, l, at)
	})
	if err != nil {
		return nil, e.fail(ctx, op, err)
	}

	e.succeed(op, start)
	metrics.TradedVolume.WithLabelValues(strconv.FormatInt(cardID, 10)).Add(float64(l.Quantity))
	metrics.TradedValue.Add(float64(l.Total()))
	logger.FromContext(ctx).Info("trade settled",
		"listing_id", l.ID,
		"buyer_id", buyerID,
		"seller_id", l.SellerID,
		"card_id", cardID,
		"quantity", l.Quantity,
		"total", l.Total(),
		"fee_policy", string(e.policy),
	)

	view := l.View()
	ev := events.New(events.TypeTradeSettled, view, *l.SoldAt)
	ev.BuyerID = buyerID
	e.publish(ctx, ev)
	return &view, nil
}

// CancelListing withdraws a selling listing and returns its quantity to the
// seller.
func (e *Engine) CancelListing(ctx context.Context, sellerID, listingID int64) (*model.ListingView, error) {
	const op = "cancel_listing"
	start := time.Now()

	if err := positive("seller id", sellerID); err != nil {
		return nil, e.fail(ctx, op, err)
	}
	if err := positive("listing id", listingID); err != nil {
		return nil, e.fail(ctx, op, err)
	}

	var l *model.Listing
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		at := e.now()

		var err error
		if l, err = e.listings.Cancel(ctx, tx, sellerID, listingID, at); err != nil {
			return err
		}
		_, err = e.inventory.Increment(ctx, tx, sellerID, l.CardID, l.Quantity, at)
		return err
	})
	if err != nil {
		return nil, e.fail(ctx, op, err)
	}

	e.succeed(op, start)
	logger.FromContext(ctx).Info("listing cancelled",
		"listing_id", l.ID,
		"seller_id", sellerID,
		"card_id", l.CardID,
		"quantity", l.Quantity,
	)

	view := l.View()
	e.publish(ctx, events.New(events.TypeListingCancelled, view, *l.DeletedAt))
	return &view, nil
}

// --- Read queries ---

// ListCheapestPerCard returns the cheapest eligible listing of every card.
func (e *Engine) ListCheapestPerCard(ctx context.Context) ([]model.ListingSummary, error) {
	return e.listings.ListCheapestPerCard(ctx, e.store)
}

// ListRecentSellHistory returns the newest sales of a card.
func (e *Engine) ListRecentSellHistory(ctx context.Context, cardID int64, limit int) ([]model.SellHistoryView, error) {
	if _, err := e.catalog.Resolve(ctx, cardID); err != nil {
		return nil, err
	}
	return e.history.ListRecentSellHistory(ctx, cardID, limit)
}

// ListPurchases returns a buyer's purchases, newest first.
func (e *Engine) ListPurchases(ctx context.Context, buyerID int64) ([]model.PurchaseView, error) {
	if err := positive("user id", buyerID); err != nil {
		return nil, err
	}
	return e.history.ListPurchases(ctx, buyerID)
}

// --- Helpers ---

// payout credits the seller, and the platform when it retains the fee.
func (e *Engine) payout(ctx context.Context, tx store.Tx, l *model.Listing, at time.Time) error {
	if e.policy != FeeRetain {
		_, err := e.balances.Credit(ctx, tx, l.SellerID, l.Total(), at)
		return err
	}

	if _, err := e.balances.Credit(ctx, tx, l.SellerID, l.Price, at); err != nil {
		return err
	}
	if l.Fee == 0 {
		return nil
	}
	if _, err := e.balances.Credit(ctx, tx, e.platformUserID, l.Fee, at); err != nil {
		return fmt.Errorf("credit platform fee: %w", err)
	}
	return nil
}

// publish delivers ev without failing the committed operation.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		metrics.PublishFailures.WithLabelValues(ev.Type).Inc()
		logger.FromContext(ctx).Warn("failed to publish event",
			"event_id", ev.ID,
			"type", ev.Type,
			"listing_id", ev.Listing.ID,
			"error", err,
		)
	}
}

func (e *Engine) succeed(op string, start time.Time) {
	metrics.SettlementsTotal.WithLabelValues(op, "ok").Inc()
	metrics.SettlementLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (e *Engine) fail(ctx context.Context, op string, err error) error {
	outcome := "rejected"
	switch {
	case errors.Is(err, model.ErrContendedResource):
		outcome = "contended"
		metrics.ContentionTotal.WithLabelValues(op).Inc()
		logger.FromContext(ctx).Warn("operation contended", "operation", op, "error", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	case !IsClientError(err):
		outcome = "error"
		logger.FromContext(ctx).Error("operation failed", "operation", op, "error", err)
	}
	metrics.SettlementsTotal.WithLabelValues(op, outcome).Inc()
	return err
}

// IsClientError reports whether err is caused by the request rather than the
// system.
func IsClientError(err error) bool {
	for _, target := range []error{
		model.ErrValidation,
		model.ErrInvalidQuantity,
		model.ErrUnknownCard,
		model.ErrInsufficientInventory,
		model.ErrInsufficientBalance,
		model.ErrNoEligibleListing,
		model.ErrNotFound,
		model.ErrIllegalTransition,
		model.ErrAlreadyExists,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func positive(field string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", model.ErrValidation, field, v)
	}
	return nil
}
