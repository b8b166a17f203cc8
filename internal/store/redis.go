package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leeky940926/p-market/internal/logger"
	"github.com/leeky940926/p-market/internal/model"
)

const boardKey = "board:cheapest"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the cheapest-per-card board and per-card sell history. A
// committed transaction invalidates the keys of every card whose listings
// it touched; the TTL bounds staleness if an invalidation is lost.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary, then invalidate) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched map[int64]struct{}
	err := s.primary.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		ct := &cachedTx{Tx: tx, cards: make(map[int64]struct{})}
		if err := fn(ctx, ct); err != nil {
			return err
		}
		touched = ct.cards
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched)
	return nil
}

func (s *CachedStore) CreateCard(ctx context.Context, card *model.Card) error {
	return s.primary.CreateCard(ctx, card)
}

// cachedTx records the cards whose listings change inside a transaction.
type cachedTx struct {
	Tx
	cards map[int64]struct{}
}

func (t *cachedTx) InsertListing(ctx context.Context, l *model.Listing) error {
	if err := t.Tx.InsertListing(ctx, l); err != nil {
		return err
	}
	t.cards[l.CardID] = struct{}{}
	return nil
}

func (t *cachedTx) SaveListing(ctx context.Context, l *model.Listing, expected model.ListingState) error {
	if err := t.Tx.SaveListing(ctx, l, expected); err != nil {
		return err
	}
	t.cards[l.CardID] = struct{}{}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListCheapestPerCard(ctx context.Context) ([]model.ListingSummary, error) {
	data, err := s.rdb.Get(ctx, boardKey).Bytes()
	if err == nil {
		var board []model.ListingSummary
		if json.Unmarshal(data, &board) == nil {
			return board, nil
		}
	}

	// Cache miss.
	board, err := s.primary.ListCheapestPerCard(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(board); err == nil {
		s.rdb.Set(ctx, boardKey, data, s.ttl)
	}
	return board, nil
}

func (s *CachedStore) ListRecentSellHistory(ctx context.Context, cardID int64, limit int) ([]model.SellHistoryView, error) {
	key := historyKey(cardID)
	field := strconv.Itoa(limit)

	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var history []model.SellHistoryView
		if json.Unmarshal(data, &history) == nil {
			return history, nil
		}
	}

	// Cache miss.
	history, err := s.primary.ListRecentSellHistory(ctx, cardID, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(history); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.FromContext(ctx).Warn("failed to cache sell history", "card_id", cardID, "error", err)
		}
	}
	return history, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetCard(ctx context.Context, id int64) (*model.Card, error) {
	return s.primary.GetCard(ctx, id)
}

func (s *CachedStore) ListCards(ctx context.Context) ([]model.Card, error) {
	return s.primary.ListCards(ctx)
}

func (s *CachedStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) GetInventory(ctx context.Context, userID int64) ([]model.InventoryPosition, error) {
	return s.primary.GetInventory(ctx, userID)
}

func (s *CachedStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	return s.primary.GetListing(ctx, id)
}

func (s *CachedStore) ListPurchases(ctx context.Context, buyerID int64) ([]model.PurchaseView, error) {
	return s.primary.ListPurchases(ctx, buyerID)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, cards map[int64]struct{}) {
	if len(cards) == 0 {
		return
	}
	keys := make([]string, 0, len(cards)+1)
	keys = append(keys, boardKey)
	for cardID := range cards {
		keys = append(keys, historyKey(cardID))
	}
	// The request may already be gone; the commit is not.
	if err := s.rdb.Del(context.WithoutCancel(ctx), keys...).Err(); err != nil {
		logger.FromContext(ctx).Warn("failed to invalidate cache", "keys", keys, "error", err)
	}
}

func historyKey(cardID int64) string { return fmt.Sprintf("history:card:%d", cardID) }
