// Package catalog resolves card ids against the card catalog. Cards are
// immutable once created, so lookups are served from an LRU cache.
package catalog

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

// DefaultCacheSize is used when the configured size is not positive.
const DefaultCacheSize = 1024

// Catalog is the read side of the card catalog.
type Catalog struct {
	store store.Store
	cache *lru.Cache[int64, model.Card]
}

// New creates a catalog backed by st with room for size cached cards.
func New(st store.Store, size int) (*Catalog, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[int64, model.Card](size)
	if err != nil {
		return nil, fmt.Errorf("create card cache: %w", err)
	}
	return &Catalog{store: st, cache: cache}, nil
}

// Resolve returns the card with the given id, or model.ErrUnknownCard.
func (c *Catalog) Resolve(ctx context.Context, cardID int64) (*model.Card, error) {
	if cardID <= 0 {
		return nil, fmt.Errorf("%w: card id %d", model.ErrValidation, cardID)
	}
	if card, ok := c.cache.Get(cardID); ok {
		return &card, nil
	}

	card, err := c.store.GetCard(ctx, cardID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownCard, cardID)
	}
	if err != nil {
		return nil, fmt.Errorf("get card %d: %w", cardID, err)
	}

	c.cache.Add(cardID, *card)
	return card, nil
}

// List returns every catalog card ordered by id.
func (c *Catalog) List(ctx context.Context) ([]model.Card, error) {
	cards, err := c.store.ListCards(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	for _, card := range cards {
		c.cache.Add(card.ID, card)
	}
	return cards, nil
}

// Add creates a card. Existing users receive a zero position for it.
func (c *Catalog) Add(ctx context.Context, name string) (*model.Card, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: card name is required", model.ErrValidation)
	}
	card := &model.Card{Name: name}
	if err := c.store.CreateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("create card %q: %w", name, err)
	}
	c.cache.Add(card.ID, *card)
	return card, nil
}
