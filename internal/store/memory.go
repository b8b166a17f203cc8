package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leeky940926/p-market/internal/model"
)

// DefaultLockTimeout bounds how long a writer waits for the store.
const DefaultLockTimeout = 5 * time.Second

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Writers are serialized through a single slot; each transaction works on a
// copy of the state that replaces the committed state only on success, so
// readers never observe a partial transaction.
type MemoryStore struct {
	mu          sync.RWMutex
	state       *memState
	writer      chan struct{}
	lockTimeout time.Duration
}

type posKey struct {
	userID int64
	cardID int64
}

type memState struct {
	users     map[int64]model.User
	emails    map[string]int64
	cards     map[int64]model.Card
	positions map[posKey]model.InventoryPosition
	balances  map[int64]model.Balance
	listings  map[int64]model.Listing
	sells     []model.SellHistory
	buys      []model.BuyHistory

	nextUser, nextCard, nextListing, nextSell, nextBuy int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users:     make(map[int64]model.User),
			emails:    make(map[string]int64),
			cards:     make(map[int64]model.Card),
			positions: make(map[posKey]model.InventoryPosition),
			balances:  make(map[int64]model.Balance),
			listings:  make(map[int64]model.Listing),
		},
		writer:      make(chan struct{}, 1),
		lockTimeout: DefaultLockTimeout,
	}
}

// SetLockTimeout changes how long WithTx waits for the writer slot.
func (s *MemoryStore) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.writer }()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memoryTx{st: work}); err != nil {
		return err
	}
	// An abandoned request never commits.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: write lock not acquired within %s", model.ErrContendedResource, s.lockTimeout)
	}
}

// --- Catalog ---

func (s *MemoryStore) CreateCard(ctx context.Context, card *model.Card) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.writer }()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.nextCard++
	card.ID = st.nextCard
	stamp(&card.Timestamps, time.Now().UTC())
	st.cards[card.ID] = *card

	for userID := range st.users {
		k := posKey{userID: userID, cardID: card.ID}
		st.positions[k] = model.InventoryPosition{UserID: userID, CardID: card.ID, Timestamps: card.Timestamps}
	}
	return nil
}

func (s *MemoryStore) GetCard(_ context.Context, id int64) (*model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.state.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %d: %w", id, model.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListCards(_ context.Context) ([]model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cards := make([]model.Card, 0, len(s.state.cards))
	for _, c := range s.state.cards {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	return cards, nil
}

// --- Accounts ---

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.state.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, model.ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID int64) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.state.balances[userID]
	if !ok {
		return nil, fmt.Errorf("balance of user %d: %w", userID, model.ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) GetInventory(_ context.Context, userID int64) ([]model.InventoryPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.state.users[userID]; !ok {
		return nil, fmt.Errorf("user %d: %w", userID, model.ErrNotFound)
	}

	var result []model.InventoryPosition
	for k, p := range s.state.positions {
		if k.userID == userID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CardID < result[j].CardID })
	return result, nil
}

// --- Listings and history ---

func (s *MemoryStore) GetListing(_ context.Context, id int64) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.state.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, model.ErrNotFound)
	}
	return &l, nil
}

func (s *MemoryStore) ListCheapestPerCard(_ context.Context) ([]model.ListingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := make(map[int64]model.Listing)
	for _, l := range s.state.listings {
		if !l.Eligible() {
			continue
		}
		if cur, ok := best[l.CardID]; !ok || cheaper(&l, &cur) {
			best[l.CardID] = l
		}
	}

	result := make([]model.ListingSummary, 0, len(best))
	for _, l := range best {
		result = append(result, model.ListingSummary{
			ID:        l.ID,
			CreatedAt: l.CreatedAt,
			CardID:    l.CardID,
			CardName:  s.state.cards[l.CardID].Name,
			Price:     l.Price,
			Fee:       l.Fee,
			Quantity:  l.Quantity,
			SellerID:  l.SellerID,
			Nickname:  s.state.users[l.SellerID].Nickname,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CardID < result[j].CardID })
	return result, nil
}

func (s *MemoryStore) ListRecentSellHistory(_ context.Context, cardID int64, limit int) ([]model.SellHistoryView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SellHistoryView
	for _, h := range s.state.sells {
		l := s.state.listings[h.ListingID]
		if l.CardID != cardID {
			continue
		}
		result = append(result, model.SellHistoryView{
			ID:        h.ID,
			CreatedAt: h.CreatedAt,
			Price:     l.Price,
			Fee:       l.Fee,
			Quantity:  l.Quantity,
			SoldAt:    l.SoldAt,
			CardID:    l.CardID,
			CardName:  s.state.cards[l.CardID].Name,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListPurchases(_ context.Context, buyerID int64) ([]model.PurchaseView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PurchaseView
	for _, h := range s.state.buys {
		if h.BuyerID != buyerID {
			continue
		}
		l := s.state.listings[h.ListingID]
		result = append(result, model.PurchaseView{
			ID:        h.ID,
			CreatedAt: h.CreatedAt,
			CardID:    l.CardID,
			Quantity:  l.Quantity,
			Price:     l.Price,
			Fee:       l.Fee,
			UserID:    h.BuyerID,
			Nickname:  s.state.users[h.BuyerID].Nickname,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

// --- Transaction ---

// memoryTx mutates a private copy of the state owned by one WithTx call.
type memoryTx struct {
	st *memState
}

func (t *memoryTx) ProvisionUser(_ context.Context, u *model.User) error {
	if _, dup := t.st.emails[u.Email]; dup {
		return fmt.Errorf("user %s: %w", u.Email, model.ErrAlreadyExists)
	}
	t.st.nextUser++
	u.ID = t.st.nextUser
	if u.CreatedAt.IsZero() {
		stamp(&u.Timestamps, time.Now().UTC())
	}
	t.st.users[u.ID] = *u
	t.st.emails[u.Email] = u.ID
	t.st.balances[u.ID] = model.Balance{UserID: u.ID, Timestamps: u.Timestamps}
	for cardID := range t.st.cards {
		t.st.positions[posKey{userID: u.ID, cardID: cardID}] = model.InventoryPosition{
			UserID: u.ID, CardID: cardID, Timestamps: u.Timestamps,
		}
	}
	return nil
}

func (t *memoryTx) AdjustInventory(_ context.Context, userID, cardID, delta int64, at time.Time) (int64, error) {
	k := posKey{userID: userID, cardID: cardID}
	p, ok := t.st.positions[k]
	if !ok {
		return 0, fmt.Errorf("user %d card %d: %w", userID, cardID, model.ErrUnknownPosition)
	}
	if p.Quantity+delta < 0 {
		return 0, fmt.Errorf("user %d card %d holds %d, needs %d: %w",
			userID, cardID, p.Quantity, -delta, model.ErrInsufficientInventory)
	}
	p.Quantity += delta
	p.ModifiedAt = at
	t.st.positions[k] = p
	return p.Quantity, nil
}

func (t *memoryTx) AdjustBalance(_ context.Context, userID, delta int64, at time.Time) (int64, error) {
	b, ok := t.st.balances[userID]
	if !ok {
		return 0, fmt.Errorf("balance of user %d: %w", userID, model.ErrNotFound)
	}
	if b.Balance+delta < 0 {
		return 0, fmt.Errorf("user %d has %d, needs %d: %w",
			userID, b.Balance, -delta, model.ErrInsufficientBalance)
	}
	b.Balance += delta
	b.ModifiedAt = at
	t.st.balances[userID] = b
	return b.Balance, nil
}

func (t *memoryTx) InsertListing(_ context.Context, l *model.Listing) error {
	t.st.nextListing++
	l.ID = t.st.nextListing
	t.st.listings[l.ID] = *l
	return nil
}

func (t *memoryTx) LockCheapestEligible(_ context.Context, cardID, excludeUserID int64) (*model.Listing, error) {
	var best *model.Listing
	for _, l := range t.st.listings {
		if l.CardID != cardID || l.SellerID == excludeUserID || !l.Eligible() {
			continue
		}
		if best == nil || cheaper(&l, best) {
			c := l
			best = &c
		}
	}
	return best, nil
}

func (t *memoryTx) LockListing(_ context.Context, id int64) (*model.Listing, error) {
	l, ok := t.st.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, model.ErrNotFound)
	}
	return &l, nil
}

func (t *memoryTx) SaveListing(_ context.Context, l *model.Listing, expected model.ListingState) error {
	cur, ok := t.st.listings[l.ID]
	if !ok {
		return fmt.Errorf("listing %d: %w", l.ID, model.ErrNotFound)
	}
	if cur.State != expected {
		return fmt.Errorf("listing %d is %s, expected %s: %w", l.ID, cur.State, expected, model.ErrContendedResource)
	}
	cur.State = l.State
	cur.DeletedAt = l.DeletedAt
	cur.SoldAt = l.SoldAt
	cur.ModifiedAt = l.ModifiedAt
	t.st.listings[l.ID] = cur
	return nil
}

func (t *memoryTx) InsertSellHistory(_ context.Context, h *model.SellHistory) error {
	for _, existing := range t.st.sells {
		if existing.ListingID == h.ListingID {
			return fmt.Errorf("sell history for listing %d: %w", h.ListingID, model.ErrAlreadyExists)
		}
	}
	t.st.nextSell++
	h.ID = t.st.nextSell
	t.st.sells = append(t.st.sells, *h)
	return nil
}

func (t *memoryTx) InsertBuyHistory(_ context.Context, h *model.BuyHistory) error {
	for _, existing := range t.st.buys {
		if existing.ListingID == h.ListingID {
			return fmt.Errorf("buy history for listing %d: %w", h.ListingID, model.ErrAlreadyExists)
		}
	}
	t.st.nextBuy++
	h.ID = t.st.nextBuy
	t.st.buys = append(t.st.buys, *h)
	return nil
}

// --- Helpers ---

// cheaper orders listings by price ascending, then most recently modified,
// then highest id.
func cheaper(a, b *model.Listing) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		return a.ModifiedAt.After(b.ModifiedAt)
	}
	return a.ID > b.ID
}

func stamp(ts *model.Timestamps, at time.Time) {
	ts.CreatedAt = at
	ts.ModifiedAt = at
}

func (st *memState) clone() *memState {
	c := &memState{
		users:       make(map[int64]model.User, len(st.users)),
		emails:      make(map[string]int64, len(st.emails)),
		cards:       make(map[int64]model.Card, len(st.cards)),
		positions:   make(map[posKey]model.InventoryPosition, len(st.positions)),
		balances:    make(map[int64]model.Balance, len(st.balances)),
		listings:    make(map[int64]model.Listing, len(st.listings)),
		sells:       append([]model.SellHistory(nil), st.sells...),
		buys:        append([]model.BuyHistory(nil), st.buys...),
		nextUser:    st.nextUser,
		nextCard:    st.nextCard,
		nextListing: st.nextListing,
		nextSell:    st.nextSell,
		nextBuy:     st.nextBuy,
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.emails {
		c.emails[k] = v
	}
	for k, v := range st.cards {
		c.cards[k] = v
	}
	for k, v := range st.positions {
		c.positions[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.listings {
		c.listings[k] = v
	}
	return c
}
