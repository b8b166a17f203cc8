package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeky940926/p-market/internal/account"
	"github.com/leeky940926/p-market/internal/catalog"
	"github.com/leeky940926/p-market/internal/events"
	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

// fakeClock hands out strictly increasing instants.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	t        *testing.T
	store    *store.MemoryStore
	accounts *account.Service
	engine   *Engine
	events   *recorder
	card     *model.Card
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	cat, err := catalog.New(st, 16)
	require.NoError(t, err)
	card, err := cat.Add(ctx, "C1")
	require.NoError(t, err)

	rec := &recorder{}
	clock := newFakeClock()
	eng, err := NewEngine(st, cat, cfg, WithClock(clock.Now), WithPublisher(rec))
	require.NoError(t, err)

	return &harness{t: t, store: st, accounts: account.NewService(st), engine: eng, events: rec, card: card}
}

// user onboards a user holding qty of the harness card and the given balance.
func (h *harness) user(email string, qty, bal int64) *model.User {
	h.t.Helper()
	ctx := context.Background()
	u, err := h.accounts.Onboard(ctx, email, email[:1])
	require.NoError(h.t, err)
	if qty > 0 {
		_, err = h.accounts.Grant(ctx, u.ID, h.card.ID, qty)
		require.NoError(h.t, err)
	}
	if bal > 0 {
		_, err = h.accounts.Deposit(ctx, u.ID, bal)
		require.NoError(h.t, err)
	}
	return u
}

func (h *harness) quantity(userID int64) int64 {
	h.t.Helper()
	inv, err := h.store.GetInventory(context.Background(), userID)
	require.NoError(h.t, err)
	for _, p := range inv {
		if p.CardID == h.card.ID {
			return p.Quantity
		}
	}
	h.t.Fatalf("user %d has no position for card %d", userID, h.card.ID)
	return 0
}

func (h *harness) balance(userID int64) int64 {
	h.t.Helper()
	b, err := h.store.GetBalance(context.Background(), userID)
	require.NoError(h.t, err)
	return b.Balance
}

// cardsInPlay is every unit of the harness card either held or reserved by
// an active listing.
func (h *harness) cardsInPlay(users ...*model.User) int64 {
	h.t.Helper()
	var total int64
	for _, u := range users {
		total += h.quantity(u.ID)
	}
	for id := int64(1); ; id++ {
		l, err := h.store.GetListing(context.Background(), id)
		if errors.Is(err, model.ErrNotFound) {
			break
		}
		require.NoError(h.t, err)
		if l.CardID == h.card.ID && l.DeletedAt == nil && l.State != model.StateSold {
			total += l.Quantity
		}
	}
	return total
}

func TestEngine_RegisterSellThenBuy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 5, 0)
	b := h.user("b@example.com", 0, 500)

	listed, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(20), listed.Fee)
	assert.Equal(t, model.StateSelling, listed.State)
	assert.Equal(t, int64(3), h.quantity(a.ID))

	sold, err := h.engine.ExecuteBuy(ctx, b.ID, h.card.ID)
	require.NoError(t, err)
	assert.Equal(t, listed.ID, sold.ID)
	assert.Equal(t, model.StateSold, sold.State)

	assert.Equal(t, int64(2), h.quantity(b.ID))
	assert.Equal(t, int64(380), h.balance(b.ID))
	assert.Equal(t, int64(120), h.balance(a.ID))

	stored, err := h.store.GetListing(ctx, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSold, stored.State)
	require.NotNil(t, stored.SoldAt)

	sales, err := h.engine.ListRecentSellHistory(ctx, h.card.ID, 0)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, int64(100), sales[0].Price)
	assert.Equal(t, "C1", sales[0].CardName)

	purchases, err := h.engine.ListPurchases(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, h.card.ID, purchases[0].CardID)

	assert.Equal(t, []string{events.TypeListingRegistered, events.TypeTradeSettled}, h.events.types())
	assert.Equal(t, b.ID, h.events.events[1].BuyerID)
}

func TestEngine_InsufficientBalanceRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 5, 0)
	b := h.user("b@example.com", 0, 50)

	listed, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 2, 100)
	require.NoError(t, err)

	_, err = h.engine.ExecuteBuy(ctx, b.ID, h.card.ID)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	assert.Equal(t, int64(50), h.balance(b.ID))
	assert.Zero(t, h.quantity(b.ID))
	assert.Equal(t, int64(3), h.quantity(a.ID))
	assert.Zero(t, h.balance(a.ID))

	stored, err := h.store.GetListing(ctx, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSelling, stored.State)
	assert.Nil(t, stored.SoldAt)

	sales, err := h.engine.ListRecentSellHistory(ctx, h.card.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, sales)
	purchases, err := h.engine.ListPurchases(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, purchases)

	assert.Equal(t, []string{events.TypeListingRegistered}, h.events.types())
}

func TestEngine_TieBreakPrefersMostRecentlyModified(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 5, 0)
	c := h.user("c@example.com", 5, 0)
	b := h.user("b@example.com", 0, 1000)

	_, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 1, 100)
	require.NoError(t, err)
	newer, err := h.engine.RegisterSell(ctx, c.ID, h.card.ID, 1, 100)
	require.NoError(t, err)

	board, err := h.engine.ListCheapestPerCard(ctx)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, newer.ID, board[0].ID)

	sold, err := h.engine.ExecuteBuy(ctx, b.ID, h.card.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, sold.ID)
}

func TestEngine_BuyerNeverMatchesOwnListing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 5, 1000)
	other := h.user("o@example.com", 5, 0)

	own, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 1, 10)
	require.NoError(t, err)

	_, err = h.engine.ExecuteBuy(ctx, a.ID, h.card.ID)
	assert.ErrorIs(t, err, model.ErrNoEligibleListing)

	theirs, err := h.engine.RegisterSell(ctx, other.ID, h.card.ID, 1, 500)
	require.NoError(t, err)

	sold, err := h.engine.ExecuteBuy(ctx, a.ID, h.card.ID)
	require.NoError(t, err)
	assert.Equal(t, theirs.ID, sold.ID)
	assert.NotEqual(t, own.ID, sold.ID)
}

func TestEngine_RegisterSellErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 2, 0)

	_, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 3, 100)
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)
	assert.ErrorIs(t, err, model.ErrInsufficientInventory)
	assert.Equal(t, int64(2), h.quantity(a.ID))

	_, err = h.engine.RegisterSell(ctx, a.ID, 999, 1, 100)
	assert.ErrorIs(t, err, model.ErrUnknownCard)

	_, err = h.engine.RegisterSell(ctx, a.ID, h.card.ID, 0, 100)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = h.engine.RegisterSell(ctx, a.ID, h.card.ID, 1, 0)
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.Empty(t, h.events.types())
}

func TestEngine_CancelListingReturnsStock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 5, 0)
	b := h.user("b@example.com", 0, 1000)

	listed, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.quantity(a.ID))

	_, err = h.engine.CancelListing(ctx, b.ID, listed.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	cancelled, err := h.engine.CancelListing(ctx, a.ID, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSelling, cancelled.State)
	assert.Equal(t, int64(5), h.quantity(a.ID))

	_, err = h.engine.ExecuteBuy(ctx, b.ID, h.card.ID)
	assert.ErrorIs(t, err, model.ErrNoEligibleListing)

	_, err = h.engine.CancelListing(ctx, a.ID, listed.ID)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	assert.Equal(t, []string{events.TypeListingRegistered, events.TypeListingCancelled}, h.events.types())
}

func TestEngine_SoldListingCannotBeCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 1, 0)
	b := h.user("b@example.com", 0, 1000)

	listed, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 1, 100)
	require.NoError(t, err)
	_, err = h.engine.ExecuteBuy(ctx, b.ID, h.card.ID)
	require.NoError(t, err)

	_, err = h.engine.CancelListing(ctx, a.ID, listed.ID)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
	assert.Zero(t, h.quantity(a.ID))
}

func TestEngine_ConservationAndNonNegativity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	a := h.user("a@example.com", 6, 300)
	b := h.user("b@example.com", 3, 300)
	c := h.user("c@example.com", 0, 300)
	users := []*model.User{a, b, c}

	start := h.cardsInPlay(users...)
	var money int64
	for _, u := range users {
		money += h.balance(u.ID)
	}

	steps := []func() error{
		func() error { _, err := h.engine.RegisterSell(ctx, a.ID, h.card.ID, 2, 50); return err },
		func() error { _, err := h.engine.RegisterSell(ctx, b.ID, h.card.ID, 3, 40); return err },
		func() error { _, err := h.engine.ExecuteBuy(ctx, c.ID, h.card.ID); return err },
		func() error { _, err := h.engine.RegisterSell(ctx, c.ID, h.card.ID, 9, 10); return err },
		func() error { _, err := h.engine.ExecuteBuy(ctx, c.ID, h.card.ID); return err },
		func() error { _, err := h.engine.ExecuteBuy(ctx, b.ID, h.card.ID); return err },
		func() error { _, err := h.engine.RegisterSell(ctx, c.ID, h.card.ID, 1, 1000); return err },
		func() error { _, err := h.engine.ExecuteBuy(ctx, a.ID, h.card.ID); return err },
		func() error { _, err := h.engine.CancelListing(ctx, c.ID, 3); return err },
	}
	for i, step := range steps {
		_ = step()
		assert.Equal(t, start, h.cardsInPlay(users...), "cards after step %d", i)

		var now int64
		for _, u := range users {
			assert.GreaterOrEqual(t, h.balance(u.ID), int64(0))
			assert.GreaterOrEqual(t, h.quantity(u.ID), int64(0))
			now += h.balance(u.ID)
		}
		assert.Equal(t, money, now, "currency after step %d", i)
	}
}

func TestEngine_ConcurrentBuysSettleOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	seller := h.user("s@example.com", 1, 0)

	const buyers = 12
	var ids []int64
	for i := 0; i < buyers; i++ {
		u := h.user(string(rune('a'+i))+"@buyers.example.com", 0, 1000)
		ids = append(ids, u.ID)
	}

	listed, err := h.engine.RegisterSell(ctx, seller.ID, h.card.ID, 1, 100)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(buyerID int64) {
			defer wg.Done()
			_, err := h.engine.ExecuteBuy(ctx, buyerID, h.card.ID)
			if err != nil {
				assert.True(t,
					errors.Is(err, model.ErrNoEligibleListing) || errors.Is(err, model.ErrContendedResource),
					"unexpected error: %v", err)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(120), h.balance(seller.ID))

	sales, err := h.engine.ListRecentSellHistory(ctx, h.card.ID, 100)
	require.NoError(t, err)
	require.Len(t, sales, 1)

	var bought int
	for _, id := range ids {
		purchases, err := h.engine.ListPurchases(ctx, id)
		require.NoError(t, err)
		for _, p := range purchases {
			assert.Equal(t, listed.CardID, p.CardID)
			assert.Equal(t, listed.Quantity, p.Quantity)
			bought++
		}
	}
	assert.Equal(t, 1, bought)
}

func TestEngine_RetainFeePolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cat, err := catalog.New(st, 0)
	require.NoError(t, err)
	card, err := cat.Add(ctx, "C1")
	require.NoError(t, err)

	accounts := account.NewService(st)
	platform, err := accounts.Onboard(ctx, "house@example.com", "house")
	require.NoError(t, err)
	seller, err := accounts.Onboard(ctx, "s@example.com", "s")
	require.NoError(t, err)
	buyer, err := accounts.Onboard(ctx, "b@example.com", "b")
	require.NoError(t, err)
	_, err = accounts.Grant(ctx, seller.ID, card.ID, 1)
	require.NoError(t, err)
	_, err = accounts.Deposit(ctx, buyer.ID, 1000)
	require.NoError(t, err)

	_, err = NewEngine(st, cat, Config{FeePolicy: FeeRetain})
	require.Error(t, err)

	eng, err := NewEngine(st, cat, Config{
		FeeRate:        decimal.RequireFromString("0.1"),
		FeePolicy:      FeeRetain,
		PlatformUserID: platform.ID,
	})
	require.NoError(t, err)

	_, err = eng.RegisterSell(ctx, seller.ID, card.ID, 1, 250)
	require.NoError(t, err)
	_, err = eng.ExecuteBuy(ctx, buyer.ID, card.ID)
	require.NoError(t, err)

	get := func(id int64) int64 {
		b, err := st.GetBalance(ctx, id)
		require.NoError(t, err)
		return b.Balance
	}
	assert.Equal(t, int64(1000-275), get(buyer.ID))
	assert.Equal(t, int64(250), get(seller.ID))
	assert.Equal(t, int64(25), get(platform.ID))
}

func TestEngine_HistoryForUnknownCard(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.ListRecentSellHistory(context.Background(), 42, 5)
	assert.ErrorIs(t, err, model.ErrUnknownCard)
}

func TestParseFeePolicy(t *testing.T) {
	p, err := ParseFeePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FeePassthrough, p)

	p, err = ParseFeePolicy(" Retain ")
	require.NoError(t, err)
	assert.Equal(t, FeeRetain, p)

	_, err = ParseFeePolicy("split")
	assert.Error(t, err)
}

func TestNewEngine_RejectsBadFeeRate(t *testing.T) {
	st := store.NewMemoryStore()
	cat, err := catalog.New(st, 0)
	require.NoError(t, err)

	_, err = NewEngine(st, cat, Config{FeeRate: decimal.NewFromInt(1)})
	assert.Error(t, err)
	_, err = NewEngine(st, cat, Config{FeeRate: decimal.RequireFromString("-0.1")})
	assert.Error(t, err)
}
