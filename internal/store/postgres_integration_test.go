package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/leeky940926/p-market/internal/account"
	"github.com/leeky940926/p-market/internal/catalog"
	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/settlement"
	"github.com/leeky940926/p-market/internal/store"
)

// startPostgres boots a throwaway database with the schema applied. The test
// is skipped when Docker is unavailable.
func startPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	var pgContainer *postgres.PostgresContainer
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("Skipping integration test due to panic (likely Docker issue): %v", r)
			}
		}()
		pgContainer, err = postgres.Run(ctx,
			"postgres:15-alpine",
			postgres.WithDatabase("pmarket"),
			postgres.WithUsername("pmarket"),
			postgres.WithPassword("pmarket"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
	}()
	if err != nil {
		t.Skipf("Skipping integration test, postgres container unavailable: %v", err)
	}
	if pgContainer == nil {
		return nil
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, store.Migrate(ctx, pool))
	return store.NewPostgresStore(pool, 2*time.Second)
}

func onboard(t *testing.T, accounts *account.Service, n int) []*model.User {
	t.Helper()
	users := make([]*model.User, n)
	for i := range users {
		u, err := accounts.Onboard(context.Background(), fmt.Sprintf("user%d@example.com", i), fmt.Sprintf("user%d", i))
		require.NoError(t, err)
		users[i] = u
	}
	return users
}

func TestPostgresStore_Provisioning(t *testing.T) {
	st := startPostgres(t)
	if st == nil {
		return
	}
	ctx := context.Background()
	accounts := account.NewService(st)

	first := &model.Card{Name: "Pikachu"}
	require.NoError(t, st.CreateCard(ctx, first))

	users := onboard(t, accounts, 1)

	second := &model.Card{Name: "Eevee"}
	require.NoError(t, st.CreateCard(ctx, second))

	inv, err := st.GetInventory(ctx, users[0].ID)
	require.NoError(t, err)
	require.Len(t, inv, 2)
	assert.Equal(t, first.ID, inv[0].CardID)
	assert.Equal(t, second.ID, inv[1].CardID)

	bal, err := st.GetBalance(ctx, users[0].ID)
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)

	_, err = accounts.Onboard(ctx, "USER0@example.com", "again")
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	_, err = st.GetUser(ctx, 9999)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgresStore_NonNegativeConstraints(t *testing.T) {
	st := startPostgres(t)
	if st == nil {
		return
	}
	ctx := context.Background()

	card := &model.Card{Name: "Pikachu"}
	require.NoError(t, st.CreateCard(ctx, card))
	users := onboard(t, account.NewService(st), 1)
	uid := users[0].ID
	now := time.Now().UTC()

	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustBalance(ctx, uid, -1, now)
		return err
	})
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	err = st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustInventory(ctx, uid, card.ID, -1, now)
		return err
	})
	assert.ErrorIs(t, err, model.ErrInsufficientInventory)

	err = st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustInventory(ctx, uid, card.ID+100, 1, now)
		return err
	})
	assert.ErrorIs(t, err, model.ErrUnknownPosition)

	// A failed step rolls back the steps before it.
	err = st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AdjustBalance(ctx, uid, 500, now); err != nil {
			return err
		}
		_, err := tx.AdjustInventory(ctx, uid, card.ID, -1, now)
		return err
	})
	require.Error(t, err)
	bal, err := st.GetBalance(ctx, uid)
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)
}

func TestPostgresStore_CheapestAndCAS(t *testing.T) {
	st := startPostgres(t)
	if st == nil {
		return
	}
	ctx := context.Background()

	card := &model.Card{Name: "Pikachu"}
	require.NoError(t, st.CreateCard(ctx, card))
	users := onboard(t, account.NewService(st), 3)
	base := time.Now().UTC().Truncate(time.Millisecond)

	insert := func(seller int64, price int64, at time.Time) *model.Listing {
		l := &model.Listing{
			CardID:     card.ID,
			SellerID:   seller,
			Price:      price,
			Fee:        model.ComputeFee(price, model.DefaultFeeRate),
			Quantity:   1,
			State:      model.StateSelling,
			Timestamps: model.Timestamps{CreatedAt: at, ModifiedAt: at},
		}
		require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertListing(ctx, l)
		}))
		return l
	}
	older := insert(users[0].ID, 100, base)
	newer := insert(users[1].ID, 100, base.Add(time.Second))
	insert(users[1].ID, 300, base)

	var got *model.Listing
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		got, err = tx.LockCheapestEligible(ctx, card.ID, users[2].ID)
		return err
	}))
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		got, err = tx.LockCheapestEligible(ctx, card.ID, users[1].ID)
		return err
	}))
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID)

	board, err := st.ListCheapestPerCard(ctx)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, newer.ID, board[0].ID)

	// A save that expects a stale state is contention.
	err = st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.LockListing(ctx, older.ID)
		if err != nil {
			return err
		}
		if err := l.MarkTrading(base); err != nil {
			return err
		}
		return tx.SaveListing(ctx, l, model.StateTrading)
	})
	assert.ErrorIs(t, err, model.ErrContendedResource)
}

func TestPostgresStore_ConcurrentBuyersSettleOnce(t *testing.T) {
	st := startPostgres(t)
	if st == nil {
		return
	}
	ctx := context.Background()

	cat, err := catalog.New(st, 0)
	require.NoError(t, err)
	card, err := cat.Add(ctx, "Pikachu")
	require.NoError(t, err)

	accounts := account.NewService(st)
	users := onboard(t, accounts, 9)
	seller, buyers := users[0], users[1:]

	_, err = accounts.Grant(ctx, seller.ID, card.ID, 1)
	require.NoError(t, err)
	for _, b := range buyers {
		_, err := accounts.Deposit(ctx, b.ID, 1000)
		require.NoError(t, err)
	}

	engine, err := settlement.NewEngine(st, cat, settlement.Config{})
	require.NoError(t, err)
	listed, err := engine.RegisterSell(ctx, seller.ID, card.ID, 1, 500)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var settled, failed int
	for _, b := range buyers {
		wg.Add(1)
		go func(buyerID int64) {
			defer wg.Done()
			_, err := engine.ExecuteBuy(ctx, buyerID, card.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				settled++
			case errors.Is(err, model.ErrNoEligibleListing), errors.Is(err, model.ErrContendedResource):
				failed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(b.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, len(buyers)-1, failed)

	l, err := st.GetListing(ctx, listed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSold, l.State)

	sales, err := engine.ListRecentSellHistory(ctx, card.ID, 0)
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	sellerBal, err := st.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), sellerBal.Balance)

	var total int64
	for _, b := range buyers {
		bal, err := st.GetBalance(ctx, b.ID)
		require.NoError(t, err)
		total += bal.Balance
	}
	assert.Equal(t, int64(len(buyers))*1000-600, total)
}
