package listing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

func newFixture(t *testing.T) (*store.MemoryStore, *Registry, []*model.User) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateCard(ctx, &model.Card{Name: "Pikachu"}))

	var users []*model.User
	for _, email := range []string{"a@example.com", "b@example.com"} {
		u := &model.User{Email: email, Nickname: email}
		require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.ProvisionUser(ctx, u)
		}))
		users = append(users, u)
	}
	return st, NewRegistry(decimal.Zero), users
}

func create(t *testing.T, st store.Store, r *Registry, sellerID, price int64, at time.Time) *model.Listing {
	t.Helper()
	var l *model.Listing
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		l, err = r.CreateListing(ctx, tx, sellerID, 1, 1, price, at)
		return err
	}))
	return l
}

func TestRegistry_CreateListingComputesFee(t *testing.T) {
	st, r, users := newFixture(t)
	assert.True(t, r.FeeRate().Equal(model.DefaultFeeRate))

	l := create(t, st, r, users[0].ID, 1000, time.Now())
	assert.Equal(t, int64(200), l.Fee)
	assert.Equal(t, model.StateSelling, l.State)
	assert.True(t, l.Eligible())

	custom := NewRegistry(decimal.RequireFromString("0.05"))
	l = create(t, st, custom, users[0].ID, 999, time.Now())
	assert.Equal(t, int64(49), l.Fee)
}

func TestRegistry_CreateListingValidation(t *testing.T) {
	st, r, users := newFixture(t)

	for _, tc := range []struct{ qty, price int64 }{{0, 10}, {-1, 10}, {1, 0}, {1, -5}} {
		err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, err := r.CreateListing(ctx, tx, users[0].ID, 1, tc.qty, tc.price, time.Now())
			return err
		})
		assert.ErrorIs(t, err, model.ErrValidation, "qty=%d price=%d", tc.qty, tc.price)
	}
}

func TestRegistry_FindCheapestEligible(t *testing.T) {
	st, r, users := newFixture(t)
	seller, buyer := users[0], users[1]

	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := r.FindCheapestEligible(ctx, tx, 1, buyer.ID)
		return err
	})
	assert.ErrorIs(t, err, model.ErrNoEligibleListing)

	t0 := time.Now()
	create(t, st, r, seller.ID, 300, t0)
	want := create(t, st, r, seller.ID, 100, t0)

	// The seller never matches their own listing.
	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := r.FindCheapestEligible(ctx, tx, 1, seller.ID)
		return err
	})
	assert.ErrorIs(t, err, model.ErrNoEligibleListing)

	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, err := r.FindCheapestEligible(ctx, tx, 1, buyer.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestRegistry_Lifecycle(t *testing.T) {
	st, r, users := newFixture(t)
	l := create(t, st, r, users[0].ID, 100, time.Now())

	soldAt := time.Now().Add(time.Second)
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := r.MarkTrading(ctx, tx, l, soldAt); err != nil {
			return err
		}
		return r.MarkSold(ctx, tx, l, soldAt)
	})
	require.NoError(t, err)

	stored, err := st.GetListing(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSold, stored.State)
	require.NotNil(t, stored.SoldAt)
	assert.True(t, soldAt.Equal(*stored.SoldAt))

	// Sold listings cannot go back.
	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return r.MarkTrading(ctx, tx, stored, time.Now())
	})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestRegistry_Cancel(t *testing.T) {
	st, r, users := newFixture(t)
	owner, stranger := users[0], users[1]
	l := create(t, st, r, owner.ID, 100, time.Now())

	cancel := func(sellerID, listingID int64) error {
		return st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, err := r.Cancel(ctx, tx, sellerID, listingID, time.Now())
			return err
		})
	}

	assert.ErrorIs(t, cancel(stranger.ID, l.ID), model.ErrNotFound)
	assert.ErrorIs(t, cancel(owner.ID, 999), model.ErrNotFound)
	require.NoError(t, cancel(owner.ID, l.ID))
	assert.ErrorIs(t, cancel(owner.ID, l.ID), model.ErrIllegalTransition)

	board, err := r.ListCheapestPerCard(context.Background(), st)
	require.NoError(t, err)
	assert.Empty(t, board)
	assert.NotNil(t, board)
}
