// Package account onboards users and reads their balances and holdings.
package account

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/leeky940926/p-market/internal/balance"
	"github.com/leeky940926/p-market/internal/inventory"
	"github.com/leeky940926/p-market/internal/logger"
	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/store"
)

const maxNicknameLen = 30

// Service manages user accounts.
type Service struct {
	store     store.Store
	balances  *balance.Manager
	inventory *inventory.Manager
	now       func() time.Time
}

// NewService creates an account service over st.
func NewService(st store.Store) *Service {
	return &Service{
		store:     st,
		balances:  balance.NewManager(),
		inventory: inventory.NewManager(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Onboard creates a user with a zero balance and a zero position for every
// catalog card, all in one transaction.
func (s *Service) Onboard(ctx context.Context, email, nickname string) (*model.User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email %q", model.ErrValidation, email)
	}
	if len(nickname) > maxNicknameLen {
		return nil, fmt.Errorf("%w: nickname longer than %d characters", model.ErrValidation, maxNicknameLen)
	}

	at := s.now()
	u := &model.User{
		Email:      strings.ToLower(addr.Address),
		Nickname:   nickname,
		Timestamps: model.Timestamps{CreatedAt: at, ModifiedAt: at},
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.ProvisionUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("user onboarded", "user_id", u.ID, "nickname", u.Nickname)
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, userID int64) (*model.User, error) {
	return s.store.GetUser(ctx, userID)
}

// Balance returns a user's balance.
func (s *Service) Balance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// Inventory returns every card position of a user.
func (s *Service) Inventory(ctx context.Context, userID int64) ([]model.InventoryPosition, error) {
	positions, err := s.store.GetInventory(ctx, userID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.InventoryPosition{}
	}
	return positions, nil
}

// Deposit credits currency to a user. Used by operators to fund accounts.
func (s *Service) Deposit(ctx context.Context, userID, amount int64) (*model.Balance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive, got %d", model.ErrValidation, amount)
	}

	var left int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		left, err = s.balances.Credit(ctx, tx, userID, amount, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("balance deposited", "user_id", userID, "amount", amount, "balance", left)
	return &model.Balance{UserID: userID, Balance: left}, nil
}

// Grant adds cards to a user's inventory. Used by operators to stock accounts.
func (s *Service) Grant(ctx context.Context, userID, cardID, quantity int64) (*model.InventoryPosition, error) {
	var held int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		held, err = s.inventory.Increment(ctx, tx, userID, cardID, quantity, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("cards granted", "user_id", userID, "card_id", cardID, "quantity", quantity)
	return &model.InventoryPosition{UserID: userID, CardID: cardID, Quantity: held}, nil
}
