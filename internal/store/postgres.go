package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leeky940926/p-market/internal/logger"
	"github.com/leeky940926/p-market/internal/model"
)

// SQLSTATE codes the store translates into domain errors.
const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgForeignKeyViolation  = "23503"
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
)

const listingColumns = `id, card_id, seller_id, price, fee, quantity, state,
	deleted_at, sold_at, created_at, modified_at`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Transactions run at READ COMMITTED with a local lock_timeout; rows read
// for a later write are locked with FOR UPDATE or by the UPDATE itself, and
// the non-negative invariants are CHECK constraints.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. A zero lockTimeout
// leaves the server default in place.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer safeRollback(ctx, tx)

	if s.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// safeRollback rolls back a transaction and logs any error that isn't ErrTxClosed.
func safeRollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.FromContext(ctx).Error("failed to rollback transaction", "error", err)
	}
}

// --- Catalog ---

func (s *PostgresStore) CreateCard(ctx context.Context, card *model.Card) error {
	return s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		t := tx.(*pgTx).tx
		now := time.Now().UTC()
		err := t.QueryRow(ctx,
			`INSERT INTO cards (name, created_at, modified_at) VALUES ($1, $2, $2)
			 RETURNING id, created_at, modified_at`,
			card.Name, now,
		).Scan(&card.ID, &card.CreatedAt, &card.ModifiedAt)
		if err != nil {
			return fmt.Errorf("insert card: %w", err)
		}

		_, err = t.Exec(ctx,
			`INSERT INTO inventory_positions (user_id, card_id, quantity, created_at, modified_at)
			 SELECT id, $1, 0, $2, $2 FROM users`,
			card.ID, now,
		)
		if err != nil {
			return fmt.Errorf("provision positions for card %d: %w", card.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) GetCard(ctx context.Context, id int64) (*model.Card, error) {
	var c model.Card
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, modified_at FROM cards WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("card %d", id), err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCards(ctx context.Context) ([]model.Card, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at, modified_at FROM cards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []model.Card
	for rows.Next() {
		var c model.Card
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.ModifiedAt); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// --- Accounts ---

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, nickname, created_at, modified_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Nickname, &u.CreatedAt, &u.ModifiedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("user %d", id), err)
	}
	return &u, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	var b model.Balance
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, created_at, modified_at FROM balances WHERE user_id = $1`, userID).
		Scan(&b.UserID, &b.Balance, &b.CreatedAt, &b.ModifiedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("balance of user %d", userID), err)
	}
	return &b, nil
}

func (s *PostgresStore) GetInventory(ctx context.Context, userID int64) ([]model.InventoryPosition, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, card_id, quantity, created_at, modified_at
		 FROM inventory_positions WHERE user_id = $1 ORDER BY card_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("get inventory of user %d: %w", userID, err)
	}
	defer rows.Close()

	var positions []model.InventoryPosition
	for rows.Next() {
		var p model.InventoryPosition
		if err := rows.Scan(&p.UserID, &p.CardID, &p.Quantity, &p.CreatedAt, &p.ModifiedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Listings and history ---

func (s *PostgresStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(fmt.Sprintf("listing %d", id), err)
	}
	return l, nil
}

func (s *PostgresStore) ListCheapestPerCard(ctx context.Context) ([]model.ListingSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (l.card_id)
		        l.id, l.created_at, l.card_id, c.name, l.price, l.fee, l.quantity, l.seller_id, u.nickname
		 FROM listings l
		 JOIN cards c ON c.id = l.card_id
		 JOIN users u ON u.id = l.seller_id
		 WHERE l.state = 'selling' AND l.deleted_at IS NULL
		 ORDER BY l.card_id, l.price ASC, l.modified_at DESC, l.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cheapest listings: %w", err)
	}
	defer rows.Close()

	var result []model.ListingSummary
	for rows.Next() {
		var v model.ListingSummary
		if err := rows.Scan(&v.ID, &v.CreatedAt, &v.CardID, &v.CardName,
			&v.Price, &v.Fee, &v.Quantity, &v.SellerID, &v.Nickname); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListRecentSellHistory(ctx context.Context, cardID int64, limit int) ([]model.SellHistoryView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sh.id, sh.created_at, l.price, l.fee, l.quantity, l.sold_at, c.id, c.name
		 FROM sell_history sh
		 JOIN listings l ON l.id = sh.listing_id
		 JOIN cards c ON c.id = l.card_id
		 WHERE l.card_id = $1
		 ORDER BY sh.created_at DESC, sh.id DESC
		 LIMIT $2`, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sell history of card %d: %w", cardID, err)
	}
	defer rows.Close()

	var result []model.SellHistoryView
	for rows.Next() {
		var v model.SellHistoryView
		if err := rows.Scan(&v.ID, &v.CreatedAt, &v.Price, &v.Fee, &v.Quantity,
			&v.SoldAt, &v.CardID, &v.CardName); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListPurchases(ctx context.Context, buyerID int64) ([]model.PurchaseView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bh.id, bh.created_at, l.card_id, l.quantity, l.price, l.fee, u.id, u.nickname
		 FROM buy_history bh
		 JOIN listings l ON l.id = bh.listing_id
		 JOIN users u ON u.id = bh.buyer_id
		 WHERE bh.buyer_id = $1
		 ORDER BY bh.id DESC`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list purchases of user %d: %w", buyerID, err)
	}
	defer rows.Close()

	var result []model.PurchaseView
	for rows.Next() {
		var v model.PurchaseView
		if err := rows.Scan(&v.ID, &v.CreatedAt, &v.CardID, &v.Quantity,
			&v.Price, &v.Fee, &v.UserID, &v.Nickname); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// --- Transaction ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ProvisionUser(ctx context.Context, u *model.User) error {
	now := time.Now().UTC()
	err := t.tx.QueryRow(ctx,
		`INSERT INTO users (email, nickname, created_at, modified_at) VALUES ($1, $2, $3, $3)
		 RETURNING id, created_at, modified_at`,
		u.Email, u.Nickname, now,
	).Scan(&u.ID, &u.CreatedAt, &u.ModifiedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("user %s: %w", u.Email, model.ErrAlreadyExists)
		}
		return classify(fmt.Errorf("insert user: %w", err))
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO balances (user_id, balance, created_at, modified_at) VALUES ($1, 0, $2, $2)`,
		u.ID, now); err != nil {
		return classify(fmt.Errorf("provision balance of user %d: %w", u.ID, err))
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_positions (user_id, card_id, quantity, created_at, modified_at)
		 SELECT $1, id, 0, $2, $2 FROM cards`,
		u.ID, now); err != nil {
		return classify(fmt.Errorf("provision positions of user %d: %w", u.ID, err))
	}
	return nil
}

func (t *pgTx) AdjustInventory(ctx context.Context, userID, cardID, delta int64, at time.Time) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx,
		`UPDATE inventory_positions SET quantity = quantity + $3, modified_at = $4
		 WHERE user_id = $1 AND card_id = $2
		 RETURNING quantity`,
		userID, cardID, delta, at,
	).Scan(&qty)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("user %d card %d: %w", userID, cardID, model.ErrUnknownPosition)
	case pgCode(err) == pgCheckViolation:
		return 0, fmt.Errorf("user %d card %d cannot give %d: %w", userID, cardID, -delta, model.ErrInsufficientInventory)
	case err != nil:
		return 0, classify(fmt.Errorf("adjust inventory of user %d card %d: %w", userID, cardID, err))
	}
	return qty, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID, delta int64, at time.Time) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		`UPDATE balances SET balance = balance + $2, modified_at = $3
		 WHERE user_id = $1
		 RETURNING balance`,
		userID, delta, at,
	).Scan(&balance)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("balance of user %d: %w", userID, model.ErrNotFound)
	case pgCode(err) == pgCheckViolation:
		return 0, fmt.Errorf("user %d cannot pay %d: %w", userID, -delta, model.ErrInsufficientBalance)
	case err != nil:
		return 0, classify(fmt.Errorf("adjust balance of user %d: %w", userID, err))
	}
	return balance, nil
}

func (t *pgTx) InsertListing(ctx context.Context, l *model.Listing) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO listings (card_id, seller_id, price, fee, quantity, state, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		l.CardID, l.SellerID, l.Price, l.Fee, l.Quantity, string(l.State), l.CreatedAt, l.ModifiedAt,
	).Scan(&l.ID)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("listing for card %d by user %d: %w", l.CardID, l.SellerID, model.ErrNotFound)
		}
		return classify(fmt.Errorf("insert listing: %w", err))
	}
	return nil
}

func (t *pgTx) LockCheapestEligible(ctx context.Context, cardID, excludeUserID int64) (*model.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+`
		 FROM listings
		 WHERE card_id = $1 AND seller_id <> $2 AND state = 'selling' AND deleted_at IS NULL
		 ORDER BY price ASC, modified_at DESC, id DESC
		 LIMIT 1
		 FOR UPDATE`,
		cardID, excludeUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("lock cheapest listing of card %d: %w", cardID, err))
	}
	return l, nil
}

func (t *pgTx) LockListing(ctx context.Context, id int64) (*model.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, classify(notFound(fmt.Sprintf("listing %d", id), err))
	}
	return l, nil
}

func (t *pgTx) SaveListing(ctx context.Context, l *model.Listing, expected model.ListingState) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings SET state = $2, deleted_at = $3, sold_at = $4, modified_at = $5
		 WHERE id = $1 AND state = $6`,
		l.ID, string(l.State), l.DeletedAt, l.SoldAt, l.ModifiedAt, string(expected),
	)
	if err != nil {
		return classify(fmt.Errorf("save listing %d: %w", l.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %d no longer %s: %w", l.ID, expected, model.ErrContendedResource)
	}
	return nil
}

func (t *pgTx) InsertSellHistory(ctx context.Context, h *model.SellHistory) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO sell_history (listing_id, created_at, modified_at) VALUES ($1, $2, $2) RETURNING id`,
		h.ListingID, h.CreatedAt,
	).Scan(&h.ID)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("sell history for listing %d: %w", h.ListingID, model.ErrAlreadyExists)
		}
		return classify(fmt.Errorf("insert sell history: %w", err))
	}
	return nil
}

func (t *pgTx) InsertBuyHistory(ctx context.Context, h *model.BuyHistory) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO buy_history (listing_id, buyer_id, created_at, modified_at) VALUES ($1, $2, $3, $3) RETURNING id`,
		h.ListingID, h.BuyerID, h.CreatedAt,
	).Scan(&h.ID)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("buy history for listing %d: %w", h.ListingID, model.ErrAlreadyExists)
		}
		return classify(fmt.Errorf("insert buy history: %w", err))
	}
	return nil
}

// --- Helpers ---

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var state string
	if err := row.Scan(&l.ID, &l.CardID, &l.SellerID, &l.Price, &l.Fee, &l.Quantity, &state,
		&l.DeletedAt, &l.SoldAt, &l.CreatedAt, &l.ModifiedAt); err != nil {
		return nil, err
	}
	l.State = model.ListingState(state)
	return &l, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify marks lock timeouts, deadlocks and serialization failures as
// retryable contention.
func classify(err error) error {
	switch pgCode(err) {
	case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure:
		return fmt.Errorf("%w: %w", model.ErrContendedResource, err)
	}
	return err
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}
