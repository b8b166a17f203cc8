// Package trade provides the HTTP handlers for onboarding users, listing
// cards for sale, buying at the cheapest price, and querying balances,
// inventories and trade history.
//
// Money and quantities are whole units (int64); the fee rate is a decimal.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leeky940926/p-market/internal/account"
	"github.com/leeky940926/p-market/internal/catalog"
	"github.com/leeky940926/p-market/internal/logger"
	"github.com/leeky940926/p-market/internal/model"
	"github.com/leeky940926/p-market/internal/ratelimit"
	"github.com/leeky940926/p-market/internal/settlement"
)

// Service exposes the settlement engine over HTTP. Concurrency is the
// engine's concern: every mutation runs in its own ledger transaction.
type Service struct {
	engine   *settlement.Engine
	accounts *account.Service
	catalog  *catalog.Catalog
	limiter  *ratelimit.UserLimiter
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for limiter to disable per-user rate limiting, and nil for hub if
// WebSocket streaming is not needed.
func NewService(engine *settlement.Engine, accounts *account.Service, cat *catalog.Catalog, limiter *ratelimit.UserLimiter, hub *WSHub) *Service {
	return &Service{
		engine:   engine,
		accounts: accounts,
		catalog:  cat,
		limiter:  limiter,
		wsHub:    hub,
	}
}

// Routes mounts the API under r. Admin routes are only mounted when admin
// is true.
func (s *Service) Routes(r chi.Router, admin bool) {
	if s.wsHub != nil {
		// WebSocket endpoint for real-time settlement events.
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Accounts.
	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}/balance", s.GetBalance)
	r.Get("/users/{userID}/inventory", s.GetInventory)
	r.Get("/users/{userID}/purchases", s.GetPurchases)

	// Catalog and market data.
	r.Get("/cards", s.ListCards)
	r.Get("/cards/{cardID}/history", s.GetSellHistory)
	r.Get("/listings/cheapest", s.ListCheapest)

	// Settlement, on behalf of the authenticated caller.
	r.Group(func(r chi.Router) {
		r.Use(s.RequireUser, s.RateLimit)
		r.Post("/listings", s.RegisterSell)
		r.Delete("/listings/{listingID}", s.CancelListing)
		r.Post("/cards/{cardID}/buy", s.ExecuteBuy)
	})

	if admin {
		r.Route("/admin", func(r chi.Router) {
			r.Post("/cards", s.AddCard)
			r.Post("/users/{userID}/deposit", s.Deposit)
			r.Post("/users/{userID}/grant", s.Grant)
		})
	}
}

// --- Request types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Nickname string `json:"nickname" validate:"required,max=30"`
}

// RegisterSellRequest is the JSON body for POST /listings.
type RegisterSellRequest struct {
	CardID   int64 `json:"cardId" validate:"gt=0"`
	Quantity int64 `json:"quantity" validate:"gt=0"`
	Price    int64 `json:"price" validate:"gt=0"`
}

// AddCardRequest is the JSON body for POST /admin/cards.
type AddCardRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// DepositRequest is the JSON body for POST /admin/users/{userID}/deposit.
type DepositRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// GrantRequest is the JSON body for POST /admin/users/{userID}/grant.
type GrantRequest struct {
	CardID   int64 `json:"cardId" validate:"gt=0"`
	Quantity int64 `json:"quantity" validate:"gt=0"`
}

// --- HTTP Handlers ---

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := s.accounts.Onboard(r.Context(), req.Email, req.Nickname)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	b, err := s.accounts.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetInventory handles GET /api/v1/users/{userID}/inventory
func (s *Service) GetInventory(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	positions, err := s.accounts.Inventory(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPurchases handles GET /api/v1/users/{userID}/purchases
func (s *Service) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	purchases, err := s.engine.ListPurchases(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchases)
}

// ListCards handles GET /api/v1/cards
func (s *Service) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.catalog.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if cards == nil {
		cards = []model.Card{}
	}
	writeJSON(w, http.StatusOK, cards)
}

// GetSellHistory handles GET /api/v1/cards/{cardID}/history?limit=N
// Returns the most recent completed sales of a card, newest first.
func (s *Service) GetSellHistory(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(w, r, "cardID")
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, "limit must be an integer", http.StatusUnprocessableEntity)
			return
		}
		limit = n
	}

	history, err := s.engine.ListRecentSellHistory(r.Context(), cardID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// ListCheapest handles GET /api/v1/listings/cheapest
// Returns the cheapest eligible listing of every card.
func (s *Service) ListCheapest(w http.ResponseWriter, r *http.Request) {
	board, err := s.engine.ListCheapestPerCard(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// RegisterSell handles POST /api/v1/listings
// Reserves the caller's cards and lists them for sale.
func (s *Service) RegisterSell(w http.ResponseWriter, r *http.Request) {
	var req RegisterSellRequest
	if !decode(w, r, &req) {
		return
	}

	view, err := s.engine.RegisterSell(r.Context(), callerID(r), req.CardID, req.Quantity, req.Price)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// CancelListing handles DELETE /api/v1/listings/{listingID}
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := pathID(w, r, "listingID")
	if !ok {
		return
	}

	view, err := s.engine.CancelListing(r.Context(), callerID(r), listingID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ExecuteBuy handles POST /api/v1/cards/{cardID}/buy
// Settles the cheapest listing of the card that the caller does not own.
func (s *Service) ExecuteBuy(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(w, r, "cardID")
	if !ok {
		return
	}

	view, err := s.engine.ExecuteBuy(r.Context(), callerID(r), cardID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Admin handlers ---

// AddCard handles POST /api/v1/admin/cards
func (s *Service) AddCard(w http.ResponseWriter, r *http.Request) {
	var req AddCardRequest
	if !decode(w, r, &req) {
		return
	}

	card, err := s.catalog.Add(r.Context(), req.Name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	slog.Info("card created", "id", card.ID, "name", card.Name)
	writeJSON(w, http.StatusCreated, card)
}

// Deposit handles POST /api/v1/admin/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := s.accounts.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Grant handles POST /api/v1/admin/users/{userID}/grant
func (s *Service) Grant(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := s.catalog.Resolve(ctx, req.CardID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := s.accounts.Get(ctx, userID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	pos, err := s.accounts.Grant(ctx, userID, req.CardID, req.Quantity)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Helpers ---

// decode reads and validates a JSON body. On failure it writes the response
// and returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": formatValidationError(err),
		})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, param+" must be a positive integer", http.StatusUnprocessableEntity)
		return 0, false
	}
	return id, true
}

// writeDomainError maps engine errors onto HTTP statuses. Anything not
// caused by the request is logged and hidden behind a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidQuantity):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, model.ErrUnknownCard), errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientInventory),
		errors.Is(err, model.ErrNoEligibleListing),
		errors.Is(err, model.ErrIllegalTransition),
		errors.Is(err, model.ErrAlreadyExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrContendedResource):
		w.Header().Set("Retry-After", "1")
		writeError(w, "resource busy, retry later", http.StatusServiceUnavailable)
	default:
		logger.FromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
