// Package model defines the core domain types shared across the trade engine.
// Money and card quantities are whole units stored as int64; fee arithmetic
// goes through shopspring/decimal so the rate never touches float64.
package model

import "time"

// Timestamps is embedded by every persisted entity.
type Timestamps struct {
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	ModifiedAt time.Time `json:"modifiedAt" db:"modified_at"`
}

// User is a marketplace participant. Balance and inventory rows are
// provisioned when the user is onboarded.
type User struct {
	ID       int64  `json:"id" db:"id"`
	Email    string `json:"email" db:"email"`
	Nickname string `json:"nickname" db:"nickname"`
	Timestamps
}

// Card is an immutable catalog entry.
type Card struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Timestamps
}

// InventoryPosition is the quantity of one card owned by one user.
type InventoryPosition struct {
	UserID   int64 `json:"userId" db:"user_id"`
	CardID   int64 `json:"cardId" db:"card_id"`
	Quantity int64 `json:"quantity" db:"quantity"`
	Timestamps
}

// Balance is a user's currency balance.
type Balance struct {
	UserID  int64 `json:"userId" db:"user_id"`
	Balance int64 `json:"balance" db:"balance"`
	Timestamps
}

// SellHistory is appended once per completed sale. Never modified.
type SellHistory struct {
	ID        int64     `json:"id" db:"id"`
	ListingID int64     `json:"listingId" db:"listing_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// BuyHistory is appended once per completed purchase. Never modified.
type BuyHistory struct {
	ID        int64     `json:"id" db:"id"`
	ListingID int64     `json:"listingId" db:"listing_id"`
	BuyerID   int64     `json:"buyerId" db:"buyer_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// --- Read projections ---

// ListingView is the public projection of a listing returned by
// RegisterSell, ExecuteBuy and CancelListing.
type ListingView struct {
	ID        int64        `json:"id"`
	CreatedAt time.Time    `json:"createdAt"`
	CardID    int64        `json:"cardId"`
	Price     int64        `json:"price"`
	Fee       int64        `json:"fee"`
	State     ListingState `json:"state"`
	Quantity  int64        `json:"quantity"`
	SellerID  int64        `json:"sellerId"`
}

// ListingSummary is one row of the cheapest-per-card board.
type ListingSummary struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	CardID    int64     `json:"cardId"`
	CardName  string    `json:"cardName"`
	Price     int64     `json:"price"`
	Fee       int64     `json:"fee"`
	Quantity  int64     `json:"quantity"`
	SellerID  int64     `json:"userId"`
	Nickname  string    `json:"nickname"`
}

// SellHistoryView is a completed sale joined with its listing and card.
type SellHistoryView struct {
	ID        int64      `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	Price     int64      `json:"price"`
	Fee       int64      `json:"fee"`
	Quantity  int64      `json:"quantity"`
	SoldAt    *time.Time `json:"soldAt"`
	CardID    int64      `json:"cardId"`
	CardName  string     `json:"cardName"`
}

// PurchaseView is a completed purchase as seen by the buyer.
type PurchaseView struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	CardID    int64     `json:"cardId"`
	Quantity  int64     `json:"quantity"`
	Price     int64     `json:"price"`
	Fee       int64     `json:"fee"`
	UserID    int64     `json:"userId"`
	Nickname  string    `json:"nickname"`
}
