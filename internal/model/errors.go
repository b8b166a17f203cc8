package model

import "errors"

// Domain errors. Wrap with fmt.Errorf("%w: ...", ErrXxx, details) for
// context and compare with errors.Is.
var (
	// ErrValidation is a malformed request (non-positive quantity, price or id).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidQuantity is returned by RegisterSell when the seller does not
	// hold enough of the card. It is always joined with ErrInsufficientInventory.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrUnknownCard is a card id missing from the catalog.
	ErrUnknownCard = errors.New("unknown card")

	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrNoEligibleListing     = errors.New("no eligible listing")

	// ErrUnknownPosition means an inventory row was never provisioned. This
	// is an onboarding bug, never a user error.
	ErrUnknownPosition = errors.New("unknown inventory position")

	// ErrContendedResource is transient; the caller may retry.
	ErrContendedResource = errors.New("resource contended")

	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal listing transition")
	ErrAlreadyExists     = errors.New("already exists")
)
