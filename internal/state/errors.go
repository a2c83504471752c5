package state

import "errors"

// Authorization
var ErrNotAuthorized = errors.New("not authorized")

// Validation
var (
	ErrInvalidLeverage = errors.New("invalid leverage")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidRules    = errors.New("invalid liquidation rules")
)

// State conflict
var (
	ErrPositionAlreadyOpen = errors.New("position already open")
	ErrTradeNotFound       = errors.New("trade not found")
	ErrPositionClosed      = errors.New("position closed")
	ErrUnknownUser         = errors.New("unknown user")
	ErrUserExists          = errors.New("user already registered")
)

// Resource
var ErrInsufficientMargin = errors.New("insufficient margin")
