package event

import "github.com/google/uuid"

// DepositMargin credits margin to a trader's account
type DepositMargin struct {
	Header
	TraderID uuid.UUID
	Amount   int64 // Fixed-point: quote scale
}

func (d *DepositMargin) EventType() EventType {
	return EventTypeDepositMargin
}

// WithdrawMargin debits available margin from a trader's account
type WithdrawMargin struct {
	Header
	TraderID uuid.UUID
	Amount   int64 // Fixed-point: quote scale
}

func (w *WithdrawMargin) EventType() EventType {
	return EventTypeWithdrawMargin
}
