package event

import "github.com/google/uuid"

// RegisterUser creates a user record. Role is one of "trader",
// "market_maker", "admin".
type RegisterUser struct {
	Header
	Caller uuid.UUID
	UserID uuid.UUID
	Role   string
	Name   string
}

func (r *RegisterUser) EventType() EventType {
	return EventTypeRegisterUser
}

// VerifyUser marks a market maker verified. Admin only.
type VerifyUser struct {
	Header
	Caller uuid.UUID
	UserID uuid.UUID
}

func (v *VerifyUser) EventType() EventType {
	return EventTypeVerifyUser
}

// SetUserActive toggles a user's activation. Admin only.
type SetUserActive struct {
	Header
	Caller uuid.UUID
	UserID uuid.UUID
	Active bool
}

func (s *SetUserActive) EventType() EventType {
	return EventTypeSetUserActive
}
