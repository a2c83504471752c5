package event

import "github.com/google/uuid"

// SetAdmin replaces the administrator identity
type SetAdmin struct {
	Header
	Caller   uuid.UUID
	NewAdmin uuid.UUID
}

func (s *SetAdmin) EventType() EventType {
	return EventTypeSetAdmin
}

// UpdateLiquidationRules overwrites the process-wide risk configuration
type UpdateLiquidationRules struct {
	Header
	Caller               uuid.UUID
	HealthModel          string // "mark_price" or "legacy"
	ThresholdPPM         int64
	MaintenanceMarginPPM int64
	LegacyMinHealth      int64 // whole units, compared against margin*100/leverage
}

func (u *UpdateLiquidationRules) EventType() EventType {
	return EventTypeUpdateLiquidationRules
}
