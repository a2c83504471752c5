package state

import (
	"fmt"

	"github.com/google/uuid"
)

// Administration holds the admin identity and the liquidation rules in force
type Administration struct {
	adminID uuid.UUID
	rules   LiquidationRules
}

// NewAdministration seeds the genesis admin and rules.
func NewAdministration(adminID uuid.UUID, rules LiquidationRules) *Administration {
	return &Administration{adminID: adminID, rules: rules}
}

func (a *Administration) AdminID() uuid.UUID {
	return a.adminID
}

func (a *Administration) Rules() LiquidationRules {
	return a.rules
}

// SetAdmin overwrites the admin id. The nil id is rejected.
func (a *Administration) SetAdmin(newAdmin uuid.UUID) error {
	if newAdmin == uuid.Nil {
		return fmt.Errorf("%w: new admin must not be nil", ErrInvalidAmount)
	}
	a.adminID = newAdmin
	return nil
}

// UpdateRules validates and overwrites the rules. Existing positions keep
// the liquidation price computed at open.
func (a *Administration) UpdateRules(rules LiquidationRules) error {
	if err := ValidateLiquidationRules(rules); err != nil {
		return err
	}
	a.rules = rules
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *Administration) CanonicalBytes() []byte {
	buf := make([]byte, 0, 41)
	buf = append(buf, a.adminID[:]...)
	return append(buf, a.rules.CanonicalBytes()...)
}
