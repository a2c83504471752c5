package state

import "github.com/google/uuid"

// IdentityGate answers role questions against the registry and the current
// administrator. All methods are pure reads.
type IdentityGate struct {
	users *UserRegistry
	admin *Administration
}

func NewIdentityGate(users *UserRegistry, admin *Administration) *IdentityGate {
	return &IdentityGate{users: users, admin: admin}
}

func (g *IdentityGate) IsActiveTrader(id uuid.UUID) bool {
	u, ok := g.users.Get(id)
	return ok && u.Role == RoleTrader && u.IsActive
}

func (g *IdentityGate) IsVerifiedMarketMaker(id uuid.UUID) bool {
	u, ok := g.users.Get(id)
	return ok && u.Role == RoleMarketMaker && u.IsActive && u.Verified
}

func (g *IdentityGate) IsAdmin(id uuid.UUID) bool {
	admin := g.admin.AdminID()
	return admin != uuid.Nil && id == admin
}

// CanLiquidate reports whether id may force-close other traders' positions.
func (g *IdentityGate) CanLiquidate(id uuid.UUID) bool {
	return g.IsAdmin(id) || g.IsVerifiedMarketMaker(id)
}
