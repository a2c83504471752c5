package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Role is fixed at registration
type Role int32

const (
	RoleUnknown Role = iota
	RoleTrader
	RoleMarketMaker
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleTrader:
		return "trader"
	case RoleMarketMaker:
		return "market_maker"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole accepts the String forms.
func ParseRole(s string) (Role, error) {
	switch s {
	case "trader":
		return RoleTrader, nil
	case "market_maker":
		return RoleMarketMaker, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// User is a registered identity. Role never changes after creation.
type User struct {
	ID           uuid.UUID
	Role         Role
	IsActive     bool
	Verified     bool
	Name         string
	RegisteredAt int64 // height
}

// UserRegistry holds every registered user
type UserRegistry struct {
	users map[uuid.UUID]*User
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{users: make(map[uuid.UUID]*User)}
}

func (r *UserRegistry) Get(id uuid.UUID) (*User, bool) {
	u, ok := r.users[id]
	return u, ok
}

// NewUser builds the initial record for a role. Traders are active
// immediately; market makers need verification before they can act.
func NewUser(id uuid.UUID, role Role, name string, height int64) *User {
	return &User{
		ID:           id,
		Role:         role,
		IsActive:     true,
		Verified:     role != RoleMarketMaker,
		Name:         name,
		RegisteredAt: height,
	}
}

// Put inserts or replaces a user record.
func (r *UserRegistry) Put(u *User) {
	r.users[u.ID] = u
}

// All returns users ordered by id
func (r *UserRegistry) All() []*User {
	result := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool {
		return lessUUID(result[i].ID, result[j].ID)
	})
	return result
}

// CanonicalBytes returns deterministic serialization for hashing
func (u *User) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48+len(u.Name))
	buf = append(buf, u.ID[:]...)
	buf = append(buf, byte(u.Role), boolByte(u.IsActive), boolByte(u.Verified))
	buf = append(buf, byte(len(u.Name)))
	buf = append(buf, []byte(u.Name)...)
	buf = appendInt64LE(buf, u.RegisteredAt)
	return buf
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
