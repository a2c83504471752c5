package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"
	"crypto/sha256"
	"sort"

	"github.com/google/uuid"
)

// SnapshotState holds the serializable in-memory state for restore.
// Slices are ordered and every element is a copy.
type SnapshotState struct {
	Sequence        int64 // last committed sequence, 0 before the first commit
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Users           []state.User
	Accounts        []state.TradingAccount
	Positions       []state.Position
	MarginCalls     []state.MarginCall
	Aggregates      state.GlobalAggregates
	AdminID         uuid.UUID
	Rules           state.LiquidationRules
	MarkPrices      map[string]state.MarkPriceState
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Aggregates:      c.aggregates,
		AdminID:         c.admin.AdminID(),
		Rules:           c.admin.Rules(),
		MarkPrices:      c.positions.MarkPrices(),
		SequenceState:   c.cursors.All(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	for _, u := range c.users.All() {
		snap.Users = append(snap.Users, *u)
	}
	for _, acct := range c.accounts.All() {
		snap.Accounts = append(snap.Accounts, *acct)
	}
	for _, pos := range c.positions.All() {
		snap.Positions = append(snap.Positions, *pos)
	}
	for _, mc := range c.marginCalls.All() {
		snap.MarginCalls = append(snap.MarginCalls, *mc)
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into a freshly constructed core.
// Events after snap.Sequence are then replayed with ProcessReplayed.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	for i := range snap.Users {
		u := snap.Users[i]
		c.users.Put(&u)
	}
	for i := range snap.Accounts {
		acct := snap.Accounts[i]
		c.accounts.Put(&acct)
	}
	for i := range snap.Positions {
		pos := snap.Positions[i]
		c.positions.Put(&pos)
	}
	for i := range snap.MarginCalls {
		mc := snap.MarginCalls[i]
		c.marginCalls.Put(&mc)
	}
	for pair, mp := range snap.MarkPrices {
		c.positions.SetMarkPrice(pair, mp)
	}
	c.aggregates = snap.Aggregates

	c.admin = state.NewAdministration(snap.AdminID, snap.Rules)
	c.gate = state.NewIdentityGate(c.users, c.admin)

	for partition, nextSeq := range snap.SequenceState {
		c.cursors.Seed(partition, nextSeq)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	c.journalGen.SetSequence(c.sequence)
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed operations skip the Postgres lookup after a restart.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// FullStateDigest hashes every piece of ledger and entity state. Cursors,
// the idempotency cache and the hash chain are excluded, so two cores agree
// exactly when their observable state agrees.
func (c *DeterministicCore) FullStateDigest() [32]byte {
	h := sha256.New()

	balances := c.balanceTracker.Snapshot()
	keys := make([]ledger.AccountKey, 0, len(balances))
	for key, balance := range balances {
		if balance != 0 {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	for _, key := range keys {
		path := key.AccountPath()
		h.Write([]byte{byte(len(path))})
		h.Write([]byte(path))
		h.Write(appendInt64LE(nil, balances[key]))
	}

	for _, u := range c.users.All() {
		h.Write(u.CanonicalBytes())
	}
	for _, acct := range c.accounts.All() {
		h.Write(acct.CanonicalBytes())
	}
	for _, pos := range c.positions.All() {
		h.Write(pos.CanonicalBytes())
	}
	for _, mc := range c.marginCalls.All() {
		h.Write(mc.CanonicalBytes())
	}
	h.Write(c.aggregates.CanonicalBytes())
	h.Write(c.admin.CanonicalBytes())

	prices := c.positions.MarkPrices()
	pairs := make([]string, 0, len(prices))
	for pair := range prices {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	for _, pair := range pairs {
		mp := prices[pair]
		h.Write([]byte(pair))
		h.Write(appendInt64LE(nil, mp.Price))
		h.Write(appendInt64LE(nil, mp.PriceSequence))
		h.Write(appendInt64LE(nil, mp.Height))
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// ProjectionSeed returns the whole entity state as one output at the last
// committed sequence. Projection rebuilds write it over truncated tables.
func (c *DeterministicCore) ProjectionSeed() CoreOutput {
	aggregates := c.aggregates
	rules := c.admin.Rules()
	admin := c.admin.AdminID()
	fund := c.GetInsuranceFundBalance()

	effects := &Effects{
		Aggregates:    &aggregates,
		Admin:         &admin,
		Rules:         &rules,
		InsuranceFund: &fund,
	}
	for _, u := range c.users.All() {
		effects.Users = append(effects.Users, *u)
	}
	for _, acct := range c.accounts.All() {
		effects.Accounts = append(effects.Accounts, c.accountView(acct.Owner))
	}
	for _, pos := range c.positions.All() {
		effects.Positions = append(effects.Positions, *pos)
	}
	for _, mc := range c.marginCalls.All() {
		effects.MarginCalls = append(effects.MarginCalls, *mc)
	}

	return CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: c.sequence - 1},
		Effects:  effects,
	}
}

// SeedCursors moves partition cursors forward to durably recorded positions.
// A cursor never moves back, so seeding after replay is safe.
func (c *DeterministicCore) SeedCursors(next map[string]int64) {
	for partition, n := range next {
		if n > c.cursors.Next(partition) {
			c.cursors.Seed(partition, n)
		}
	}
}
