package state

import (
	"sort"

	"github.com/google/uuid"
)

// TradingAccount is the per-trader record. Balances live in the ledger
// (collateral = available margin, reserved = locked margin).
type TradingAccount struct {
	Owner              uuid.UUID
	OpenPositionsCount int64
	LastActivity       int64 // height
	NextPositionID     uint64
}

// AccountBook holds one TradingAccount per trader, created on first deposit
type AccountBook struct {
	accounts map[uuid.UUID]*TradingAccount
}

func NewAccountBook() *AccountBook {
	return &AccountBook{accounts: make(map[uuid.UUID]*TradingAccount)}
}

func (ab *AccountBook) Get(owner uuid.UUID) (*TradingAccount, bool) {
	acct, ok := ab.accounts[owner]
	return acct, ok
}

// GetOrCreate returns the account, creating it with position ids starting at 1
func (ab *AccountBook) GetOrCreate(owner uuid.UUID) *TradingAccount {
	acct := ab.accounts[owner]
	if acct == nil {
		acct = &TradingAccount{Owner: owner, NextPositionID: 1}
		ab.accounts[owner] = acct
	}
	return acct
}

func (ab *AccountBook) Put(acct *TradingAccount) {
	ab.accounts[acct.Owner] = acct
}

// All returns accounts ordered by owner
func (ab *AccountBook) All() []*TradingAccount {
	result := make([]*TradingAccount, 0, len(ab.accounts))
	for _, acct := range ab.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool {
		return lessUUID(result[i].Owner, result[j].Owner)
	})
	return result
}

// TakePositionID returns the next id and advances the counter
func (a *TradingAccount) TakePositionID() uint64 {
	id := a.NextPositionID
	a.NextPositionID++
	return id
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *TradingAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, a.Owner[:]...)
	buf = appendInt64LE(buf, a.OpenPositionsCount)
	buf = appendInt64LE(buf, a.LastActivity)
	buf = appendInt64LE(buf, int64(a.NextPositionID))
	return buf
}
