package query

import (
	"github.com/google/uuid"
)

// AccountResponse is a trading account with its ledger balances
type AccountResponse struct {
	Owner uuid.UUID `json:"owner"`
	Asset string    `json:"asset"`

	// Ledger balances (from journal entries)
	TotalBalance    int64 `json:"total_balance"`    // available + reserved
	AvailableMargin int64 `json:"available_margin"` // collateral only
	ReservedMargin  int64 `json:"reserved_margin"`  // locked in open positions

	OpenPositionsCount int64  `json:"open_positions_count"`
	LastActivity       int64  `json:"last_activity"`
	NextPositionID     uint64 `json:"next_position_id"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// BalanceLine is one projected ledger account
type BalanceLine struct {
	AccountPath  string `json:"account_path"`
	AssetID      uint16 `json:"asset_id"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}
