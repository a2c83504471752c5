package query

import "github.com/google/uuid"

// UserResponse represents a registered user for API queries.
type UserResponse struct {
	ID           uuid.UUID `json:"id"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	Verified     bool      `json:"verified"`
	Name         string    `json:"name"`
	RegisteredAt int64     `json:"registered_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	Owner            uuid.UUID `json:"owner"`
	PositionID       uint64    `json:"position_id"`
	AssetPair        string    `json:"asset_pair"`
	Side             string    `json:"side"`
	EntryPrice       int64     `json:"entry_price"`
	Leverage         int64     `json:"leverage"`
	MarginUsed       int64     `json:"margin_used"`
	LiquidationPrice int64     `json:"liquidation_price"`
	OpenedAt         int64     `json:"opened_at"`
	ClosedAt         int64     `json:"closed_at"`
	Status           string    `json:"status"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// MarginCallResponse is the latest margin call record of a trader.
type MarginCallResponse struct {
	Owner                 uuid.UUID `json:"owner"`
	PositionID            uint64    `json:"position_id"`
	IsMarginCall          bool      `json:"is_margin_call"`
	CallTime              int64     `json:"call_time"`
	RequiredMarginDeposit int64     `json:"required_margin_deposit"`
	AsOfSequence          int64     `json:"as_of_sequence"`
}

// AggregatesResponse holds the global totals.
type AggregatesResponse struct {
	TotalOpenPositions int64 `json:"total_open_positions"`
	TotalMarginLocked  int64 `json:"total_margin_locked"`
	InsuranceFund      int64 `json:"insurance_fund"`
	AsOfSequence       int64 `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
