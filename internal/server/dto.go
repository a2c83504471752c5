package server

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// Money and prices leave the service as decimal strings.

type UserDTO struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	IsActive     bool   `json:"is_active"`
	Verified     bool   `json:"verified"`
	Name         string `json:"name,omitempty"`
	RegisteredAt int64  `json:"registered_at"`
	AsOfSequence int64  `json:"as_of_sequence,omitempty"`
}

type AccountDTO struct {
	Owner              string          `json:"owner"`
	Asset              string          `json:"asset"`
	TotalBalance       decimal.Decimal `json:"total_balance"`
	AvailableMargin    decimal.Decimal `json:"available_margin"`
	ReservedMargin     decimal.Decimal `json:"reserved_margin"`
	OpenPositionsCount int64           `json:"open_positions_count"`
	LastActivity       int64           `json:"last_activity"`
	NextPositionID     uint64          `json:"next_position_id"`
	AsOfSequence       int64           `json:"as_of_sequence"`
}

type PositionDTO struct {
	Owner            string          `json:"owner"`
	PositionID       uint64          `json:"position_id"`
	AssetPair        string          `json:"asset_pair"`
	Side             string          `json:"side"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Leverage         int64           `json:"leverage"`
	MarginUsed       decimal.Decimal `json:"margin_used"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	OpenedAt         int64           `json:"opened_at"`
	ClosedAt         int64           `json:"closed_at"`
	Status           string          `json:"status"`
	AsOfSequence     int64           `json:"as_of_sequence,omitempty"`
}

type MarginCallDTO struct {
	Owner                 string          `json:"owner"`
	PositionID            uint64          `json:"position_id"`
	IsMarginCall          bool            `json:"is_margin_call"`
	CallTime              int64           `json:"call_time"`
	RequiredMarginDeposit decimal.Decimal `json:"required_margin_deposit"`
	AsOfSequence          int64           `json:"as_of_sequence,omitempty"`
}

type AggregatesDTO struct {
	TotalOpenPositions int64           `json:"total_open_positions"`
	TotalMarginLocked  decimal.Decimal `json:"total_margin_locked"`
	InsuranceFund      decimal.Decimal `json:"insurance_fund"`
	AsOfSequence       int64           `json:"as_of_sequence"`
}

type PositionListDTO struct {
	Positions    []PositionDTO `json:"positions"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// CommandResponse is the receipt of a submitted operation. Fields that do
// not apply to the operation are omitted.
type CommandResponse struct {
	Sequence         int64            `json:"sequence"`
	EventType        string           `json:"event_type"`
	StateHash        string           `json:"state_hash,omitempty"`
	Duplicate        bool             `json:"duplicate,omitempty"`
	Stale            bool             `json:"stale,omitempty"`
	AvailableMargin  *decimal.Decimal `json:"available_margin,omitempty"`
	PositionID       uint64           `json:"position_id,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	MarginReleased   *decimal.Decimal `json:"margin_released,omitempty"`
	MarginForfeited  *decimal.Decimal `json:"margin_forfeited,omitempty"`
	MarginCall       *MarginCallDTO   `json:"margin_call,omitempty"`
	Position         *PositionDTO     `json:"position,omitempty"`
	User             *UserDTO         `json:"user,omitempty"`
}

type BalanceDTO struct {
	AccountPath  string          `json:"account_path"`
	AssetID      uint16          `json:"asset_id"`
	Balance      decimal.Decimal `json:"balance"`
	LastSequence int64           `json:"last_sequence"`
}

type BalancesDTO struct {
	Owner    string       `json:"owner"`
	Balances []BalanceDTO `json:"balances"`
}

type JournalEntryDTO struct {
	JournalID     string          `json:"journal_id"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
}

type JournalDTO struct {
	Entries []JournalEntryDTO `json:"entries"`
}

// Query requests

type UserRequest struct {
	UserID string `json:"user_id"`
}

type PositionRequest struct {
	Owner      string `json:"owner"`
	PositionID uint64 `json:"position_id"`
}

type ListPositionsRequest struct {
	Owner    string `json:"owner"`
	OpenOnly bool   `json:"open_only"`
}

type JournalRequest struct {
	UserID         string `json:"user_id"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type Empty struct{}

func quote(v int64) decimal.Decimal { return fpmath.FromFixed(v, fpmath.QuoteConfig) }
func price(v int64) decimal.Decimal { return fpmath.FromFixed(v, fpmath.PriceConfig) }

func quotePtr(v int64) *decimal.Decimal {
	d := quote(v)
	return &d
}

func receiptDTO(r *core.Receipt) *CommandResponse {
	resp := &CommandResponse{
		Sequence:   r.Sequence,
		EventType:  r.EventType.String(),
		Duplicate:  r.Duplicate,
		Stale:      r.Stale,
		PositionID: r.PositionID,
	}
	if r.Sequence > 0 {
		resp.StateHash = hex.EncodeToString(r.StateHash[:])
	}
	if r.Duplicate || r.Stale {
		return resp
	}

	switch r.EventType {
	case event.EventTypeDepositMargin, event.EventTypeWithdrawMargin:
		resp.AvailableMargin = quotePtr(r.AvailableMargin)
	case event.EventTypeOpenPosition:
		lp := price(r.LiquidationPrice)
		resp.LiquidationPrice = &lp
	case event.EventTypeClosePosition:
		resp.MarginReleased = quotePtr(r.MarginReleased)
	case event.EventTypeLiquidatePosition:
		resp.MarginForfeited = quotePtr(r.MarginForfeited)
	}
	if r.MarginCall != nil {
		mc := marginCallFromState(*r.MarginCall)
		resp.MarginCall = &mc
	}
	if r.Position != nil {
		p := positionFromState(*r.Position)
		resp.Position = &p
	}
	if r.User != nil {
		u := userFromState(*r.User)
		resp.User = &u
	}
	return resp
}

func userFromState(u state.User) UserDTO {
	return UserDTO{
		ID:           u.ID.String(),
		Role:         u.Role.String(),
		IsActive:     u.IsActive,
		Verified:     u.Verified,
		Name:         u.Name,
		RegisteredAt: u.RegisteredAt,
	}
}

func positionFromState(p state.Position) PositionDTO {
	return PositionDTO{
		Owner:            p.Owner.String(),
		PositionID:       p.PositionID,
		AssetPair:        p.AssetPair,
		Side:             p.Side.String(),
		EntryPrice:       price(p.EntryPrice),
		Leverage:         p.Leverage,
		MarginUsed:       quote(p.MarginUsed),
		LiquidationPrice: price(p.LiquidationPrice),
		OpenedAt:         p.OpenedAt,
		ClosedAt:         p.ClosedAt,
		Status:           strings.ToLower(p.Status.String()),
	}
}

func marginCallFromState(mc state.MarginCall) MarginCallDTO {
	return MarginCallDTO{
		Owner:                 mc.Owner.String(),
		PositionID:            mc.PositionID,
		IsMarginCall:          mc.IsMarginCall,
		CallTime:              mc.CallTime,
		RequiredMarginDeposit: quote(mc.RequiredMarginDeposit),
	}
}

func userFromQuery(u *query.UserResponse) *UserDTO {
	return &UserDTO{
		ID:           u.ID.String(),
		Role:         u.Role,
		IsActive:     u.IsActive,
		Verified:     u.Verified,
		Name:         u.Name,
		RegisteredAt: u.RegisteredAt,
		AsOfSequence: u.AsOfSequence,
	}
}

func accountFromQuery(a *query.AccountResponse) *AccountDTO {
	return &AccountDTO{
		Owner:              a.Owner.String(),
		Asset:              a.Asset,
		TotalBalance:       quote(a.TotalBalance),
		AvailableMargin:    quote(a.AvailableMargin),
		ReservedMargin:     quote(a.ReservedMargin),
		OpenPositionsCount: a.OpenPositionsCount,
		LastActivity:       a.LastActivity,
		NextPositionID:     a.NextPositionID,
		AsOfSequence:       a.AsOfSequence,
	}
}

func positionFromQuery(p query.PositionResponse) PositionDTO {
	return PositionDTO{
		Owner:            p.Owner.String(),
		PositionID:       p.PositionID,
		AssetPair:        p.AssetPair,
		Side:             p.Side,
		EntryPrice:       price(p.EntryPrice),
		Leverage:         p.Leverage,
		MarginUsed:       quote(p.MarginUsed),
		LiquidationPrice: price(p.LiquidationPrice),
		OpenedAt:         p.OpenedAt,
		ClosedAt:         p.ClosedAt,
		Status:           p.Status,
		AsOfSequence:     p.AsOfSequence,
	}
}

func marginCallFromQuery(mc *query.MarginCallResponse) *MarginCallDTO {
	return &MarginCallDTO{
		Owner:                 mc.Owner.String(),
		PositionID:            mc.PositionID,
		IsMarginCall:          mc.IsMarginCall,
		CallTime:              mc.CallTime,
		RequiredMarginDeposit: quote(mc.RequiredMarginDeposit),
		AsOfSequence:          mc.AsOfSequence,
	}
}

func aggregatesFromQuery(a *query.AggregatesResponse) *AggregatesDTO {
	return &AggregatesDTO{
		TotalOpenPositions: a.TotalOpenPositions,
		TotalMarginLocked:  quote(a.TotalMarginLocked),
		InsuranceFund:      quote(a.InsuranceFund),
		AsOfSequence:       a.AsOfSequence,
	}
}
