package ingestion

import (
	"MarginLedger/internal/event"
	fpmath "MarginLedger/internal/math"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ParseRawEvent converts a NATS message into a typed operation. Messages
// from the bus are NATS-origin: their sequence is validated, never stamped.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	return decode(et, raw.Data, event.OriginNATS)
}

// ParseCommand parses an API request body. The op_id may be omitted, in
// which case a fresh one is assigned; any supplied sequence is ignored and
// the dispatcher stamps one.
func ParseCommand(et event.EventType, data []byte) (event.Event, error) {
	return decode(et, data, event.OriginAPI)
}

// DecodeOp parses a payload written by EncodeOp, keeping the stored origin.
// Used when replaying the event log.
func DecodeOp(et event.EventType, data []byte) (event.Event, error) {
	return decode(et, data, "")
}

// EncodeOp renders an operation in its wire form: decimal strings for money
// and prices, canonical strings for ids.
func EncodeOp(op event.Event) ([]byte, error) {
	var v interface{}

	switch o := op.(type) {
	case *event.RegisterUser:
		v = registerUserJSON{headerJSON: encodeHeader(o.Header), Caller: o.Caller.String(), UserID: o.UserID.String(), Role: o.Role, Name: o.Name}
	case *event.VerifyUser:
		v = verifyUserJSON{headerJSON: encodeHeader(o.Header), Caller: o.Caller.String(), UserID: o.UserID.String()}
	case *event.SetUserActive:
		v = setUserActiveJSON{headerJSON: encodeHeader(o.Header), Caller: o.Caller.String(), UserID: o.UserID.String(), Active: o.Active}
	case *event.DepositMargin:
		v = marginJSON{headerJSON: encodeHeader(o.Header), TraderID: o.TraderID.String(), Amount: fpmath.FromFixed(o.Amount, fpmath.QuoteConfig)}
	case *event.WithdrawMargin:
		v = marginJSON{headerJSON: encodeHeader(o.Header), TraderID: o.TraderID.String(), Amount: fpmath.FromFixed(o.Amount, fpmath.QuoteConfig)}
	case *event.OpenPosition:
		v = openPositionJSON{
			headerJSON:   encodeHeader(o.Header),
			TraderID:     o.TraderID.String(),
			AssetPair:    o.AssetPair,
			Side:         o.Side.String(),
			EntryPrice:   fpmath.FromFixed(o.EntryPrice, fpmath.PriceConfig),
			Leverage:     o.Leverage,
			MarginAmount: fpmath.FromFixed(o.MarginAmount, fpmath.QuoteConfig),
		}
	case *event.ClosePosition:
		v = positionRefJSON{headerJSON: encodeHeader(o.Header), TraderID: o.TraderID.String(), PositionID: o.PositionID}
	case *event.LiquidatePosition:
		v = positionRefJSON{headerJSON: encodeHeader(o.Header), OperatorID: o.OperatorID.String(), TraderID: o.TraderID.String(), PositionID: o.PositionID}
	case *event.EvaluateMarginCall:
		price := fpmath.FromFixed(o.CurrentPrice, fpmath.PriceConfig)
		v = positionRefJSON{headerJSON: encodeHeader(o.Header), TraderID: o.TraderID.String(), PositionID: o.PositionID, CurrentPrice: &price}
	case *event.MarkPriceUpdate:
		v = markPriceJSON{AssetPair: o.AssetPair, MarkPrice: fpmath.FromFixed(o.MarkPrice, fpmath.PriceConfig), PriceSequence: o.PriceSequence}
	case *event.SetAdmin:
		v = setAdminJSON{headerJSON: encodeHeader(o.Header), Caller: o.Caller.String(), NewAdmin: o.NewAdmin.String()}
	case *event.UpdateLiquidationRules:
		v = rulesJSON{
			headerJSON:        encodeHeader(o.Header),
			Caller:            o.Caller.String(),
			HealthModel:       o.HealthModel,
			Threshold:         fpmath.FromFixed(o.ThresholdPPM, fpmath.FractionConfig),
			MaintenanceMargin: fpmath.FromFixed(o.MaintenanceMarginPPM, fpmath.FractionConfig),
			LegacyMinHealth:   o.LegacyMinHealth,
		}
	default:
		return nil, fmt.Errorf("encode: unsupported operation %T", op)
	}

	return json.Marshal(v)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts and prices
// travel as decimal strings.

type headerJSON struct {
	OpID     string `json:"op_id"`
	Origin   string `json:"origin,omitempty"`
	Sequence int64  `json:"sequence"`
}

type registerUserJSON struct {
	headerJSON
	Caller string `json:"caller"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

type verifyUserJSON struct {
	headerJSON
	Caller string `json:"caller"`
	UserID string `json:"user_id"`
}

type setUserActiveJSON struct {
	headerJSON
	Caller string `json:"caller"`
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

type marginJSON struct {
	headerJSON
	TraderID string          `json:"trader_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type openPositionJSON struct {
	headerJSON
	TraderID     string          `json:"trader_id"`
	AssetPair    string          `json:"asset_pair"`
	Side         string          `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Leverage     int64           `json:"leverage"`
	MarginAmount decimal.Decimal `json:"margin_amount"`
}

type positionRefJSON struct {
	headerJSON
	OperatorID   string           `json:"operator_id,omitempty"`
	TraderID     string           `json:"trader_id"`
	PositionID   uint64           `json:"position_id"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
}

type markPriceJSON struct {
	AssetPair     string          `json:"asset_pair"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	PriceSequence int64           `json:"price_sequence"`
}

type setAdminJSON struct {
	headerJSON
	Caller   string `json:"caller"`
	NewAdmin string `json:"new_admin"`
}

type rulesJSON struct {
	headerJSON
	Caller            string          `json:"caller"`
	HealthModel       string          `json:"health_model"`
	Threshold         decimal.Decimal `json:"threshold"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	LegacyMinHealth   int64           `json:"legacy_min_health"`
}

func encodeHeader(h event.Header) headerJSON {
	return headerJSON{OpID: h.OpID.String(), Origin: h.Origin, Sequence: h.Sequence}
}

// decodeHeader builds the header. A non-empty forceOrigin overrides the
// payload's origin. Decoded sequences are final and never re-stamped,
// except for API commands which are always stamped by the dispatcher.
func decodeHeader(j headerJSON, forceOrigin string) (event.Header, error) {
	if forceOrigin == event.OriginAPI {
		if j.OpID == "" {
			return event.NewHeader(), nil
		}
		opID, err := uuid.Parse(j.OpID)
		if err != nil {
			return event.Header{}, fmt.Errorf("parse op_id: %w", err)
		}
		return event.Header{OpID: opID, Origin: event.OriginAPI}, nil
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return event.Header{}, fmt.Errorf("parse op_id: %w", err)
	}
	origin := j.Origin
	if forceOrigin != "" {
		origin = forceOrigin
	}
	if origin == "" {
		origin = event.OriginAPI
	}
	return event.Header{OpID: opID, Origin: origin, Sequence: j.Sequence, Stamped: true}, nil
}

func decode(et event.EventType, data []byte, forceOrigin string) (event.Event, error) {
	switch et {
	case event.EventTypeRegisterUser:
		return parseRegisterUser(data, forceOrigin)
	case event.EventTypeVerifyUser:
		return parseVerifyUser(data, forceOrigin)
	case event.EventTypeSetUserActive:
		return parseSetUserActive(data, forceOrigin)
	case event.EventTypeDepositMargin:
		h, trader, amount, err := parseMargin(data, forceOrigin)
		if err != nil {
			return nil, fmt.Errorf("parse DepositMargin: %w", err)
		}
		return &event.DepositMargin{Header: h, TraderID: trader, Amount: amount}, nil
	case event.EventTypeWithdrawMargin:
		h, trader, amount, err := parseMargin(data, forceOrigin)
		if err != nil {
			return nil, fmt.Errorf("parse WithdrawMargin: %w", err)
		}
		return &event.WithdrawMargin{Header: h, TraderID: trader, Amount: amount}, nil
	case event.EventTypeOpenPosition:
		return parseOpenPosition(data, forceOrigin)
	case event.EventTypeClosePosition, event.EventTypeLiquidatePosition, event.EventTypeEvaluateMarginCall:
		return parsePositionRef(et, data, forceOrigin)
	case event.EventTypeMarkPriceUpdate:
		return parseMarkPriceUpdate(data)
	case event.EventTypeSetAdmin:
		return parseSetAdmin(data, forceOrigin)
	case event.EventTypeUpdateLiquidationRules:
		return parseRules(data, forceOrigin)
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseRegisterUser(data []byte, forceOrigin string) (*event.RegisterUser, error) {
	var j registerUserJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RegisterUser: %w", err)
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.RegisterUser{Header: h, Caller: caller, UserID: userID, Role: j.Role, Name: j.Name}, nil
}

func parseVerifyUser(data []byte, forceOrigin string) (*event.VerifyUser, error) {
	var j verifyUserJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VerifyUser: %w", err)
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.VerifyUser{Header: h, Caller: caller, UserID: userID}, nil
}

func parseSetUserActive(data []byte, forceOrigin string) (*event.SetUserActive, error) {
	var j setUserActiveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetUserActive: %w", err)
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.SetUserActive{Header: h, Caller: caller, UserID: userID, Active: j.Active}, nil
}

func parseMargin(data []byte, forceOrigin string) (event.Header, uuid.UUID, int64, error) {
	var j marginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.Header{}, uuid.Nil, 0, err
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return event.Header{}, uuid.Nil, 0, err
	}
	trader, err := parseID("trader_id", j.TraderID)
	if err != nil {
		return event.Header{}, uuid.Nil, 0, err
	}
	amount, err := fpmath.ToFixed(j.Amount, fpmath.QuoteConfig)
	if err != nil {
		return event.Header{}, uuid.Nil, 0, fmt.Errorf("parse amount: %w", err)
	}
	return h, trader, amount, nil
}

func parseOpenPosition(data []byte, forceOrigin string) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader_id", j.TraderID)
	if err != nil {
		return nil, err
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, err
	}
	entry, err := fpmath.ToFixed(j.EntryPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, fmt.Errorf("parse entry_price: %w", err)
	}
	margin, err := fpmath.ToFixed(j.MarginAmount, fpmath.QuoteConfig)
	if err != nil {
		return nil, fmt.Errorf("parse margin_amount: %w", err)
	}
	return &event.OpenPosition{
		Header:       h,
		TraderID:     trader,
		AssetPair:    j.AssetPair,
		Side:         side,
		EntryPrice:   entry,
		Leverage:     j.Leverage,
		MarginAmount: margin,
	}, nil
}

func parsePositionRef(et event.EventType, data []byte, forceOrigin string) (event.Event, error) {
	var j positionRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader_id", j.TraderID)
	if err != nil {
		return nil, err
	}

	switch et {
	case event.EventTypeClosePosition:
		return &event.ClosePosition{Header: h, TraderID: trader, PositionID: j.PositionID}, nil

	case event.EventTypeLiquidatePosition:
		operator, err := parseID("operator_id", j.OperatorID)
		if err != nil {
			return nil, err
		}
		return &event.LiquidatePosition{Header: h, OperatorID: operator, TraderID: trader, PositionID: j.PositionID}, nil

	default:
		if j.CurrentPrice == nil {
			return nil, fmt.Errorf("parse %s: current_price is required", et)
		}
		price, err := fpmath.ToFixed(*j.CurrentPrice, fpmath.PriceConfig)
		if err != nil {
			return nil, fmt.Errorf("parse current_price: %w", err)
		}
		return &event.EvaluateMarginCall{Header: h, TraderID: trader, PositionID: j.PositionID, CurrentPrice: price}, nil
	}
}

func parseMarkPriceUpdate(data []byte) (*event.MarkPriceUpdate, error) {
	var j markPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkPriceUpdate: %w", err)
	}
	if j.AssetPair == "" {
		return nil, fmt.Errorf("parse MarkPriceUpdate: asset_pair is required")
	}
	price, err := fpmath.ToFixed(j.MarkPrice, fpmath.PriceConfig)
	if err != nil {
		return nil, fmt.Errorf("parse mark_price: %w", err)
	}
	return &event.MarkPriceUpdate{AssetPair: j.AssetPair, MarkPrice: price, PriceSequence: j.PriceSequence}, nil
}

func parseSetAdmin(data []byte, forceOrigin string) (*event.SetAdmin, error) {
	var j setAdminJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetAdmin: %w", err)
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	newAdmin, err := parseID("new_admin", j.NewAdmin)
	if err != nil {
		return nil, err
	}
	return &event.SetAdmin{Header: h, Caller: caller, NewAdmin: newAdmin}, nil
}

func parseRules(data []byte, forceOrigin string) (*event.UpdateLiquidationRules, error) {
	var j rulesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateLiquidationRules: %w", err)
	}
	h, err := decodeHeader(j.headerJSON, forceOrigin)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	threshold, err := fpmath.ToFixed(j.Threshold, fpmath.FractionConfig)
	if err != nil {
		return nil, fmt.Errorf("parse threshold: %w", err)
	}
	maintenance, err := fpmath.ToFixed(j.MaintenanceMargin, fpmath.FractionConfig)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance_margin: %w", err)
	}
	return &event.UpdateLiquidationRules{
		Header:               h,
		Caller:               caller,
		HealthModel:          j.HealthModel,
		ThresholdPPM:         threshold,
		MaintenanceMarginPPM: maintenance,
		LegacyMinHealth:      j.LegacyMinHealth,
	}, nil
}
