package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Every handler validates first and returns an applyFunc that performs the
// writes. Nothing is mutated before the applyFunc runs.

// --- User registry ---

func (c *DeterministicCore) handleRegisterUser(evt *event.RegisterUser, eventRef string) (*ledger.Batch, applyFunc, error) {
	role, roleErr := state.ParseRole(evt.Role)

	selfService := evt.Caller == evt.UserID &&
		(role == state.RoleTrader || role == state.RoleMarketMaker)
	if !c.gate.IsAdmin(evt.Caller) && !selfService {
		return nil, nil, fmt.Errorf("register %s as %q: %w", evt.UserID, evt.Role, state.ErrNotAuthorized)
	}
	if roleErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", state.ErrInvalidAmount, roleErr)
	}
	if evt.UserID == uuid.Nil {
		return nil, nil, fmt.Errorf("%w: user id must not be nil", state.ErrInvalidAmount)
	}
	if _, exists := c.users.Get(evt.UserID); exists {
		return nil, nil, fmt.Errorf("register %s: %w", evt.UserID, state.ErrUserExists)
	}

	return c.journalGen.EmptyBatch(eventRef), func(cc *commitContext) {
		u := state.NewUser(evt.UserID, role, evt.Name, cc.height)
		c.users.Put(u)
		cc.effects.Users = append(cc.effects.Users, *u)
		userCopy := *u
		cc.receipt.User = &userCopy
	}, nil
}

func (c *DeterministicCore) handleVerifyUser(evt *event.VerifyUser, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsAdmin(evt.Caller) {
		return nil, nil, fmt.Errorf("verify %s: %w", evt.UserID, state.ErrNotAuthorized)
	}
	u, ok := c.users.Get(evt.UserID)
	if !ok {
		return nil, nil, fmt.Errorf("verify %s: %w", evt.UserID, state.ErrUnknownUser)
	}

	return c.journalGen.EmptyBatch(eventRef), func(cc *commitContext) {
		u.Verified = true
		cc.effects.Users = append(cc.effects.Users, *u)
		userCopy := *u
		cc.receipt.User = &userCopy
	}, nil
}

func (c *DeterministicCore) handleSetUserActive(evt *event.SetUserActive, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsAdmin(evt.Caller) {
		return nil, nil, fmt.Errorf("set active %s: %w", evt.UserID, state.ErrNotAuthorized)
	}
	u, ok := c.users.Get(evt.UserID)
	if !ok {
		return nil, nil, fmt.Errorf("set active %s: %w", evt.UserID, state.ErrUnknownUser)
	}

	return c.journalGen.EmptyBatch(eventRef), func(cc *commitContext) {
		u.IsActive = evt.Active
		cc.effects.Users = append(cc.effects.Users, *u)
		userCopy := *u
		cc.receipt.User = &userCopy
	}, nil
}

// --- Account ledger ---

func (c *DeterministicCore) handleDepositMargin(evt *event.DepositMargin, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsActiveTrader(evt.TraderID) {
		return nil, nil, fmt.Errorf("deposit for %s: %w", evt.TraderID, state.ErrNotAuthorized)
	}
	if evt.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: deposit amount %d", state.ErrInvalidAmount, evt.Amount)
	}
	if c.depositOverflows(evt.TraderID, evt.Amount) {
		return nil, nil, fmt.Errorf("%w: deposit amount %d overflows balance", state.ErrInvalidAmount, evt.Amount)
	}

	batch, err := c.journalGen.GenerateDeposit(evt.TraderID, eventRef, evt.Amount, c.assetID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", state.ErrInvalidAmount, err)
	}

	return batch, func(cc *commitContext) {
		acct := c.accounts.GetOrCreate(evt.TraderID)
		acct.LastActivity = cc.height
		view := c.accountView(evt.TraderID)
		cc.effects.Accounts = append(cc.effects.Accounts, view)
		cc.receipt.AvailableMargin = view.AvailableMargin
	}, nil
}

// depositOverflows reports whether crediting amount would push the trader's
// total or the external deposits account outside int64.
func (c *DeterministicCore) depositOverflows(trader uuid.UUID, amount int64) bool {
	if c.balanceTracker.GetUserTotalBalance(trader, c.assetID) > math.MaxInt64-amount {
		return true
	}
	ext := c.balanceTracker.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, c.assetID))
	return ext < math.MinInt64+amount || ext > math.MaxInt64-amount
}

func (c *DeterministicCore) handleWithdrawMargin(evt *event.WithdrawMargin, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsActiveTrader(evt.TraderID) {
		return nil, nil, fmt.Errorf("withdraw for %s: %w", evt.TraderID, state.ErrNotAuthorized)
	}
	if evt.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: withdrawal amount %d", state.ErrInvalidAmount, evt.Amount)
	}
	if _, ok := c.accounts.Get(evt.TraderID); !ok {
		return nil, nil, fmt.Errorf("withdraw for %s: no account: %w", evt.TraderID, state.ErrInsufficientMargin)
	}

	batch, err := c.journalGen.GenerateWithdrawal(evt.TraderID, eventRef, evt.Amount, c.assetID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", state.ErrInsufficientMargin, err)
	}

	return batch, func(cc *commitContext) {
		acct, _ := c.accounts.Get(evt.TraderID)
		acct.LastActivity = cc.height
		view := c.accountView(evt.TraderID)
		cc.effects.Accounts = append(cc.effects.Accounts, view)
		cc.receipt.AvailableMargin = view.AvailableMargin
	}, nil
}

// --- Position manager ---

func (c *DeterministicCore) handleOpenPosition(evt *event.OpenPosition, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsActiveTrader(evt.TraderID) {
		return nil, nil, fmt.Errorf("open for %s: %w", evt.TraderID, state.ErrNotAuthorized)
	}
	rules := c.admin.Rules()
	if evt.Leverage < 1 || evt.Leverage > rules.MaxLeverage() {
		return nil, nil, fmt.Errorf("%w: leverage %d, max %d", state.ErrInvalidLeverage, evt.Leverage, rules.MaxLeverage())
	}
	if evt.MarginAmount <= 0 || evt.MarginAmount > fpmath.MaxMargin ||
		evt.EntryPrice <= 0 || evt.EntryPrice > fpmath.MaxPrice || evt.AssetPair == "" {
		return nil, nil, fmt.Errorf("%w: margin=%d entry_price=%d asset_pair=%q",
			state.ErrInvalidAmount, evt.MarginAmount, evt.EntryPrice, evt.AssetPair)
	}
	if evt.Side != event.SideLong && evt.Side != event.SideShort {
		return nil, nil, fmt.Errorf("%w: side %s", state.ErrInvalidAmount, evt.Side)
	}

	acct, ok := c.accounts.Get(evt.TraderID)
	if !ok {
		return nil, nil, fmt.Errorf("open for %s: no account: %w", evt.TraderID, state.ErrInsufficientMargin)
	}

	liqPrice := c.risk.LiquidationPrice(evt.EntryPrice, evt.Leverage, evt.Side == event.SideLong, rules)

	positionID := acct.NextPositionID
	if existing := c.positions.Get(evt.TraderID, positionID); existing != nil && existing.IsOpen() {
		return nil, nil, fmt.Errorf("open for %s id %d: %w", evt.TraderID, positionID, state.ErrPositionAlreadyOpen)
	}

	batch, err := c.journalGen.GenerateMarginReserve(evt.TraderID, eventRef, evt.MarginAmount, c.assetID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", state.ErrInsufficientMargin, err)
	}

	return batch, func(cc *commitContext) {
		pos := &state.Position{
			Owner:            evt.TraderID,
			PositionID:       acct.TakePositionID(),
			AssetPair:        evt.AssetPair,
			Side:             evt.Side,
			EntryPrice:       evt.EntryPrice,
			Leverage:         evt.Leverage,
			MarginUsed:       evt.MarginAmount,
			LiquidationPrice: liqPrice,
			OpenedAt:         cc.height,
			Status:           state.PositionStatusOpen,
		}
		c.positions.Put(pos)
		acct.OpenPositionsCount++
		acct.LastActivity = cc.height
		c.aggregates.PositionOpened(pos.MarginUsed)

		cc.effects.Positions = append(cc.effects.Positions, *pos)
		cc.effects.Accounts = append(cc.effects.Accounts, c.accountView(evt.TraderID))
		agg := c.aggregates
		cc.effects.Aggregates = &agg

		posCopy := *pos
		cc.receipt.Position = &posCopy
		cc.receipt.PositionID = pos.PositionID
		cc.receipt.LiquidationPrice = pos.LiquidationPrice

		if c.metrics != nil {
			c.metrics.PositionsOpened.WithLabelValues(pos.AssetPair, pos.Side.String()).Inc()
		}
	}, nil
}

// lookupOpenPosition resolves (trader, id) to an Open position
func (c *DeterministicCore) lookupOpenPosition(trader uuid.UUID, positionID uint64) (*state.Position, error) {
	pos := c.positions.Get(trader, positionID)
	if pos == nil {
		return nil, fmt.Errorf("position %s/%d: %w", trader, positionID, state.ErrTradeNotFound)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %s/%d is %s: %w", trader, positionID, pos.Status, state.ErrPositionClosed)
	}
	return pos, nil
}

func (c *DeterministicCore) handleClosePosition(evt *event.ClosePosition, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsActiveTrader(evt.TraderID) {
		return nil, nil, fmt.Errorf("close for %s: %w", evt.TraderID, state.ErrNotAuthorized)
	}
	pos, err := c.lookupOpenPosition(evt.TraderID, evt.PositionID)
	if err != nil {
		return nil, nil, err
	}

	batch, err := c.journalGen.GenerateMarginRelease(evt.TraderID, eventRef, pos.MarginUsed, c.assetID)
	if err != nil {
		return nil, nil, fmt.Errorf("close %s/%d: %w", evt.TraderID, evt.PositionID, err)
	}

	return batch, func(cc *commitContext) {
		c.endPosition(cc, pos, state.PositionStatusClosed)
		cc.receipt.MarginReleased = pos.MarginUsed
		if c.metrics != nil {
			c.metrics.PositionsClosed.WithLabelValues(pos.AssetPair).Inc()
		}
	}, nil
}

func (c *DeterministicCore) handleLiquidatePosition(evt *event.LiquidatePosition, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.CanLiquidate(evt.OperatorID) {
		return nil, nil, fmt.Errorf("liquidate by %s: %w", evt.OperatorID, state.ErrNotAuthorized)
	}
	pos, err := c.lookupOpenPosition(evt.TraderID, evt.PositionID)
	if err != nil {
		return nil, nil, err
	}

	batch, err := c.journalGen.GenerateMarginForfeit(evt.TraderID, eventRef, pos.MarginUsed, c.assetID)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidate %s/%d: %w", evt.TraderID, evt.PositionID, err)
	}

	return batch, func(cc *commitContext) {
		c.endPosition(cc, pos, state.PositionStatusLiquidated)
		cc.receipt.MarginForfeited = pos.MarginUsed
		fund := c.GetInsuranceFundBalance()
		cc.effects.InsuranceFund = &fund
		if c.metrics != nil {
			c.metrics.PositionsLiquidated.WithLabelValues(pos.AssetPair).Inc()
			c.metrics.InsuranceFund.Set(float64(fund))
		}
	}, nil
}

// endPosition moves an Open position to a terminal status and unwinds the
// counters. A margin call raised for this position is cleared.
func (c *DeterministicCore) endPosition(cc *commitContext, pos *state.Position, status state.PositionStatus) {
	if !pos.Status.CanTransitionTo(status) {
		panic(fmt.Sprintf("FATAL: position %s/%d cannot go %s -> %s", pos.Owner, pos.PositionID, pos.Status, status))
	}
	pos.Status = status
	pos.ClosedAt = cc.height

	acct := c.accounts.GetOrCreate(pos.Owner)
	acct.OpenPositionsCount--
	acct.LastActivity = cc.height
	c.aggregates.PositionEnded(pos.MarginUsed)

	if cleared := c.marginCalls.ClearForPosition(pos.Owner, pos.PositionID, cc.height); cleared != nil {
		cc.effects.MarginCalls = append(cc.effects.MarginCalls, *cleared)
		if c.metrics != nil {
			c.metrics.MarginCallsCleared.Inc()
		}
	}

	cc.effects.Positions = append(cc.effects.Positions, *pos)
	cc.effects.Accounts = append(cc.effects.Accounts, c.accountView(pos.Owner))
	agg := c.aggregates
	cc.effects.Aggregates = &agg

	posCopy := *pos
	cc.receipt.Position = &posCopy
	cc.receipt.PositionID = pos.PositionID
}

// --- Margin call monitor ---

func (c *DeterministicCore) handleEvaluateMarginCall(evt *event.EvaluateMarginCall, eventRef string) (*ledger.Batch, applyFunc, error) {
	pos := c.positions.Get(evt.TraderID, evt.PositionID)
	if pos == nil || !pos.IsOpen() {
		return nil, nil, fmt.Errorf("evaluate %s/%d: %w", evt.TraderID, evt.PositionID, state.ErrTradeNotFound)
	}
	if evt.CurrentPrice <= 0 || evt.CurrentPrice > fpmath.MaxPrice {
		return nil, nil, fmt.Errorf("%w: current price %d", state.ErrInvalidAmount, evt.CurrentPrice)
	}

	report := c.risk.Evaluate(pos, evt.CurrentPrice, c.admin.Rules())

	return c.journalGen.EmptyBatch(eventRef), func(cc *commitContext) {
		// An explicit evaluation always overwrites the trader's record, even
		// with a healthy report. Only the mark-price sweep keeps the largest
		// shortfall.
		prev, _ := c.marginCalls.Get(evt.TraderID)
		mc := c.marginCalls.Record(evt.TraderID, evt.PositionID, report, cc.height)
		c.recordMarginCallTransition(prev, mc)

		cc.effects.MarginCalls = append(cc.effects.MarginCalls, *mc)
		mcCopy := *mc
		cc.receipt.MarginCall = &mcCopy
	}, nil
}

// handleMarkPriceUpdate stores the price and sweeps every Open position on
// the pair. Per trader the record becomes the at-risk position with the
// largest shortfall; an active call raised for a position on this pair is
// cleared once none of the trader's positions here is at risk. An active
// call on another pair is only replaced by a larger shortfall.
func (c *DeterministicCore) handleMarkPriceUpdate(evt *event.MarkPriceUpdate, eventRef string) (*ledger.Batch, applyFunc, error) {
	if evt.AssetPair == "" || evt.MarkPrice <= 0 || evt.MarkPrice > fpmath.MaxPrice {
		return nil, nil, fmt.Errorf("%w: mark price %d for %q", state.ErrInvalidAmount, evt.MarkPrice, evt.AssetPair)
	}

	return c.journalGen.EmptyBatch(eventRef), func(cc *commitContext) {
		c.positions.UpdateMarkPrice(evt.AssetPair, evt.MarkPrice, evt.PriceSequence, cc.height)
		cc.effects.MarkPrice = &MarkPriceView{
			AssetPair: evt.AssetPair,
			MarkPriceState: state.MarkPriceState{
				Price:         evt.MarkPrice,
				PriceSequence: evt.PriceSequence,
				Height:        cc.height,
			},
		}

		type worst struct {
			pos    *state.Position
			report state.HealthReport
		}
		rules := c.admin.Rules()
		var owners []uuid.UUID
		perOwner := make(map[uuid.UUID]*worst)

		for _, pos := range c.positions.OpenByPair(evt.AssetPair) {
			w, seen := perOwner[pos.Owner]
			if !seen {
				w = &worst{}
				perOwner[pos.Owner] = w
				owners = append(owners, pos.Owner)
			}
			report := c.risk.Evaluate(pos, evt.MarkPrice, rules)
			if report.AtRisk && (w.pos == nil || report.RequiredMarginDeposit > w.report.RequiredMarginDeposit) {
				w.pos, w.report = pos, report
			}
		}

		for _, owner := range owners {
			w := perOwner[owner]
			prev, hasPrev := c.marginCalls.Get(owner)
			prevActive := hasPrev && prev.IsMarginCall
			prevOnPair := prevActive && c.positionOnPair(owner, prev.PositionID, evt.AssetPair)

			var mc *state.MarginCall
			switch {
			case w.pos != nil:
				if prevActive && !prevOnPair && prev.RequiredMarginDeposit > w.report.RequiredMarginDeposit {
					continue
				}
				mc = c.marginCalls.Record(owner, w.pos.PositionID, w.report, cc.height)
			case prevOnPair:
				mc = c.marginCalls.ClearForPosition(owner, prev.PositionID, cc.height)
			default:
				continue
			}

			c.recordMarginCallTransition(prev, mc)
			cc.effects.MarginCalls = append(cc.effects.MarginCalls, *mc)
		}
	}, nil
}

func (c *DeterministicCore) positionOnPair(owner uuid.UUID, positionID uint64, assetPair string) bool {
	pos := c.positions.Get(owner, positionID)
	return pos != nil && pos.AssetPair == assetPair
}

func (c *DeterministicCore) recordMarginCallTransition(prev, next *state.MarginCall) {
	if c.metrics == nil || next == nil {
		return
	}
	wasActive := prev != nil && prev.IsMarginCall
	switch {
	case next.IsMarginCall && !wasActive:
		c.metrics.MarginCallsRaised.Inc()
	case !next.IsMarginCall && wasActive:
		c.metrics.MarginCallsCleared.Inc()
	}
}

// --- Administration ---

func (c *DeterministicCore) handleSetAdmin(evt *event.SetAdmin, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsAdmin(evt.Caller) {
		return nil, nil, fmt.Errorf("set admin by %s: %w", evt.Caller, state.ErrNotAuthorized)
	}
	if evt.NewAdmin == uuid.Nil {
		return nil, nil, fmt.Errorf("%w: new admin must not be nil", state.ErrInvalidAmount)
	}

	return c.journalGen.EmptyBatch(eventRef), func(cc *commitContext) {
		if err := c.admin.SetAdmin(evt.NewAdmin); err != nil {
			panic(fmt.Sprintf("FATAL: pre-checked set admin failed: %v", err))
		}
		admin := evt.NewAdmin
		cc.effects.Admin = &admin
	}, nil
}

func (c *DeterministicCore) handleUpdateLiquidationRules(evt *event.UpdateLiquidationRules, eventRef string) (*ledger.Batch, applyFunc, error) {
	if !c.gate.IsAdmin(evt.Caller) {
		return nil, nil, fmt.Errorf("update rules by %s: %w", evt.Caller, state.ErrNotAuthorized)
	}
	model, err := state.ParseHealthModel(evt.HealthModel)
	if err != nil {
		return nil, nil, err
	}
	rules := state.LiquidationRules{
		HealthModel:          model,
		ThresholdPPM:         evt.ThresholdPPM,
		MaintenanceMarginPPM: evt.MaintenanceMarginPPM,
		LegacyMinHealth:      evt.LegacyMinHealth,
	}
	if err := state.ValidateLiquidationRules(rules); err != nil {
		return nil, nil, err
	}

	return c.journalGen.EmptyBatch(eventRef), func(cc *commitContext) {
		if err := c.admin.UpdateRules(rules); err != nil {
			panic(fmt.Sprintf("FATAL: pre-checked rules rejected: %v", err))
		}
		cc.effects.Rules = &rules
	}, nil
}
