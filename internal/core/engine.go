package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultIdempotencyCapacity bounds the tier-1 LRU when the config leaves it unset.
const DefaultIdempotencyCapacity = 1_000_000

// globalCheckInterval is how often (in sequences) the full sum invariants run.
const globalCheckInterval = 1000

// Config is the genesis state plus core tuning. Every replica must start
// from the same AdminID and Rules.
type Config struct {
	AdminID             uuid.UUID
	Rules               state.LiquidationRules
	IdempotencyCapacity int
}

// DeterministicCore is the single-threaded operation processor
type DeterministicCore struct {
	sequence       int64
	assetID        ledger.AssetID
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	users          *state.UserRegistry
	accounts       *state.AccountBook
	positions      *state.PositionStore
	admin          *state.Administration
	gate           *state.IdentityGate
	risk           *state.RiskCalculator
	marginCalls    *state.MarginCallMonitor
	aggregates     state.GlobalAggregates
	idempotency    *IdempotencyChecker
	cursors        *PartitionCursors
	metrics        *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	assetID, ok := ledger.GetAssetID(ledger.DefaultMarginAsset)
	if !ok {
		panic("FATAL: margin asset not registered")
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}

	const startSequence = 1
	balanceTracker := ledger.NewBalanceTracker()
	users := state.NewUserRegistry()
	admin := state.NewAdministration(cfg.AdminID, cfg.Rules)

	return &DeterministicCore{
		sequence:       startSequence,
		assetID:        assetID,
		hasher:         NewStateHasher(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(startSequence, balanceTracker),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		users:          users,
		accounts:       state.NewAccountBook(),
		positions:      state.NewPositionStore(),
		admin:          admin,
		gate:           state.NewIdentityGate(users, admin),
		risk:           state.NewRiskCalculator(),
		marginCalls:    state.NewMarginCallMonitor(),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker),
		cursors:        NewPartitionCursors(),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// commitContext collects what an operation's apply step writes
type commitContext struct {
	height  int64
	receipt *Receipt
	effects *Effects
}

// applyFunc performs an operation's entity writes. It runs only after every
// validation has passed and the batch is applied, and must not fail.
type applyFunc func(cc *commitContext)

// ProcessEvent is the main processing pipeline. A returned error means the
// operation was rejected and left no observable change.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Receipt, error) {
	return c.process(evt, false)
}

// ProcessReplayed re-applies an operation read back from the event log. The
// partition cursor is re-seeded from the stored source sequence (rejected
// operations advanced it without being logged), dedup is skipped and no
// outputs are emitted.
func (c *DeterministicCore) ProcessReplayed(evt event.Event) (*Receipt, error) {
	if evt.EventType() != event.EventTypeMarkPriceUpdate {
		c.cursors.Seed(evt.Partition(), evt.SourceSequence())
	}
	return c.process(evt, true)
}

func (c *DeterministicCore) process(evt event.Event, replay bool) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	partition := evt.Partition()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := false
	if !replay {
		var tier DedupTier
		isDuplicate, tier = c.idempotency.Lookup(eventType, idempotencyKey)
		c.recordDedup(eventType, tier)
	}

	// Step 2: Sequence validation
	if evt.EventType() == event.EventTypeMarkPriceUpdate {
		if !isDuplicate && !c.cursors.CheckPrice(partition, evt.SourceSequence()) {
			c.recordRejected(eventType, "stale")
			r := noopReceipt(evt.EventType())
			r.Stale = true
			return r, nil
		}
	} else if err := c.cursors.Check(partition, evt.SourceSequence(), isDuplicate); err != nil {
		c.recordSequenceError(eventType, partition, err)
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		r := noopReceipt(evt.EventType())
		r.Duplicate = true
		return r, nil
	}

	// Step 3: Dispatch - validate and build the batch
	c.journalGen.SetSequence(c.sequence)
	eventRef := fmt.Sprintf("%s:%s", eventType, idempotencyKey)
	batch, apply, err := c.dispatchEvent(evt, eventRef)
	if err != nil {
		c.recordRejected(eventType, rejectReason(err))
		if !replay && c.persistChan != nil && needsDurableCursor(evt) {
			c.persistChan <- CoreOutput{Cursor: &CursorAdvance{Partition: partition, Next: c.cursors.Next(partition)}}
		}
		return nil, err
	}

	// Step 4: Apply batch to balances
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply of pre-checked batch failed: %v", err))
		}
	}

	// Step 5: Entity writes
	cc := &commitContext{
		height:  c.sequence,
		receipt: &Receipt{Sequence: c.sequence, EventType: evt.EventType()},
		effects: &Effects{},
	}
	apply(cc)

	// Step 6: Post-checks
	if err := c.postCheckInvariants(batch, cc.effects); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Hash chain
	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, c.computeStateDigest(batch, cc.effects))
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	cc.receipt.StateHash = stateHash

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		SourceSequence: evt.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope: envelope,
		Op:       evt,
		Batch:    batch,
		Effects:  cc.effects,
	}

	// Step 8: Emit outputs. Persist send blocks (backpressure); projection
	// send drops when full, projections can be rebuilt from the log.
	if !replay {
		c.emit(output)
	}

	// Step 9: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++

	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
		c.metrics.TotalMarginLocked.Set(float64(c.aggregates.TotalMarginLocked))
		c.metrics.TotalOpenPositions.Set(float64(c.aggregates.TotalOpenPositions))
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	return cc.receipt, nil
}

// needsDurableCursor reports whether a rejected op moves a cursor that the
// event log cannot rebuild. The API partition is stamped by the dispatcher
// and price feeds may skip ahead, so only upstream command partitions
// qualify.
func needsDurableCursor(evt event.Event) bool {
	return evt.EventType() != event.EventTypeMarkPriceUpdate &&
		evt.Partition() != "origin:"+event.OriginAPI
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}
}

func (c *DeterministicCore) recordRejected(eventType, reason string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreOpsRejected.WithLabelValues(eventType, reason).Inc()
}

func (c *DeterministicCore) recordDedup(eventType string, tier DedupTier) {
	if c.metrics == nil {
		return
	}
	switch tier {
	case TierLRU, TierPostgres:
		c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier.String()).Inc()
	case TierError:
		c.metrics.DedupTier2Errors.Inc()
	}
}

func (c *DeterministicCore) recordSequenceError(eventType, partition string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSequenceGap):
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		c.recordRejected(eventType, "sequence_gap")
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		c.recordRejected(eventType, "out_of_order")
	}
}

// rejectReason maps an engine error to a metric label
func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, state.ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, state.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, state.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, state.ErrPositionAlreadyOpen):
		return "position_already_open"
	case errors.Is(err, state.ErrTradeNotFound):
		return "trade_not_found"
	case errors.Is(err, state.ErrPositionClosed):
		return "position_closed"
	case errors.Is(err, state.ErrInvalidRules):
		return "invalid_rules"
	case errors.Is(err, state.ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, state.ErrUserExists):
		return "user_exists"
	default:
		return "other"
	}
}

// StampIfNeeded assigns the next expected source sequence to API-origin
// operations that arrived without one. Must run on the core goroutine.
func (c *DeterministicCore) StampIfNeeded(evt event.Event) {
	if s, ok := evt.(event.Stampable); ok && s.NeedsStamp() {
		s.StampSequence(c.cursors.Next(evt.Partition()))
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched with its new balance, then the written entities.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, effects *Effects) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	return append(digest, effects.canonicalBytes()...)
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

// postCheckInvariants validates invariants after the commit. Affected
// traders are checked every time; the global sums every globalCheckInterval.
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch, effects *Effects) error {
	for _, view := range effects.Accounts {
		if err := c.checkTrader(view.Owner); err != nil {
			return err
		}
	}

	if c.aggregates.TotalOpenPositions < 0 || c.aggregates.TotalMarginLocked < 0 {
		return fmt.Errorf("negative aggregates: %+v", c.aggregates)
	}

	if c.sequence%globalCheckInterval == 0 {
		return c.CheckInvariants()
	}
	return nil
}

func (c *DeterministicCore) checkTrader(owner uuid.UUID) error {
	if err := c.validator.ValidateUserBalances(owner, c.assetID); err != nil {
		return err
	}

	open := c.positions.OpenByOwner(owner)
	var locked int64
	for _, pos := range open {
		locked += pos.MarginUsed
	}
	if reserved := c.balanceTracker.GetUserReservedBalance(owner, c.assetID); reserved != locked {
		return fmt.Errorf("trader %s reserved %d, open margin %d", owner, reserved, locked)
	}
	if acct, ok := c.accounts.Get(owner); ok && acct.OpenPositionsCount != int64(len(open)) {
		return fmt.Errorf("trader %s open_positions_count %d, actual %d", owner, acct.OpenPositionsCount, len(open))
	}
	return nil
}

// CheckInvariants runs every sum invariant over the full state: the ledger
// is zero-sum, total_margin_locked matches both Σ margin_used and Σ reserved,
// and total_open_positions matches the account counters.
func (c *DeterministicCore) CheckInvariants() error {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := c.validator.ValidateReservedTotal(c.assetID, c.aggregates.TotalMarginLocked); err != nil {
		return err
	}
	if err := c.aggregates.CheckConsistency(c.positions, c.accounts); err != nil {
		return err
	}
	for _, acct := range c.accounts.All() {
		if err := c.checkTrader(acct.Owner); err != nil {
			return err
		}
	}
	return nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event, eventRef string) (*ledger.Batch, applyFunc, error) {
	switch e := evt.(type) {
	case *event.RegisterUser:
		return c.handleRegisterUser(e, eventRef)
	case *event.VerifyUser:
		return c.handleVerifyUser(e, eventRef)
	case *event.SetUserActive:
		return c.handleSetUserActive(e, eventRef)
	case *event.DepositMargin:
		return c.handleDepositMargin(e, eventRef)
	case *event.WithdrawMargin:
		return c.handleWithdrawMargin(e, eventRef)
	case *event.OpenPosition:
		return c.handleOpenPosition(e, eventRef)
	case *event.ClosePosition:
		return c.handleClosePosition(e, eventRef)
	case *event.LiquidatePosition:
		return c.handleLiquidatePosition(e, eventRef)
	case *event.EvaluateMarginCall:
		return c.handleEvaluateMarginCall(e, eventRef)
	case *event.MarkPriceUpdate:
		return c.handleMarkPriceUpdate(e, eventRef)
	case *event.SetAdmin:
		return c.handleSetAdmin(e, eventRef)
	case *event.UpdateLiquidationRules:
		return c.handleUpdateLiquidationRules(e, eventRef)
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnknownOperation, evt)
	}
}

// --- Read accessors. Same goroutine as ProcessEvent only. ---

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) GetUser(id uuid.UUID) (state.User, bool) {
	u, ok := c.users.Get(id)
	if !ok {
		return state.User{}, false
	}
	return *u, true
}

func (c *DeterministicCore) GetAccount(owner uuid.UUID) (AccountView, bool) {
	if _, ok := c.accounts.Get(owner); !ok {
		return AccountView{}, false
	}
	return c.accountView(owner), true
}

func (c *DeterministicCore) GetPosition(owner uuid.UUID, positionID uint64) (state.Position, bool) {
	pos := c.positions.Get(owner, positionID)
	if pos == nil {
		return state.Position{}, false
	}
	return *pos, true
}

func (c *DeterministicCore) GetMarginCall(owner uuid.UUID) (state.MarginCall, bool) {
	mc, ok := c.marginCalls.Get(owner)
	if !ok {
		return state.MarginCall{}, false
	}
	return *mc, true
}

func (c *DeterministicCore) GetAggregates() state.GlobalAggregates {
	return c.aggregates
}

func (c *DeterministicCore) GetAdminID() uuid.UUID {
	return c.admin.AdminID()
}

func (c *DeterministicCore) GetRules() state.LiquidationRules {
	return c.admin.Rules()
}

func (c *DeterministicCore) GetMarkPrice(assetPair string) (int64, bool) {
	return c.positions.GetMarkPrice(assetPair)
}

// GetInsuranceFundBalance returns the balance forfeited margin accrues to.
func (c *DeterministicCore) GetInsuranceFundBalance() int64 {
	return c.balanceTracker.GetBalance(c.insuranceFundKey())
}

// IdentityGate exposes the role predicates for read-only callers.
func (c *DeterministicCore) IdentityGate() *state.IdentityGate {
	return c.gate
}

func (c *DeterministicCore) insuranceFundKey() ledger.AccountKey {
	return ledger.NewSystemAccountKey(ledger.InsuranceFundName, ledger.SubTypeSystemInsuranceFund, c.assetID)
}

func (c *DeterministicCore) accountView(owner uuid.UUID) AccountView {
	view := AccountView{
		Owner:           owner,
		TotalBalance:    c.balanceTracker.GetUserTotalBalance(owner, c.assetID),
		AvailableMargin: c.balanceTracker.GetUserAvailableBalance(owner, c.assetID),
		ReservedMargin:  c.balanceTracker.GetUserReservedBalance(owner, c.assetID),
	}
	if acct, ok := c.accounts.Get(owner); ok {
		view.OpenPositionsCount = acct.OpenPositionsCount
		view.LastActivity = acct.LastActivity
		view.NextPositionID = acct.NextPositionID
	}
	return view
}
