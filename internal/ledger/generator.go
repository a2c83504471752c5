package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic batch and journal ids so replicas
// replaying the same log produce identical rows.
var journalNamespace = uuid.MustParse("6f1c7a2e-3b0d-5c8e-9a41-2d7e0b5f3c19")

// JournalGenerator creates balanced journal batches for margin movements.
// Pre-checks run before any batch is built; a failed pre-check yields no batch.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence aligns the generator with the core's next sequence.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// GenerateDeposit moves funds: external:deposits -> user:collateral
func (jg *JournalGenerator) GenerateDeposit(userID uuid.UUID, eventRef string, amount int64, assetID AssetID) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	return jg.single(eventRef, JournalTypeDeposit, amount, assetID,
		NewUserAccountKey(userID, SubTypeCollateral, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
	), nil
}

// GenerateWithdrawal moves funds: user:collateral -> external:withdrawals.
// Pre-check: sufficient available (reserved margin is never withdrawable).
func (jg *JournalGenerator) GenerateWithdrawal(userID uuid.UUID, eventRef string, amount int64, assetID AssetID) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}
	return jg.single(eventRef, JournalTypeWithdrawal, amount, assetID,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewUserAccountKey(userID, SubTypeCollateral, assetID),
	), nil
}

// GenerateMarginReserve earmarks margin: user:collateral -> user:reserved
func (jg *JournalGenerator) GenerateMarginReserve(userID uuid.UUID, eventRef string, amount int64, assetID AssetID) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("margin reserve pre-check failed: %w", err)
	}
	return jg.single(eventRef, JournalTypeMarginReserve, amount, assetID,
		NewUserAccountKey(userID, SubTypeReserved, assetID),
		NewUserAccountKey(userID, SubTypeCollateral, assetID),
	), nil
}

// GenerateMarginRelease returns margin: user:reserved -> user:collateral
func (jg *JournalGenerator) GenerateMarginRelease(userID uuid.UUID, eventRef string, amount int64, assetID AssetID) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientReserved(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("margin release pre-check failed: %w", err)
	}
	return jg.single(eventRef, JournalTypeMarginRelease, amount, assetID,
		NewUserAccountKey(userID, SubTypeCollateral, assetID),
		NewUserAccountKey(userID, SubTypeReserved, assetID),
	), nil
}

// GenerateMarginForfeit seizes margin: user:reserved -> system:insurance_fund
func (jg *JournalGenerator) GenerateMarginForfeit(userID uuid.UUID, eventRef string, amount int64, assetID AssetID) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientReserved(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("margin forfeit pre-check failed: %w", err)
	}
	return jg.single(eventRef, JournalTypeMarginForfeit, amount, assetID,
		NewSystemAccountKey(InsuranceFundName, SubTypeSystemInsuranceFund, assetID),
		NewUserAccountKey(userID, SubTypeReserved, assetID),
	), nil
}

// EmptyBatch is used by state-only operations (registry, admin, margin calls).
func (jg *JournalGenerator) EmptyBatch(eventRef string) *Batch {
	return &Batch{
		BatchID:  jg.batchID(eventRef),
		EventRef: eventRef,
		Sequence: jg.sequence,
	}
}

func (jg *JournalGenerator) single(
	eventRef string,
	journalType JournalType,
	amount int64,
	assetID AssetID,
	debit, credit AccountKey,
) *Batch {
	batch := jg.EmptyBatch(eventRef)
	batch.Journals = []Journal{{
		JournalID:     uuid.NewSHA1(batch.BatchID, []byte{0}),
		BatchID:       batch.BatchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   journalType,
	}}
	return batch
}

func (jg *JournalGenerator) batchID(eventRef string) uuid.UUID {
	return uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%d:%s", jg.sequence, eventRef)))
}
