package server

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/query"
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// command binds an RPC name and HTTP route to an operation type.
type command struct {
	Method string
	Path   string
	Type   event.EventType
}

// commands lists every write RPC. HTTP routes are POST.
var commands = []command{
	{"RegisterUser", "/v1/users", event.EventTypeRegisterUser},
	{"VerifyUser", "/v1/users/verify", event.EventTypeVerifyUser},
	{"SetUserActive", "/v1/users/active", event.EventTypeSetUserActive},
	{"DepositMargin", "/v1/margin/deposit", event.EventTypeDepositMargin},
	{"WithdrawMargin", "/v1/margin/withdraw", event.EventTypeWithdrawMargin},
	{"OpenPosition", "/v1/positions/open", event.EventTypeOpenPosition},
	{"ClosePosition", "/v1/positions/close", event.EventTypeClosePosition},
	{"LiquidatePosition", "/v1/positions/liquidate", event.EventTypeLiquidatePosition},
	{"EvaluateMarginCall", "/v1/margin-calls/evaluate", event.EventTypeEvaluateMarginCall},
	{"UpdateMarkPrice", "/v1/mark-prices", event.EventTypeMarkPriceUpdate},
	{"SetAdmin", "/v1/admin", event.EventTypeSetAdmin},
	{"UpdateLiquidationRules", "/v1/admin/liquidation-rules", event.EventTypeUpdateLiquidationRules},
}

// Submitter sequences an operation through the core
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Receipt, error)
}

// Auditor reads the ledger-level views served only over HTTP
type Auditor interface {
	GetBalances(ctx context.Context, owner uuid.UUID) ([]query.BalanceLine, error)
	GetJournalHistory(ctx context.Context, owner uuid.UUID, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// MarginService implements every RPC. gRPC and the HTTP gateway both call it.
type MarginService struct {
	submitter Submitter
	reader    query.Reader
	audit     Auditor
	logger    zerolog.Logger
}

// NewMarginService wires the service. audit may be nil, which disables the
// audit routes.
func NewMarginService(submitter Submitter, reader query.Reader, audit Auditor, logger zerolog.Logger) *MarginService {
	return &MarginService{submitter: submitter, reader: reader, audit: audit, logger: logger}
}

// Command parses a JSON body as an operation of type et and submits it.
func (s *MarginService) Command(ctx context.Context, et event.EventType, body json.RawMessage) (*CommandResponse, error) {
	evt, err := ingestion.ParseCommand(et, body)
	if err != nil {
		return nil, badRequest("%s: %v", et, err)
	}

	receipt, err := s.submitter.Submit(ctx, evt)
	if err != nil {
		s.logger.Debug().Err(err).Str("event_type", et.String()).Msg("command rejected")
		return nil, err
	}
	return receiptDTO(receipt), nil
}

func parseUserID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, badRequest("invalid %s: %q", field, s)
	}
	return id, nil
}

func (s *MarginService) GetUser(ctx context.Context, req *UserRequest) (*UserDTO, error) {
	id, err := parseUserID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	u, err := s.reader.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return userFromQuery(u), nil
}

func (s *MarginService) GetAccount(ctx context.Context, req *UserRequest) (*AccountDTO, error) {
	id, err := parseUserID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	a, err := s.reader.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return accountFromQuery(a), nil
}

func (s *MarginService) GetPosition(ctx context.Context, req *PositionRequest) (*PositionDTO, error) {
	owner, err := parseUserID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	p, err := s.reader.GetPosition(ctx, owner, req.PositionID)
	if err != nil {
		return nil, err
	}
	dto := positionFromQuery(*p)
	return &dto, nil
}

func (s *MarginService) ListPositions(ctx context.Context, req *ListPositionsRequest) (*PositionListDTO, error) {
	owner, err := parseUserID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	positions, err := s.reader.ListPositions(ctx, owner, req.OpenOnly)
	if err != nil {
		return nil, err
	}

	resp := &PositionListDTO{Positions: make([]PositionDTO, 0, len(positions))}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, positionFromQuery(p))
		resp.AsOfSequence = p.AsOfSequence
	}
	return resp, nil
}

func (s *MarginService) GetMarginCall(ctx context.Context, req *UserRequest) (*MarginCallDTO, error) {
	id, err := parseUserID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	mc, err := s.reader.GetMarginCall(ctx, id)
	if err != nil {
		return nil, err
	}
	return marginCallFromQuery(mc), nil
}

func (s *MarginService) GetAggregates(ctx context.Context, _ *Empty) (*AggregatesDTO, error) {
	a, err := s.reader.GetAggregates(ctx)
	if err != nil {
		return nil, err
	}
	return aggregatesFromQuery(a), nil
}

// defaultJournalLimit applies when the request leaves limit unset
const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

func (s *MarginService) GetBalances(ctx context.Context, req *UserRequest) (*BalancesDTO, error) {
	id, err := parseUserID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	lines, err := s.audit.GetBalances(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := &BalancesDTO{Owner: id.String(), Balances: make([]BalanceDTO, 0, len(lines))}
	for _, l := range lines {
		resp.Balances = append(resp.Balances, BalanceDTO{
			AccountPath:  l.AccountPath,
			AssetID:      l.AssetID,
			Balance:      quote(l.Balance),
			LastSequence: l.LastSequence,
		})
	}
	return resp, nil
}

func (s *MarginService) GetJournalHistory(ctx context.Context, req *JournalRequest) (*JournalDTO, error) {
	id, err := parseUserID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultJournalLimit
	case limit > maxJournalLimit:
		limit = maxJournalLimit
	}

	entries, err := s.audit.GetJournalHistory(ctx, id, limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	resp := &JournalDTO{Entries: make([]JournalEntryDTO, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, JournalEntryDTO{
			JournalID:     e.JournalID,
			Sequence:      e.Sequence,
			DebitAccount:  e.DebitAccount,
			CreditAccount: e.CreditAccount,
			Amount:        quote(e.Amount),
			JournalType:   e.JournalType,
		})
	}
	return resp, nil
}

func (s *MarginService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.audit.VerifyIntegrity(ctx)
}
