package server

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSubmitter struct {
	got     []event.Event
	receipt *core.Receipt
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, evt event.Event) (*core.Receipt, error) {
	f.got = append(f.got, evt)
	return f.receipt, f.err
}

type fakeReader struct {
	users     map[uuid.UUID]*query.UserResponse
	positions []query.PositionResponse
	agg       *query.AggregatesResponse
}

func (f *fakeReader) GetUser(_ context.Context, id uuid.UUID) (*query.UserResponse, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s: %w", id, query.ErrNotFound)
}

func (f *fakeReader) GetAccount(context.Context, uuid.UUID) (*query.AccountResponse, error) {
	return nil, query.ErrNotFound
}

func (f *fakeReader) GetPosition(_ context.Context, owner uuid.UUID, id uint64) (*query.PositionResponse, error) {
	for i := range f.positions {
		if f.positions[i].Owner == owner && f.positions[i].PositionID == id {
			return &f.positions[i], nil
		}
	}
	return nil, query.ErrNotFound
}

func (f *fakeReader) ListPositions(_ context.Context, owner uuid.UUID, openOnly bool) ([]query.PositionResponse, error) {
	var out []query.PositionResponse
	for _, p := range f.positions {
		if p.Owner == owner && (!openOnly || p.Status == "open") {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeReader) GetMarginCall(context.Context, uuid.UUID) (*query.MarginCallResponse, error) {
	return nil, query.ErrNotFound
}

func (f *fakeReader) GetAggregates(context.Context) (*query.AggregatesResponse, error) {
	return f.agg, nil
}

func newTestGateway(t *testing.T, sub *fakeSubmitter, reader *fakeReader) http.Handler {
	t.Helper()
	return newAuditGateway(t, sub, reader, nil)
}

func newAuditGateway(t *testing.T, sub *fakeSubmitter, reader *fakeReader, audit Auditor) http.Handler {
	t.Helper()
	svc := NewMarginService(sub, reader, audit, zerolog.Nop())
	mux, err := NewGatewayMux(svc, nil, zerolog.Nop())
	require.NoError(t, err)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{badRequest("x"), codes.InvalidArgument},
		{fmt.Errorf("wrap: %w", state.ErrNotAuthorized), codes.PermissionDenied},
		{state.ErrInvalidLeverage, codes.InvalidArgument},
		{state.ErrInvalidAmount, codes.InvalidArgument},
		{state.ErrInvalidRules, codes.InvalidArgument},
		{state.ErrTradeNotFound, codes.NotFound},
		{state.ErrUnknownUser, codes.NotFound},
		{query.ErrNotFound, codes.NotFound},
		{state.ErrPositionClosed, codes.FailedPrecondition},
		{state.ErrPositionAlreadyOpen, codes.FailedPrecondition},
		{state.ErrUserExists, codes.FailedPrecondition},
		{state.ErrInsufficientMargin, codes.ResourceExhausted},
		{core.ErrSequenceGap, codes.Aborted},
		{core.ErrOutOfOrder, codes.Aborted},
		{core.ErrUnknownOperation, codes.Unimplemented},
		{core.ErrDispatcherStopped, codes.Unavailable},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{fmt.Errorf("boom"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, codeFor(tc.err), "%v", tc.err)
	}
}

func TestToStatus_PassesStatusThrough(t *testing.T) {
	st := status.Error(codes.NotFound, "gone")
	assert.Equal(t, st, toStatus(st))

	got, ok := status.FromError(toStatus(state.ErrInsufficientMargin))
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, got.Code())
	assert.Nil(t, toStatus(nil))
}

func TestReceiptDTO_Deposit(t *testing.T) {
	r := &core.Receipt{Sequence: 4, EventType: event.EventTypeDepositMargin, AvailableMargin: 12_500_000}
	r.StateHash[0] = 0xab

	dto := receiptDTO(r)
	assert.Equal(t, "DepositMargin", dto.EventType)
	require.NotNil(t, dto.AvailableMargin)
	assert.Equal(t, "12.5", dto.AvailableMargin.String())
	assert.True(t, strings.HasPrefix(dto.StateHash, "ab"))
	assert.Len(t, dto.StateHash, 64)
}

func TestReceiptDTO_DuplicateOmitsDetails(t *testing.T) {
	r := &core.Receipt{Sequence: -1, EventType: event.EventTypeWithdrawMargin, Duplicate: true, AvailableMargin: 1}

	dto := receiptDTO(r)
	assert.True(t, dto.Duplicate)
	assert.Empty(t, dto.StateHash)
	assert.Nil(t, dto.AvailableMargin)
}

func TestReceiptDTO_OpenPosition(t *testing.T) {
	owner := uuid.New()
	r := &core.Receipt{
		Sequence:         7,
		EventType:        event.EventTypeOpenPosition,
		PositionID:       1,
		LiquidationPrice: 80_00,
		Position: &state.Position{
			Owner: owner, PositionID: 1, AssetPair: "BTC-USD", Side: event.SideLong,
			EntryPrice: 100_00, Leverage: 5, MarginUsed: 10_000_000, LiquidationPrice: 80_00,
			Status: state.PositionStatusOpen,
		},
	}

	dto := receiptDTO(r)
	require.NotNil(t, dto.LiquidationPrice)
	assert.Equal(t, "80", dto.LiquidationPrice.String())
	require.NotNil(t, dto.Position)
	assert.Equal(t, "open", dto.Position.Status)
	assert.Equal(t, "long", dto.Position.Side)
	assert.Equal(t, "10", dto.Position.MarginUsed.String())
}

func TestGateway_DepositCommand(t *testing.T) {
	trader := uuid.New()
	sub := &fakeSubmitter{receipt: &core.Receipt{Sequence: 2, EventType: event.EventTypeDepositMargin, AvailableMargin: 5_000_000}}
	h := newTestGateway(t, sub, &fakeReader{})

	rec := do(t, h, http.MethodPost, "/v1/margin/deposit", fmt.Sprintf(`{"trader_id":%q,"amount":"5"}`, trader))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, sub.got, 1)
	dep, ok := sub.got[0].(*event.DepositMargin)
	require.True(t, ok)
	assert.Equal(t, trader, dep.TraderID)
	assert.Equal(t, int64(5_000_000), dep.Amount)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "5", resp["available_margin"])
	assert.Equal(t, float64(2), resp["sequence"])
}

func TestGateway_MalformedCommandIsBadRequest(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestGateway(t, sub, &fakeReader{})

	rec := do(t, h, http.MethodPost, "/v1/margin/deposit", `{"trader_id":"nope","amount":"5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, sub.got)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, codes.InvalidArgument.String(), body.Code)
}

func TestGateway_EngineRejectionMapsStatus(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("withdraw: %w", state.ErrInsufficientMargin)}
	h := newTestGateway(t, sub, &fakeReader{})

	rec := do(t, h, http.MethodPost, "/v1/margin/withdraw", fmt.Sprintf(`{"trader_id":%q,"amount":"1"}`, uuid.New()))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGateway_GetUser(t *testing.T) {
	id := uuid.New()
	reader := &fakeReader{users: map[uuid.UUID]*query.UserResponse{
		id: {ID: id, Role: "trader", IsActive: true, AsOfSequence: 9},
	}}
	h := newTestGateway(t, &fakeSubmitter{}, reader)

	rec := do(t, h, http.MethodGet, "/v1/users/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var u UserDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, id.String(), u.ID)
	assert.Equal(t, int64(9), u.AsOfSequence)

	rec = do(t, h, http.MethodGet, "/v1/users/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/users/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_ListPositionsOpenOnly(t *testing.T) {
	owner := uuid.New()
	reader := &fakeReader{positions: []query.PositionResponse{
		{Owner: owner, PositionID: 1, Status: "closed", AsOfSequence: 5},
		{Owner: owner, PositionID: 2, Status: "open", EntryPrice: 250_00, AsOfSequence: 5},
	}}
	h := newTestGateway(t, &fakeSubmitter{}, reader)

	rec := do(t, h, http.MethodGet, "/v1/positions/"+owner.String()+"?open_only=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list PositionListDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Positions, 1)
	assert.Equal(t, uint64(2), list.Positions[0].PositionID)
	assert.Equal(t, "250", list.Positions[0].EntryPrice.String())
	assert.Equal(t, int64(5), list.AsOfSequence)

	rec = do(t, h, http.MethodGet, "/v1/positions/"+owner.String()+"/2", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/positions/"+owner.String()+"/x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_Aggregates(t *testing.T) {
	reader := &fakeReader{agg: &query.AggregatesResponse{TotalOpenPositions: 3, TotalMarginLocked: 1_500_000, AsOfSequence: 11}}
	h := newTestGateway(t, &fakeSubmitter{}, reader)

	rec := do(t, h, http.MethodGet, "/v1/aggregates", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var agg AggregatesDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, int64(3), agg.TotalOpenPositions)
	assert.Equal(t, "1.5", agg.TotalMarginLocked.String())
}

func TestServiceDesc_ListsEveryMethod(t *testing.T) {
	desc := serviceDesc()
	names := make(map[string]bool)
	for _, m := range desc.Methods {
		names[m.MethodName] = true
	}
	for _, c := range commands {
		assert.True(t, names[c.Method], c.Method)
	}
	for _, q := range []string{"GetUser", "GetAccount", "GetPosition", "ListPositions", "GetMarginCall", "GetAggregates"} {
		assert.True(t, names[q], q)
	}
	assert.Len(t, desc.Methods, len(commands)+6)
}

func TestOpsRouter_Health(t *testing.T) {
	health := observability.NewHealthChecker()
	reg := prometheus.NewRegistry()
	observability.NewMetricsWith(reg)
	h := NewOpsRouter(health, reg)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)

	health.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	health.AddProbe("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec := do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "margin_")
}

type fakeAuditor struct {
	limit  int
	before *int64
}

func (f *fakeAuditor) GetBalances(_ context.Context, owner uuid.UUID) ([]query.BalanceLine, error) {
	return []query.BalanceLine{{AccountPath: "user:" + owner.String() + ":collateral:USDC", AssetID: 2, Balance: 2_250_000, LastSequence: 3}}, nil
}

func (f *fakeAuditor) GetJournalHistory(_ context.Context, _ uuid.UUID, limit int, before *int64) ([]query.JournalHistoryEntry, error) {
	f.limit, f.before = limit, before
	return []query.JournalHistoryEntry{{JournalID: "j1", Sequence: 2, Amount: 1_000_000, JournalType: "Deposit"}}, nil
}

func (f *fakeAuditor) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, AsOfSequence: 3}, nil
}

func TestGateway_AuditRoutes(t *testing.T) {
	audit := &fakeAuditor{}
	h := newAuditGateway(t, &fakeSubmitter{}, &fakeReader{}, audit)
	owner := uuid.New()

	rec := do(t, h, http.MethodGet, "/v1/accounts/"+owner.String()+"/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var balances BalancesDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	require.Len(t, balances.Balances, 1)
	assert.Equal(t, "2.25", balances.Balances[0].Balance.String())

	rec = do(t, h, http.MethodGet, "/v1/accounts/"+owner.String()+"/journal?limit=5000&before_sequence=9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxJournalLimit, audit.limit)
	require.NotNil(t, audit.before)
	assert.Equal(t, int64(9), *audit.before)

	rec = do(t, h, http.MethodGet, "/v1/accounts/"+owner.String()+"/journal?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_healthy":true`)
}

func TestGateway_AuditRoutesDisabledWithoutAuditor(t *testing.T) {
	h := newTestGateway(t, &fakeSubmitter{}, &fakeReader{})
	rec := do(t, h, http.MethodGet, "/v1/admin/integrity", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
