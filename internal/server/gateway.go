package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

// maxBodyBytes bounds command request bodies
const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewGatewayMux routes /v1 HTTP/JSON calls to the service. stream, when
// set, is served at GET /v1/stream.
func NewGatewayMux(svc *MarginService, stream http.Handler, logger zerolog.Logger) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	for _, c := range commands {
		et := c.Type
		if err := mux.HandlePath(http.MethodPost, c.Path, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, badRequest("read body: %v", err))
				return
			}
			resp, err := svc.Command(r.Context(), et, body)
			writeResult(w, logger, resp, err)
		}); err != nil {
			return nil, fmt.Errorf("route %s: %w", c.Path, err)
		}
	}

	routes := []route{
		{"/v1/users/{user_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetUser(r.Context(), &UserRequest{UserID: p["user_id"]})
			writeResult(w, logger, resp, err)
		}},
		{"/v1/accounts/{user_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetAccount(r.Context(), &UserRequest{UserID: p["user_id"]})
			writeResult(w, logger, resp, err)
		}},
		{"/v1/positions/{owner}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open_only"))
			resp, err := svc.ListPositions(r.Context(), &ListPositionsRequest{Owner: p["owner"], OpenOnly: openOnly})
			writeResult(w, logger, resp, err)
		}},
		{"/v1/positions/{owner}/{position_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			id, err := strconv.ParseUint(p["position_id"], 10, 64)
			if err != nil {
				writeError(w, badRequest("invalid position_id: %q", p["position_id"]))
				return
			}
			resp, err := svc.GetPosition(r.Context(), &PositionRequest{Owner: p["owner"], PositionID: id})
			writeResult(w, logger, resp, err)
		}},
		{"/v1/margin-calls/{user_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetMarginCall(r.Context(), &UserRequest{UserID: p["user_id"]})
			writeResult(w, logger, resp, err)
		}},
		{"/v1/aggregates", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := svc.GetAggregates(r.Context(), &Empty{})
			writeResult(w, logger, resp, err)
		}},
	}
	if svc.audit != nil {
		routes = append(routes, auditRoutes(svc, logger)...)
	}
	if stream != nil {
		routes = append(routes, route{"/v1/stream", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			stream.ServeHTTP(w, r)
		}})
	}

	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.path, rt.handler); err != nil {
			return nil, fmt.Errorf("route %s: %w", rt.path, err)
		}
	}
	return mux, nil
}

type route struct {
	path    string
	handler runtime.HandlerFunc
}

func auditRoutes(svc *MarginService, logger zerolog.Logger) []route {
	return []route{
		{"/v1/accounts/{user_id}/balances", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetBalances(r.Context(), &UserRequest{UserID: p["user_id"]})
			writeResult(w, logger, resp, err)
		}},
		{"/v1/accounts/{user_id}/journal", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			req := &JournalRequest{UserID: p["user_id"]}
			q := r.URL.Query()
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					writeError(w, badRequest("invalid limit: %q", v))
					return
				}
				req.Limit = n
			}
			if v := q.Get("before_sequence"); v != "" {
				seq, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					writeError(w, badRequest("invalid before_sequence: %q", v))
					return
				}
				req.BeforeSequence = &seq
			}
			resp, err := svc.GetJournalHistory(r.Context(), req)
			writeResult(w, logger, resp, err)
		}},
		{"/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := svc.VerifyIntegrity(r.Context(), &Empty{})
			writeResult(w, logger, resp, err)
		}},
	}
}

func writeResult(w http.ResponseWriter, logger zerolog.Logger, resp any, err error) {
	if err != nil {
		if codeFor(err) == codes.Internal {
			logger.Error().Err(err).Msg("request failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	code := codeFor(err)
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// HTTPGateway serves the gateway mux.
type HTTPGateway struct {
	server *http.Server
	logger zerolog.Logger
}

func NewHTTPGateway(addr string, handler http.Handler, logger zerolog.Logger) *HTTPGateway {
	return &HTTPGateway{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until ctx is cancelled.
func (g *HTTPGateway) Start(ctx context.Context) error {
	return serveHTTP(ctx, g.server, g.logger, "HTTP gateway")
}

func serveHTTP(ctx context.Context, srv *http.Server, logger zerolog.Logger, name string) error {
	go func() {
		<-ctx.Done()
		logger.Info().Msgf("%s shutting down", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", srv.Addr).Msgf("%s listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
