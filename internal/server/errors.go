package server

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errBadRequest marks malformed request payloads
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// codeFor maps engine and shell errors to gRPC codes.
func codeFor(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, errBadRequest):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrNotAuthorized):
		return codes.PermissionDenied
	case errors.Is(err, state.ErrInvalidLeverage),
		errors.Is(err, state.ErrInvalidAmount),
		errors.Is(err, state.ErrInvalidRules):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrTradeNotFound),
		errors.Is(err, state.ErrUnknownUser),
		errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, state.ErrPositionClosed),
		errors.Is(err, state.ErrPositionAlreadyOpen),
		errors.Is(err, state.ErrUserExists):
		return codes.FailedPrecondition
	case errors.Is(err, state.ErrInsufficientMargin):
		return codes.ResourceExhausted
	case errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrOutOfOrder):
		return codes.Aborted
	case errors.Is(err, core.ErrUnknownOperation):
		return codes.Unimplemented
	case errors.Is(err, core.ErrDispatcherStopped):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// toStatus converts an error into a gRPC status error. Errors that are
// already statuses pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}
