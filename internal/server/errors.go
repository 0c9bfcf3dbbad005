package server

import (
	"context"
	"errors"
	"net/http"

	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorBody is the JSON error returned by the HTTP gateway.
type ErrorBody struct {
	Code    int32  `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// grpcCode maps an error to a gRPC status code.
func grpcCode(err error) codes.Code {
	if code, ok := cdperr.CodeOf(err); ok {
		switch code.Category() {
		case cdperr.CategoryValidation:
			return codes.InvalidArgument
		case cdperr.CategoryArithmetic:
			return codes.OutOfRange
		case cdperr.CategoryAuthorization:
			return codes.PermissionDenied
		default:
			if code == cdperr.CodeVaultNotFound {
				return codes.NotFound
			}
			return codes.FailedPrecondition
		}
	}

	switch {
	case errors.Is(err, query.ErrInvalidFilter), errors.Is(err, errBadRequest):
		return codes.InvalidArgument
	case errors.Is(err, oracle.ErrNoPrice), errors.Is(err, oracle.ErrStalePrice):
		return codes.Unavailable
	case errors.Is(err, core.ErrRunnerStopped), errors.Is(err, errNotConfigured):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Internal
}

// httpStatus maps an error to an HTTP status.
func httpStatus(err error) int {
	switch grpcCode(err) {
	case codes.InvalidArgument:
		if _, ok := cdperr.CodeOf(err); ok {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case codes.OutOfRange:
		return http.StatusUnprocessableEntity
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// errorName is the taxonomy code name, or the gRPC code name for
// infrastructure errors.
func errorName(err error) string {
	if code, ok := cdperr.CodeOf(err); ok {
		return code.String()
	}
	return grpcCode(err).String()
}

// toStatus converts err to a gRPC status error carrying the code name.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		if _, isDomain := cdperr.CodeOf(err); !isDomain {
			return err
		}
	}
	return status.Error(grpcCode(err), errorName(err)+": "+err.Error())
}

func newErrorBody(err error) ErrorBody {
	b := ErrorBody{Name: errorName(err), Message: err.Error()}
	if code, ok := cdperr.CodeOf(err); ok {
		b.Code = int32(code)
	}
	if s, ok := status.FromError(err); ok && b.Code == 0 {
		b.Message = s.Message()
	}
	return b
}

var (
	errBadRequest    = errors.New("bad request")
	errNotConfigured = errors.New("service not configured")
)
