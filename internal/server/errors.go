package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"InvoiceLedger/internal/ingestion"
	"InvoiceLedger/internal/ledger"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/projection"
	"InvoiceLedger/internal/reconcile"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// errInvalidArgument marks request validation failures raised by handlers.
	errInvalidArgument = errors.New("invalid argument")
	errUnimplemented   = errors.New("not configured")
)

// codeOf maps ledger errors onto gRPC codes.
func codeOf(err error) codes.Code {
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return s.Code()
	}
	switch {
	case errors.Is(err, ledger.ErrInvoiceNotFound),
		errors.Is(err, ledger.ErrTokenNotFound),
		errors.Is(err, projection.ErrNoPosition),
		errors.Is(err, reconcile.ErrUnknownUnresolved):
		return codes.NotFound
	case errors.Is(err, ledger.ErrDuplicateEvent),
		errors.Is(err, ledger.ErrTokenConflict):
		return codes.AlreadyExists
	case errors.Is(err, ledger.ErrVersionConflict):
		return codes.Aborted
	case ledger.IsBusinessViolation(err),
		errors.Is(err, ledger.ErrNotListed):
		return codes.FailedPrecondition
	case errors.Is(err, errInvalidArgument),
		errors.Is(err, ledger.ErrInvalidTerms),
		errors.Is(err, ingestion.ErrMalformedEvent),
		errors.Is(err, fpmath.ErrInvalidAmount),
		errors.Is(err, fpmath.ErrInvalidRate),
		errors.Is(err, fpmath.ErrOverflow):
		return codes.InvalidArgument
	case errors.Is(err, errUnimplemented):
		return codes.Unimplemented
	case errors.Is(err, reconcile.ErrDispatcherClosed):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// toStatus converts err for a gRPC response.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

// httpStatusOf follows the gateway's code mapping, except that rejected
// lifecycle operations surface as 409.
func httpStatusOf(code codes.Code) int {
	if code == codes.FailedPrecondition {
		return http.StatusConflict
	}
	return runtime.HTTPStatusFromCode(code)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) codes.Code {
	code := codeOf(err)
	msg := err.Error()
	if s, ok := status.FromError(err); ok {
		msg = s.Message()
	}
	writeJSON(w, httpStatusOf(code), errorBody{Code: code.String(), Message: msg})
	return code
}

func writeJSON(w http.ResponseWriter, httpStatus int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(v)
}
