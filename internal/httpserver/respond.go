package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/billing"
	"github.com/tokligence/tokligence-credits/internal/conversation"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metering"
	"github.com/tokligence/tokligence-credits/internal/payments"
)

var errBadRequest = errors.New("bad request")

const (
	msgInsufficient = "insufficient credits, purchase more"
	msgInternal     = "internal server error"
	msgUpstream     = "completion provider failed; no credits were charged"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest),
		errors.Is(err, metering.ErrInvalidInput),
		errors.Is(err, payments.ErrUnknownPackage),
		errors.Is(err, payments.ErrInvalidSignature),
		errors.Is(err, payments.ErrMalformedEvent),
		errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payments.ErrProcessor):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// publicMessage is the text shown to clients; 5xx details stay in the logs.
func publicMessage(err error, status int) string {
	switch {
	case status == http.StatusPaymentRequired:
		return msgInsufficient
	case status == http.StatusUnauthorized:
		return "authentication required"
	case status == http.StatusNotFound && errors.Is(err, conversation.ErrNotFound):
		return "conversation not found"
	case status == http.StatusNotFound:
		return "account not found"
	case status == http.StatusBadGateway:
		return "payment processor unavailable, try again later"
	case errors.Is(err, metering.ErrUpstreamProvider):
		return msgUpstream
	case status >= http.StatusInternalServerError:
		return msgInternal
	}
	return err.Error()
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg("request failed")
	}
	respondJSON(w, status, errorBody{Error: publicMessage(err, status)})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads one JSON object, rejecting unknown fields and trailing
// data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON body", errBadRequest)
	}
	return nil
}
