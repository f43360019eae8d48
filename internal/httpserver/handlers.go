package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/health"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metering"
	"github.com/tokligence/tokligence-credits/internal/payments"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
}

type chatResponse struct {
	Message          string         `json:"message"`
	ConversationID   string         `json:"conversation_id"`
	Model            string         `json:"model"`
	TokensUsed       int            `json:"tokens_used"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	CreditsCost      credits.Amount `json:"credits_cost"`
	RemainingCredits credits.Amount `json:"remaining_credits"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.Orchestrator.Chat(r.Context(), metering.Request{
		AccountID:      sess.AccountID,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Model:          req.Model,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, chatResponse{
		Message:          res.Reply,
		ConversationID:   res.ConversationID,
		Model:            res.Model,
		TokensUsed:       res.TokensUsed,
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
		CreditsCost:      res.CreditsCost,
		RemainingCredits: res.RemainingCredits,
	})
}

type checkoutRequest struct {
	PackageType string `json:"package_type"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if s.Checkout == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payments are not configured"})
		return
	}
	sess, _ := auth.SessionFromContext(r.Context())
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	session, err := s.Checkout.Start(r.Context(), sess.AccountID, req.PackageType)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// handleStripeWebhook acknowledges every verified notification, including
// ones whose crediting failed, so the processor does not retry forever. Those
// failures are logged and surfaced through hooks by the Reconciler.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.Reconciler == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payments are not configured"})
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: read body: %v", errBadRequest, err))
		return
	}
	receipt, err := s.Reconciler.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, payments.ErrInvalidSignature) || errors.Is(err, payments.ErrMalformedEvent) {
		s.respondError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", receipt.EventID).Msg("webhook acknowledged without credit")
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type balanceResponse struct {
	AccountID string         `json:"account_id"`
	Balance   credits.Amount `json:"balance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	balance, err := s.Ledger.Balance(r.Context(), sess.AccountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, balanceResponse{AccountID: sess.AccountID, Balance: balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	q, err := parseTransactionQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	txs, err := s.Ledger.ListTransactions(r.Context(), sess.AccountID, q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func parseTransactionQuery(r *http.Request) (ledger.Query, error) {
	var q ledger.Query
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
		q.Limit = n
	}
	if v := strings.TrimSpace(r.URL.Query().Get("kind")); v != "" {
		q.Kind = ledger.Kind(strings.ToLower(v))
		if !q.Kind.Valid() {
			return q, fmt.Errorf("%w: unknown kind %q", errBadRequest, v)
		}
	}
	return q, nil
}

type packageResponse struct {
	payments.Package
	Price string `json:"price"`
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	list := s.Catalog.List()
	out := make([]packageResponse, 0, len(list))
	for _, p := range list {
		out = append(out, packageResponse{Package: p, Price: p.Price()})
	}
	respondJSON(w, http.StatusOK, map[string]any{"packages": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		respondJSON(w, http.StatusOK, map[string]health.Status{"status": health.StatusHealthy})
		return
	}
	s.Health.Handler().ServeHTTP(w, r)
}
