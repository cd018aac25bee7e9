package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/ingestion"
	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/persistence"
	"InvoiceLedger/internal/query"
	"InvoiceLedger/internal/reconcile"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// Commands is the serialized write path: operator triggers and the
// unresolved-event queue.
type Commands interface {
	RegisterInvoice(ctx context.Context, in ledger.NewInvoice) (*ledger.Invoice, error)
	UpdateTerms(ctx context.Context, id uuid.UUID, terms ledger.Terms) (*ledger.Invoice, error)
	Approve(ctx context.Context, id uuid.UUID, v ledger.Verification, reference string) (*ledger.TransitionResult, error)
	Disburse(ctx context.Context, id uuid.UUID, payoutRef string) (*ledger.TransitionResult, error)
	OpenRepaymentWindow(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error)
	Settle(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error)
	MarkDefault(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error)
	ListUnresolved() []*reconcile.Parked
	RetryUnresolved(ctx context.Context, txHash string) (reconcile.Outcome, error)
}

// Injector submits a hand-built chain event and waits for its outcome.
type Injector interface {
	Inject(ctx context.Context, eventType string, payload []byte) (*ingestion.InjectResult, error)
}

// AuditTrail reads the audit log of one invoice.
type AuditTrail interface {
	Trail(ctx context.Context, invoiceID uuid.UUID, limit int) ([]persistence.AuditRow, error)
}

const maxBodyBytes = 1 << 20

type handlerFunc func(r *http.Request, params map[string]string) (int, interface{}, error)

// newGatewayMux builds the HTTP/JSON surface on a grpc-gateway mux.
func (s *GRPCServer) newGatewayMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, endpoint string
		fn                        handlerFunc
	}{
		{http.MethodGet, "/v1/invoices", "list_invoices", s.listInvoices},
		{http.MethodPost, "/v1/invoices", "register_invoice", s.registerInvoice},
		{http.MethodGet, "/v1/invoices/{invoice_id}", "invoice_status", s.invoiceStatus},
		{http.MethodPut, "/v1/invoices/{invoice_id}/terms", "update_terms", s.updateTerms},
		{http.MethodGet, "/v1/invoices/{invoice_id}/history", "state_history", s.stateHistory},
		{http.MethodGet, "/v1/invoices/{invoice_id}/audit", "audit_trail", s.auditTrail},
		{http.MethodGet, "/v1/invoices/{invoice_id}/positions/{investor}", "position", s.position},
		{http.MethodPost, "/v1/invoices/{invoice_id}/approve", "approve", s.approve},
		{http.MethodPost, "/v1/invoices/{invoice_id}/disburse", "disburse", s.transition(s.deps.Commands.Disburse)},
		{http.MethodPost, "/v1/invoices/{invoice_id}/open-repayment-window", "open_repayment_window", s.transition(s.deps.Commands.OpenRepaymentWindow)},
		{http.MethodPost, "/v1/invoices/{invoice_id}/settle", "settle", s.transition(s.deps.Commands.Settle)},
		{http.MethodPost, "/v1/invoices/{invoice_id}/default", "mark_default", s.transition(s.deps.Commands.MarkDefault)},
		{http.MethodGet, "/v1/investors/{investor}/portfolio", "portfolio", s.portfolio},
		{http.MethodGet, "/v1/admin/unresolved", "list_unresolved", s.listUnresolved},
		{http.MethodPost, "/v1/admin/unresolved/{tx_hash}/retry", "retry_unresolved", s.retryUnresolved},
		{http.MethodPost, "/v1/admin/events/{event_type}", "inject_event", s.injectEvent},
		{http.MethodGet, "/v1/admin/integrity", "verify_integrity", s.verifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.endpoint, rt.fn)); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func (s *GRPCServer) wrap(endpoint string, fn handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		code, body, err := fn(r, params)
		if err != nil {
			c := writeError(w, err)
			if s.deps.Metrics != nil {
				s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, c.String()).Inc()
			}
			s.logger.Debug().Err(err).Str("endpoint", endpoint).Str("code", c.String()).Msg("request failed")
			return
		}
		writeJSON(w, code, body)
	}
}

// ============================================================================
// Reads
// ============================================================================

func (s *GRPCServer) listInvoices(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var states []lifecycle.State
	for _, v := range r.URL.Query()["state"] {
		st, err := lifecycle.ParseState(v)
		if err != nil {
			return 0, nil, fmt.Errorf("%v: %w", err, errInvalidArgument)
		}
		states = append(states, st)
	}
	invoices, err := s.deps.Queries.ListInvoices(r.Context(), states...)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{"invoices": invoices}, nil
}

func (s *GRPCServer) invoiceStatus(r *http.Request, params map[string]string) (int, interface{}, error) {
	id, err := invoiceID(params)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.deps.Queries.InvoiceStatus(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (s *GRPCServer) stateHistory(r *http.Request, params map[string]string) (int, interface{}, error) {
	id, err := invoiceID(params)
	if err != nil {
		return 0, nil, err
	}
	history, err := s.deps.Queries.StateHistory(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{"invoice_id": id, "history": history}, nil
}

type auditEntry struct {
	ID         uuid.UUID       `json:"id"`
	Kind       string          `json:"kind"`
	TxHash     string          `json:"tx_hash,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (s *GRPCServer) auditTrail(r *http.Request, params map[string]string) (int, interface{}, error) {
	if s.deps.Audit == nil {
		return 0, nil, fmt.Errorf("audit log not configured: %w", errUnimplemented)
	}
	id, err := invoiceID(params)
	if err != nil {
		return 0, nil, err
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, nil, fmt.Errorf("limit %q: %w", v, errInvalidArgument)
		}
	}
	rows, err := s.deps.Audit.Trail(r.Context(), id, limit)
	if err != nil {
		return 0, nil, err
	}
	entries := make([]auditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, auditEntry{
			ID: row.ID, Kind: row.Kind, TxHash: row.TxHash, Payload: row.Payload, OccurredAt: row.OccurredAt,
		})
	}
	return http.StatusOK, map[string]interface{}{"invoice_id": id, "entries": entries}, nil
}

func (s *GRPCServer) position(r *http.Request, params map[string]string) (int, interface{}, error) {
	id, err := invoiceID(params)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.deps.Queries.Position(r.Context(), id, params["investor"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (s *GRPCServer) portfolio(r *http.Request, params map[string]string) (int, interface{}, error) {
	resp, err := s.deps.Queries.Portfolio(r.Context(), params["investor"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (s *GRPCServer) verifyIntegrity(r *http.Request, _ map[string]string) (int, interface{}, error) {
	report, err := s.deps.Queries.VerifyIntegrity(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, report, nil
}

// ============================================================================
// Operator commands
// ============================================================================

type termsRequest struct {
	FaceValue    int64     `json:"face_value"`
	DiscountRate int64     `json:"discount_rate_micro"`
	APR          int64     `json:"apr_bps"`
	DueAt        time.Time `json:"due_at"`
}

func (t termsRequest) terms() ledger.Terms {
	return ledger.Terms{
		FaceValue:    fpmath.Amount(t.FaceValue),
		DiscountRate: fpmath.MicroRate(t.DiscountRate),
		APR:          fpmath.BasisPoints(t.APR),
		DueAt:        t.DueAt,
	}
}

type registerRequest struct {
	ID string `json:"id"`
	termsRequest
	PayerRef  string `json:"payer_ref"`
	IssuerRef string `json:"issuer_ref"`
}

type approveRequest struct {
	IssuerVerified bool   `json:"issuer_verified"`
	PayerVerified  bool   `json:"payer_verified"`
	Reference      string `json:"reference"`
}

type referenceRequest struct {
	Reference string `json:"reference"`
}

func (s *GRPCServer) registerInvoice(r *http.Request, _ map[string]string) (int, interface{}, error) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	in := ledger.NewInvoice{Terms: req.terms(), PayerRef: req.PayerRef, IssuerRef: req.IssuerRef}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			return 0, nil, fmt.Errorf("id: %v: %w", err, errInvalidArgument)
		}
		in.ID = id
	}
	inv, err := s.deps.Commands.RegisterInvoice(r.Context(), in)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.deps.Queries.InvoiceStatus(r.Context(), inv.ID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, resp, nil
}

func (s *GRPCServer) updateTerms(r *http.Request, params map[string]string) (int, interface{}, error) {
	id, err := invoiceID(params)
	if err != nil {
		return 0, nil, err
	}
	var req termsRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	if _, err := s.deps.Commands.UpdateTerms(r.Context(), id, req.terms()); err != nil {
		return 0, nil, err
	}
	resp, err := s.deps.Queries.InvoiceStatus(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (s *GRPCServer) approve(r *http.Request, params map[string]string) (int, interface{}, error) {
	id, err := invoiceID(params)
	if err != nil {
		return 0, nil, err
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, nil, err
	}
	res, err := s.deps.Commands.Approve(r.Context(), id,
		ledger.Verification{IssuerVerified: req.IssuerVerified, PayerVerified: req.PayerVerified}, req.Reference)
	if err != nil {
		return 0, nil, err
	}
	return s.transitionResponse(r.Context(), res)
}

type transitionFunc func(ctx context.Context, id uuid.UUID, reference string) (*ledger.TransitionResult, error)

func (s *GRPCServer) transition(fn transitionFunc) handlerFunc {
	return func(r *http.Request, params map[string]string) (int, interface{}, error) {
		id, err := invoiceID(params)
		if err != nil {
			return 0, nil, err
		}
		var req referenceRequest
		if err := decodeBody(r, &req); err != nil {
			return 0, nil, err
		}
		res, err := fn(r.Context(), id, req.Reference)
		if err != nil {
			return 0, nil, err
		}
		return s.transitionResponse(r.Context(), res)
	}
}

type payoutView struct {
	Investor  string      `json:"investor"`
	Principal query.Money `json:"principal"`
	Payout    query.Money `json:"payout"`
	Gain      query.Money `json:"gain"`
}

type distributionView struct {
	TotalFunded query.Money  `json:"total_funded"`
	TotalRepaid query.Money  `json:"total_repaid"`
	Payouts     []payoutView `json:"payouts"`
	Residual    query.Money  `json:"residual"`
}

type eventView struct {
	Kind         string            `json:"kind"`
	From         string            `json:"from,omitempty"`
	To           string            `json:"to,omitempty"`
	Reference    string            `json:"reference,omitempty"`
	Distribution *distributionView `json:"distribution,omitempty"`
}

type transitionView struct {
	Invoice *query.InvoiceStatusResponse `json:"invoice"`
	Events  []eventView                  `json:"events"`
}

func (s *GRPCServer) transitionResponse(ctx context.Context, res *ledger.TransitionResult) (int, interface{}, error) {
	inv, err := s.deps.Queries.InvoiceStatus(ctx, res.Invoice.ID)
	if err != nil {
		return 0, nil, err
	}
	view := transitionView{Invoice: inv, Events: make([]eventView, 0, len(res.Events))}
	for _, e := range res.Events {
		view.Events = append(view.Events, newEventView(e))
	}
	return http.StatusOK, view, nil
}

func newEventView(e event.DomainEvent) eventView {
	v := eventView{Kind: e.Kind.String(), From: e.FromState, To: e.ToState, Reference: e.TxHash}
	if d := e.Distribution; d != nil {
		dv := &distributionView{
			TotalFunded: moneyOf(d.TotalFunded),
			TotalRepaid: moneyOf(d.TotalRepaid),
			Residual:    moneyOf(d.Residual),
		}
		for _, p := range d.Payouts {
			dv.Payouts = append(dv.Payouts, payoutView{
				Investor: p.Investor, Principal: moneyOf(p.Principal), Payout: moneyOf(p.Payout), Gain: moneyOf(p.Gain),
			})
		}
		v.Distribution = dv
	}
	return v
}

// ============================================================================
// Unresolved events and manual injection
// ============================================================================

type unresolvedView struct {
	TxHash      string    `json:"tx_hash"`
	EventType   string    `json:"event_type"`
	TokenID     string    `json:"token_id"`
	Position    string    `json:"position"`
	Attempts    int       `json:"attempts"`
	FirstHeldAt time.Time `json:"first_held_at"`
	LastError   string    `json:"last_error"`
}

func unresolvedViews(parked []*reconcile.Parked) []unresolvedView {
	out := make([]unresolvedView, 0, len(parked))
	for _, p := range parked {
		out = append(out, unresolvedView{
			TxHash:      p.Event.IdempotencyKey(),
			EventType:   p.Event.EventType().String(),
			TokenID:     p.Event.TokenID(),
			Position:    p.Event.Position().String(),
			Attempts:    p.Attempts,
			FirstHeldAt: p.FirstHeldAt,
			LastError:   p.LastError,
		})
	}
	return out
}

func (s *GRPCServer) listUnresolved(_ *http.Request, _ map[string]string) (int, interface{}, error) {
	return http.StatusOK, map[string]interface{}{"events": unresolvedViews(s.deps.Commands.ListUnresolved())}, nil
}

type outcomeView struct {
	TxHash  string `json:"tx_hash"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func (s *GRPCServer) retryUnresolved(r *http.Request, params map[string]string) (int, interface{}, error) {
	txHash := params["tx_hash"]
	outcome, err := s.deps.Commands.RetryUnresolved(r.Context(), txHash)
	if outcome == 0 && err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newOutcomeView(txHash, outcome, err), nil
}

func (s *GRPCServer) injectEvent(r *http.Request, params map[string]string) (int, interface{}, error) {
	if s.deps.Injector == nil {
		return 0, nil, fmt.Errorf("manual ingestion not configured: %w", errUnimplemented)
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %v: %w", err, errInvalidArgument)
	}
	res, err := s.deps.Injector.Inject(r.Context(), params["event_type"], payload)
	if err != nil {
		return 0, nil, err
	}
	if res.Outcome == 0 {
		return 0, nil, res.Err
	}
	return http.StatusAccepted, newOutcomeView(res.TxHash, res.Outcome, res.Err), nil
}

func newOutcomeView(txHash string, outcome reconcile.Outcome, err error) outcomeView {
	v := outcomeView{TxHash: txHash, Outcome: outcome.String()}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

// ============================================================================
// Helpers
// ============================================================================

func invoiceID(params map[string]string) (uuid.UUID, error) {
	id, err := uuid.Parse(params["invoice_id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invoice_id: %v: %w", err, errInvalidArgument)
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("decode body: %v: %w", err, errInvalidArgument)
	}
	return nil
}

func moneyOf(a fpmath.Amount) query.Money {
	return query.Money{Minor: int64(a), Display: a.DecimalString(2)}
}
