package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/ingestion"
	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/query"
	"InvoiceLedger/internal/reconcile"
	"InvoiceLedger/internal/server"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const unit = fpmath.Amount(1_000_000)

var (
	t0  = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	due = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
)

// syncSubmitter applies events inline instead of through the sharded dispatcher.
type syncSubmitter struct {
	rec *reconcile.Reconciler
}

func (s syncSubmitter) Submit(ctx context.Context, evt event.Event, done reconcile.DoneFunc) error {
	done(s.rec.Apply(ctx, evt))
	return nil
}

type fixture struct {
	srv     *server.GRPCServer
	handler http.Handler
	rec     *reconcile.Reconciler
	clock   *lifecycle.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	clock := lifecycle.NewFixedClock(t0)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	l := ledger.NewFundingLedger(store, ledger.Options{
		Clock:       clock,
		GracePeriod: 72 * time.Hour,
		Policy:      ledger.RepaymentWindowImmediate,
		Logger:      zerolog.Nop(),
	})
	rec := reconcile.NewReconciler(l, reconcile.LogEmitter{Logger: zerolog.Nop()}, metrics, zerolog.Nop(), reconcile.Config{
		Hold: reconcile.HoldPolicy{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2},
	})

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", &server.ServerDeps{
		Queries:       query.NewQueryService(store, lifecycle.NewResolver(clock, 72*time.Hour), metrics),
		Commands:      rec,
		Injector:      ingestion.NewManualIngestService(syncSubmitter{rec: rec}),
		HealthChecker: health,
		Metrics:       metrics,
		Gatherer:      reg,
	}, zerolog.Nop())

	h, err := srv.Handler()
	require.NoError(t, err)
	return &fixture{srv: srv, handler: h, rec: rec, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var out map[string]interface{}
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr.Code, out
}

func chainPayload(token, tx, actor string, amount fpmath.Amount, block uint64) map[string]interface{} {
	return map[string]interface{}{
		"tx_hash":      tx,
		"token_id":     token,
		"actor":        actor,
		"amount":       int64(amount),
		"block_number": block,
		"tx_index":     0,
		"log_index":    0,
		"block_time":   t0.Unix(),
	}
}

func (f *fixture) listed(t *testing.T) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/v1/invoices", map[string]interface{}{
		"face_value":          int64(50_000 * unit),
		"discount_rate_micro": 160_000,
		"apr_bps":             1250,
		"due_at":              due,
		"payer_ref":           "payer-1",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "SUBMITTED", body["status"])
	id := body["invoice_id"].(string)

	code, body = f.do(t, http.MethodPost, "/v1/invoices/"+id+"/approve", map[string]interface{}{
		"issuer_verified": true, "payer_verified": true, "reference": "kyc",
	})
	require.Equal(t, http.StatusOK, code, body)
	return id
}

func (f *fixture) inject(t *testing.T, eventType string, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/v1/admin/events/"+eventType, payload)
	require.Equal(t, http.StatusAccepted, code, body)
	return body
}

func TestHTTP_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.listed(t)

	minted := chainPayload("7", "0xm1", "0xIssuer", 50_000*unit, 10)
	minted["invoice_id"] = id
	assert.Equal(t, "applied", f.inject(t, "Minted", minted)["outcome"])
	assert.Equal(t, "applied", f.inject(t, "Funded", chainPayload("7", "0xf1", "0xAAA", 27_300*unit, 11))["outcome"])

	code, status := f.do(t, http.MethodGet, "/v1/invoices/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PARTIALLY_FUNDED", status["status"])
	assert.Equal(t, float64(65), status["progress_pct"])
	assert.Equal(t, "7", status["token_id"])

	assert.Equal(t, "applied", f.inject(t, "Funded", chainPayload("7", "0xf2", "0xbbb", 14_700*unit, 12))["outcome"])
	assert.Equal(t, "duplicate", f.inject(t, "Funded", chainPayload("7", "0xf2", "0xbbb", 14_700*unit, 12))["outcome"])

	code, body := f.do(t, http.MethodPost, "/v1/invoices/"+id+"/disburse", map[string]string{"reference": "wire-1"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "PENDING_REPAYMENT", body["invoice"].(map[string]interface{})["status"])

	assert.Equal(t, "applied", f.inject(t, "RepaymentDeposited", chainPayload("7", "0xr1", "0xpayer", 50_000*unit, 20))["outcome"])

	code, body = f.do(t, http.MethodPost, "/v1/invoices/"+id+"/settle", map[string]string{"reference": "ops"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "SETTLED", body["invoice"].(map[string]interface{})["status"])

	var dist map[string]interface{}
	for _, e := range body["events"].([]interface{}) {
		ev := e.(map[string]interface{})
		if ev["kind"] == "Settled" {
			dist = ev["distribution"].(map[string]interface{})
		}
	}
	require.NotNil(t, dist)
	payouts := dist["payouts"].([]interface{})
	require.Len(t, payouts, 2)
	first := payouts[0].(map[string]interface{})
	assert.Equal(t, "0xaaa", first["investor"])
	assert.Equal(t, "32500.00", first["payout"].(map[string]interface{})["display"])

	code, pos := f.do(t, http.MethodGet, "/v1/invoices/"+id+"/positions/0xaaa", nil)
	require.Equal(t, http.StatusOK, code, pos)
	assert.Equal(t, "SETTLED", pos["status"])
	assert.Equal(t, "5200.00", pos["realized_gain"].(map[string]interface{})["display"])

	code, portfolio := f.do(t, http.MethodGet, "/v1/investors/0xbbb/portfolio", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, portfolio["positions"], 1)

	code, history := f.do(t, http.MethodGet, "/v1/invoices/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, history["history"], 7)

	code, list := f.do(t, http.MethodGet, "/v1/invoices?state=SETTLED", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list["invoices"], 1)

	code, report := f.do(t, http.MethodGet, "/v1/admin/integrity", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, report["is_healthy"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	id := f.listed(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantHTTP int
		wantCode string
	}{
		{"bad uuid", http.MethodGet, "/v1/invoices/nope", nil, http.StatusBadRequest, "InvalidArgument"},
		{"unknown invoice", http.MethodGet, "/v1/invoices/" + uuid.NewString(), nil, http.StatusNotFound, "NotFound"},
		{"no position", http.MethodGet, "/v1/invoices/" + id + "/positions/0xccc", nil, http.StatusNotFound, "NotFound"},
		{"settle while listed", http.MethodPost, "/v1/invoices/" + id + "/settle", nil, http.StatusConflict, "FailedPrecondition"},
		{"terms frozen", http.MethodPut, "/v1/invoices/" + id + "/terms", map[string]interface{}{
			"face_value": int64(60_000 * unit), "discount_rate_micro": 160_000, "due_at": due,
		}, http.StatusConflict, "FailedPrecondition"},
		{"missing due date", http.MethodPost, "/v1/invoices", map[string]interface{}{
			"face_value": int64(50_000 * unit), "discount_rate_micro": 160_000,
		}, http.StatusBadRequest, "InvalidArgument"},
		{"bad state filter", http.MethodGet, "/v1/invoices?state=PAID", nil, http.StatusBadRequest, "InvalidArgument"},
		{"unknown event type", http.MethodPost, "/v1/admin/events/Burned", map[string]string{}, http.StatusBadRequest, "InvalidArgument"},
		{"unknown unresolved", http.MethodPost, "/v1/admin/unresolved/0xnone/retry", nil, http.StatusNotFound, "NotFound"},
		{"audit not configured", http.MethodGet, "/v1/invoices/" + id + "/audit", nil, http.StatusNotImplemented, "Unimplemented"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantHTTP, code, body)
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestHTTP_RejectedEventIsReportedNotFailed(t *testing.T) {
	f := newFixture(t)
	id := f.listed(t)

	minted := chainPayload("9", "0xm9", "0xissuer", 50_000*unit, 1)
	minted["invoice_id"] = id
	f.inject(t, "Minted", minted)

	body := f.inject(t, "Funded", chainPayload("9", "0xover", "0xaaa", 42_001*unit, 2))
	assert.Equal(t, "rejected", body["outcome"])
	assert.Contains(t, body["error"], "overfunding")
}

func TestHTTP_UnresolvedQueue(t *testing.T) {
	f := newFixture(t)

	body := f.inject(t, "Funded", chainPayload("404", "0xorphan", "0xaaa", unit, 5))
	assert.Equal(t, "unresolved", body["outcome"])

	code, list := f.do(t, http.MethodGet, "/v1/admin/unresolved", nil)
	require.Equal(t, http.StatusOK, code)
	events := list["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "0xorphan", events[0].(map[string]interface{})["tx_hash"])
	assert.Equal(t, "Funded", events[0].(map[string]interface{})["event_type"])

	// Still no mint: the retry escalates again
	code, retried := f.do(t, http.MethodPost, "/v1/admin/unresolved/0xorphan/retry", nil)
	require.Equal(t, http.StatusOK, code, retried)
	assert.Equal(t, "unresolved", retried["outcome"])
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.listed(t)

	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, body = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "invoice_query_requests_total")
}

// ============================================================================
// gRPC admin
// ============================================================================

func dialAdmin(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go f.srv.ServeListener(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invokeAdmin(conn *grpc.ClientConn, method string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = conn.Invoke(ctx, fmt.Sprintf("/invoiceledger.admin.v1.AdminService/%s", method), req, out)
	return out, err
}

func TestGRPC_Admin(t *testing.T) {
	f := newFixture(t)
	id := f.listed(t)
	conn := dialAdmin(t, f)

	out, err := invokeAdmin(conn, "InvoiceStatus", map[string]interface{}{"invoice_id": id})
	require.NoError(t, err)
	assert.Equal(t, "LISTED", out.GetFields()["status"].GetStringValue())

	_, err = invokeAdmin(conn, "InvoiceStatus", map[string]interface{}{"invoice_id": uuid.NewString()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invokeAdmin(conn, "InvoiceStatus", map[string]interface{}{"invoice_id": "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	out, err = invokeAdmin(conn, "VerifyIntegrity", map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, out.GetFields()["is_healthy"].GetBoolValue())

	minted := chainPayload("3", "0xm3", "0xissuer", 50_000*unit, 1)
	minted["invoice_id"] = id
	out, err = invokeAdmin(conn, "InjectEvent", map[string]interface{}{"event_type": "Minted", "payload": minted})
	require.NoError(t, err)
	assert.Equal(t, "applied", out.GetFields()["outcome"].GetStringValue())

	raw, err := json.Marshal(chainPayload("3", "0xf3", "0xaaa", 1_000*unit, 2))
	require.NoError(t, err)
	out, err = invokeAdmin(conn, "InjectEvent", map[string]interface{}{"event_type": "Funded", "payload": string(raw)})
	require.NoError(t, err)
	assert.Equal(t, "applied", out.GetFields()["outcome"].GetStringValue())

	_, err = invokeAdmin(conn, "InjectEvent", map[string]interface{}{"event_type": "Funded"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invokeAdmin(conn, "RetryUnresolved", map[string]interface{}{"tx_hash": "0xnone"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	out, err = invokeAdmin(conn, "ListUnresolved", map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, out.GetFields()["events"].GetListValue().GetValues())
}
