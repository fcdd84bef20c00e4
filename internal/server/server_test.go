package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskledger/internal/config"
	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/scoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		DBMaxOpenConns:      2,
		LedgerTimezone:      "UTC",
		PollInterval:        10 * time.Millisecond,
		BatchSize:           100,
		ThresholdSuspicious: 0.5,
		ThresholdCritical:   0.8,
	}
}

type fixture struct {
	srv   *Server
	store *ledger.MemoryStore
	a, b  *ledger.Account
	txn   *ledger.Transaction
}

// newFixture builds a server over a seeded in-memory ledger.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	s, err := New(testConfig(), WithStore(store), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })

	ctx := context.Background()
	l := s.Ledger()
	a, err := l.OpenAccount(ctx, ledger.OpenAccountRequest{OwnerID: 1, Type: ledger.AccountChecking, Currency: "USD"})
	require.NoError(t, err)
	b, err := l.OpenAccount(ctx, ledger.OpenAccountRequest{OwnerID: 2, Type: ledger.AccountSavings, Currency: "USD"})
	require.NoError(t, err)
	_, err = l.Deposit(ctx, a.ID, decimal.RequireFromString("100"), "paycheck")
	require.NoError(t, err)
	txn, err := l.Transfer(ctx, a.ID, b.ID, decimal.RequireFromString("30"), "rent share")
	require.NoError(t, err)
	return &fixture{srv: s, store: store, a: a, b: b, txn: txn}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.srv.Router().ServeHTTP(w, req)
	return w
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	f.srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	// The worker has not been started, so the aggregate is degraded.
	w = f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, Version, resp.Version)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "database", resp.Checks[0].Name)
	assert.True(t, resp.Checks[0].Healthy)
	assert.Equal(t, "scoring_worker", resp.Checks[1].Name)
	assert.False(t, resp.Checks[1].Healthy)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/v1/accounts")

	w := f.do(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "riskledger_http_requests_total")
}

func TestMiddlewareHeaders(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health/live")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-1234")
	w = httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "lb-1234", w.Header().Get("X-Request-ID"))
}

func TestAccounts(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/accounts")
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	assert.Len(t, items, 3, "two customer accounts and the USD settlement account")

	w = f.do(t, http.MethodGet, "/v1/accounts?ownerId=2")
	require.Equal(t, http.StatusOK, w.Code)
	items = decode(t, w)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, f.b.Number, items[0].(map[string]any)["accountNumber"])

	w = f.do(t, http.MethodGet, "/v1/accounts/"+itoa(f.a.ID))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "70", body["balance"])
	assert.Equal(t, "checking", body["accountType"])

	w = f.do(t, http.MethodGet, "/v1/accounts/9999")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "account_not_found", decode(t, w)["error"])

	w = f.do(t, http.MethodGet, "/v1/accounts/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/accounts?type=crypto")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatementPagination(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/accounts/"+itoa(f.a.ID)+"/statement?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].(map[string]any)
	assert.Equal(t, true, entries["has_more"])
	require.Len(t, entries["items"].([]any), 1)
	first := entries["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "-30", first["amount"], "newest entry first")

	w = f.do(t, http.MethodGet, "/v1/accounts/"+itoa(f.a.ID)+"/statement?limit=1&cursor="+entries["next_cursor"].(string))
	require.Equal(t, http.StatusOK, w.Code)
	entries = decode(t, w)["entries"].(map[string]any)
	assert.Equal(t, false, entries["has_more"])
	assert.Equal(t, "100", entries["items"].([]any)[0].(map[string]any)["amount"])

	w = f.do(t, http.MethodGet, "/v1/accounts/"+itoa(f.a.ID)+"/statement?cursor=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransactionWithRiskScore(t *testing.T) {
	f := newFixture(t)
	path := "/v1/transactions/" + itoa(f.txn.ID)

	w := f.do(t, http.MethodGet, path)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, f.txn.Reference, body["reference"])
	assert.Len(t, body["entries"].([]any), 2)
	assert.NotContains(t, body, "risk", "not scored yet")

	n, err := f.srv.Worker().RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	w = f.do(t, http.MethodGet, "/v1/transactions/by-reference/"+f.txn.Reference)
	require.Equal(t, http.StatusOK, w.Code)
	risk := decode(t, w)["risk"].(map[string]any)
	assert.Contains(t, []any{"SAFE", "SUSPICIOUS", "CRITICAL"}, risk["verdict"])
	assert.Equal(t, float64(f.txn.ID), risk["transactionId"])

	w = f.do(t, http.MethodGet, "/v1/transactions/9999")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/v1/transactions/by-reference/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTransactions(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/transactions?accountId="+itoa(f.b.ID))
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "transfer", items[0].(map[string]any)["type"])

	w = f.do(t, http.MethodGet, "/v1/transactions?type=deposit")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["items"].([]any), 1)

	w = f.do(t, http.MethodGet, "/v1/transactions?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRiskScores(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.Worker().RunOnce(context.Background())
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/risk-scores")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["items"].([]any), 2)

	w = f.do(t, http.MethodGet, "/v1/risk-scores?verdict=MAYBE")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/v1/risk-scores?minScore=2")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAccountStatus(t *testing.T) {
	f := newFixture(t)
	base := "/v1/admin/accounts/" + itoa(f.a.ID)

	w := f.do(t, http.MethodPost, base+"/freeze")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "frozen", decode(t, w)["status"])

	w = f.do(t, http.MethodPost, base+"/unfreeze")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decode(t, w)["status"])

	w = f.do(t, http.MethodPost, base+"/close")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "account_not_empty", decode(t, w)["error"])

	w = f.do(t, http.MethodPost, "/v1/admin/accounts/9999/freeze")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAudit(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/admin/audit")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	report := body["report"].(map[string]any)
	assert.Equal(t, float64(2), report["transactions"])
	assert.Equal(t, float64(4), report["entries"])
}

func TestAdminScoringAndRetrain(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/admin/scoring")
	require.Equal(t, http.StatusOK, w.Code)
	var st scoring.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "connecting", st.State)
	assert.Empty(t, st.ModelVersion)

	w = f.do(t, http.MethodPost, "/v1/admin/model/retrain")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["synthetic"], "two transactions are too few to train on")
	version := body["modelVersion"].(string)

	w = f.do(t, http.MethodGet, "/v1/admin/scoring")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, version, st.ModelVersion)
}

func TestRunAndShutdown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- f.srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := f.store.ListRiskScores(context.Background(), ledger.RiskScoreFilter{})
		return len(n) == 2 && f.srv.ready.Load()
	}, 5*time.Second, 10*time.Millisecond)

	w := f.do(t, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, f.srv.Worker().Running())
	assert.Equal(t, scoring.StateStopped, f.srv.Worker().State())
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrAccountNotFound, http.StatusNotFound},
		{ledger.ErrTransactionNotFound, http.StatusNotFound},
		{ledger.ErrAccountNotEmpty, http.StatusConflict},
		{ledger.ErrAccountNotUsable, http.StatusConflict},
		{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{ledger.ErrSameAccount, http.StatusBadRequest},
		{ledger.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{ledger.ErrDuplicateReference, http.StatusConflict},
		{&ledger.IndeterminateError{Reference: "r", Err: ledger.ErrIndeterminate}, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			writeError(c, tt.err)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestWriteErrorIndeterminateCarriesReference(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	writeError(c, &ledger.IndeterminateError{Reference: "pay-42", Err: ledger.ErrIndeterminate})

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	body := decode(t, w)
	assert.Equal(t, "outcome_unknown", body["error"])
	assert.Equal(t, "pay-42", body["reference"])
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://ledger:secret@db:5432/ledger")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/ledger")
	assert.Equal(t, "***", maskDSN("://bad"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
