package server

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskledger/internal/ledger"
)

func TestOpenAccountEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/v1/accounts", `{"type":"wallet","currency":"eur"}`, map[string]string{"X-User-ID": "9"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(9), body["ownerId"])
	assert.Equal(t, "EUR", body["currency"])

	w = f.post(t, "/v1/accounts", `{"ownerId":3,"type":"wallet"}`, map[string]string{"X-User-ID": "9"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.post(t, "/v1/accounts", `{"type":"wallet"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no owner at all")

	w = f.post(t, "/v1/accounts", `{"ownerId":3,"type":"settlement"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMoneyMovementEndpoints(t *testing.T) {
	f := newFixture(t)
	owner := map[string]string{"X-User-ID": "1"}

	w := f.post(t, "/v1/accounts/"+itoa(f.a.ID)+"/deposit", `{"amount":"25.5","description":"cash"}`, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, string(ledger.TxDeposit), decode(t, w)["type"])

	w = f.post(t, "/v1/accounts/"+itoa(f.a.ID)+"/withdraw", `{"amount":"10"}`, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.post(t, "/v1/transfers",
		`{"sourceAccountId":`+itoa(f.a.ID)+`,"destAccountId":`+itoa(f.b.ID)+`,"amount":"5"}`, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// 100 - 30 + 25.5 - 10 - 5
	a, err := f.srv.Ledger().GetAccount(t.Context(), f.a.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("80.5")), a.Balance.String())

	w = f.post(t, "/v1/accounts/"+itoa(f.a.ID)+"/withdraw", `{"amount":"1000"}`, owner)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.post(t, "/v1/accounts/"+itoa(f.a.ID)+"/withdraw", `{"amount":"1"}`, map[string]string{"X-User-ID": "2"})
	assert.Equal(t, http.StatusNotFound, w.Code, "another user's account looks absent")

	w = f.post(t, "/v1/accounts/"+itoa(f.a.ID)+"/deposit", `{"amount":"1e3"}`, owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/v1/accounts/"+itoa(f.a.ID)+"/deposit", `{"amount":"1"}`, map[string]string{"X-User-ID": "bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/v1/transfers",
		`{"sourceAccountId":`+itoa(f.a.ID)+`,"destAccountId":`+itoa(f.a.ID)+`,"amount":"1"}`, owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMoneyMovementIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"X-User-ID": "1", "Idempotency-Key": "order-77"}
	path := "/v1/accounts/" + itoa(f.a.ID) + "/deposit"

	w := f.post(t, path, `{"amount":"3"}`, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "order-77", decode(t, w)["reference"])

	w = f.post(t, path, `{"amount":"3"}`, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_reference", decode(t, w)["error"])

	txn, err := f.srv.Ledger().TransactionByReference(t.Context(), "order-77")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxDeposit, txn.Type)
	assert.Equal(t, int64(1), txn.InitiatedBy)

	a, err := f.srv.Ledger().GetAccount(t.Context(), f.a.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.RequireFromString("73")), "applied once: %s", a.Balance)
}
