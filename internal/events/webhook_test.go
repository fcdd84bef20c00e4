package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskledger/internal/ledger"
)

func TestWebhookPublisher_SignsPayload(t *testing.T) {
	var (
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHdr = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, "s3cret")
	p.now = func() time.Time { return time.Unix(1717400000, 0) }
	ev := RiskFlagged{TransactionID: 42, Reference: "ref-42", Verdict: ledger.VerdictCritical, RiskScore: 0.93}
	require.NoError(t, p.PublishRiskFlagged(context.Background(), ev))

	var decoded RiskFlagged
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, int64(42), decoded.TransactionID)
	assert.Equal(t, ledger.VerdictCritical, decoded.Verdict)
	assert.Equal(t, DefaultTopic, gotHdr.Get(HeaderEvent))
	assert.Equal(t, "1717400000", gotHdr.Get(HeaderTimestamp))
	assert.Equal(t, Sign(gotBody, "s3cret"), gotHdr.Get(HeaderSignature))
	assert.Equal(t, "application/json", gotHdr.Get("Content-Type"))
}

func TestWebhookPublisher_NoSecretNoSignature(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(HeaderSignature)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookPublisher(srv.URL, "").PublishRiskFlagged(context.Background(), RiskFlagged{}))
	assert.Empty(t, sig)
}

func TestWebhookPublisher_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookPublisher(srv.URL, "").PublishRiskFlagged(context.Background(), RiskFlagged{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type countingPublisher struct {
	n      int
	err    error
	closed bool
}

func (c *countingPublisher) PublishRiskFlagged(context.Context, RiskFlagged) error {
	c.n++
	return c.err
}

func (c *countingPublisher) Close() error {
	c.closed = true
	return nil
}

func TestFanout(t *testing.T) {
	assert.Equal(t, Nop{}, Fanout())
	assert.Equal(t, Nop{}, Fanout(Nop{}, nil))

	one := &countingPublisher{}
	assert.Same(t, one, Fanout(Nop{}, one))

	failing := &countingPublisher{err: errors.New("down")}
	p := Fanout(one, failing)
	err := p.PublishRiskFlagged(context.Background(), RiskFlagged{})
	require.Error(t, err)
	assert.Equal(t, 1, one.n, "delivered even when a sibling fails")
	assert.Equal(t, 1, failing.n)

	require.NoError(t, p.Close())
	assert.True(t, one.closed)
	assert.True(t, failing.closed)
}
