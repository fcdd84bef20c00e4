package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Webhook headers. The signature is the hex HMAC-SHA256 of the body keyed
// by the shared secret; it is omitted when no secret is configured.
const (
	HeaderEvent     = "X-Riskledger-Event"
	HeaderTimestamp = "X-Riskledger-Timestamp"
	HeaderSignature = "X-Riskledger-Signature"
)

// WebhookPublisher POSTs RiskFlagged events as JSON to one endpoint.
type WebhookPublisher struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookPublisher creates a publisher for url. secret may be empty.
func NewWebhookPublisher(url, secret string) *WebhookPublisher {
	return &WebhookPublisher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (p *WebhookPublisher) PublishRiskFlagged(ctx context.Context, ev RiskFlagged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode risk event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, DefaultTopic)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.now().Unix(), 10))
	if p.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Sign returns the signature a receiver should expect for payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// fanout publishes every event to each of its publishers.
type fanout []Publisher

// Fanout combines publishers. Nop entries are dropped; with nothing left
// it returns Nop.
func Fanout(ps ...Publisher) Publisher {
	var out fanout
	for _, p := range ps {
		if _, ok := p.(Nop); ok || p == nil {
			continue
		}
		out = append(out, p)
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

func (f fanout) PublishRiskFlagged(ctx context.Context, ev RiskFlagged) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishRiskFlagged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) Close() error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
