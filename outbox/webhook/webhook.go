// Package webhook relays outbox messages as HTTP POST requests, typically to
// a sponsor's CTMS or a safety desk endpoint.
//
// Each request carries the event ID as Idempotency-Key. Delivery is at least
// once, so receivers dedupe on it. With a signing secret the body is signed
// with HMAC-SHA256 in X-Clinops-Signature ("sha256=<hex>").
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clinprecision/clinops-core"
)

// Header names.
const (
	HeaderSignature      = "X-Clinops-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
	headerPrefix         = "X-Clinops-"
)

// Publisher posts outbox messages.
// Destination format: "webhook:https://ctms.example.com/events".
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
	secret         []byte
}

var _ clinops.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders adds headers to every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// WithSigningSecret enables body signatures.
func WithSigningSecret(secret string) Option {
	return func(p *Publisher) {
		p.secret = []byte(secret)
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{Timeout: 30 * time.Second},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the prefix this publisher owns.
func (p *Publisher) Destination() string {
	return "webhook"
}

// Publish posts messages in order and stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, messages []*clinops.OutboxMessage) error {
	for _, msg := range messages {
		if err := p.post(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) post(ctx context.Context, msg *clinops.OutboxMessage) error {
	url := extractURL(msg.Destination)
	if url == "" {
		return fmt.Errorf("webhook: invalid destination %q: missing URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}
	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		if v != "" {
			req.Header.Set(headerPrefix+k, v)
		}
	}
	if msg.EventID != "" {
		req.Header.Set(HeaderIdempotencyKey, msg.EventID)
	}
	if len(p.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(p.secret, msg.Payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed for %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: server error %d from %s", resp.StatusCode, url)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook: client error %d from %s", resp.StatusCode, url)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func extractURL(destination string) string {
	const prefix = "webhook:"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}
