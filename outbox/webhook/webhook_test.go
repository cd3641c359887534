package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
)

type received struct {
	header http.Header
	body   string
}

func server(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{header: r.Header.Clone(), body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "webhook", New().Destination())
}

func TestPublisher_Publish(t *testing.T) {
	srv, got := server(t, http.StatusAccepted)
	p := New(WithSigningSecret("s3cret"), WithDefaultHeaders(map[string]string{"Authorization": "Bearer t"}))

	payload := []byte(`{"eventType":"VisitStatusChanged"}`)
	err := p.Publish(context.Background(), []*clinops.OutboxMessage{{
		EventID: "e1", Destination: "webhook:" + srv.URL, Payload: payload,
		Headers: map[string]string{"event-type": "VisitStatusChanged", "correlation-id": ""},
	}})
	require.NoError(t, err)

	reqs := got()
	require.Len(t, reqs, 1)
	h := reqs[0].header
	assert.Equal(t, string(payload), reqs[0].body)
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "Bearer t", h.Get("Authorization"))
	assert.Equal(t, "e1", h.Get(HeaderIdempotencyKey))
	assert.Equal(t, "VisitStatusChanged", h.Get("X-Clinops-event-type"))
	assert.Empty(t, h.Values("X-Clinops-correlation-id"))
	assert.True(t, Verify([]byte("s3cret"), payload, h.Get(HeaderSignature)))
	assert.False(t, Verify([]byte("other"), payload, h.Get(HeaderSignature)))
}

func TestPublisher_Publish_Unsigned(t *testing.T) {
	srv, got := server(t, http.StatusOK)
	require.NoError(t, New().Publish(context.Background(), []*clinops.OutboxMessage{{Destination: "webhook:" + srv.URL, Payload: []byte(`{}`)}}))
	assert.Empty(t, got()[0].header.Get(HeaderSignature))
}

func TestPublisher_Publish_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"server error", http.StatusServiceUnavailable, "server error 503"},
		{"client error", http.StatusBadRequest, "client error 400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, got := server(t, tt.status)
			err := New().Publish(context.Background(), []*clinops.OutboxMessage{
				{Destination: "webhook:" + srv.URL, Payload: []byte(`{}`)},
				{Destination: "webhook:" + srv.URL, Payload: []byte(`{}`)},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Len(t, got(), 1, "stops at the first failure")
		})
	}

	err := New().Publish(context.Background(), []*clinops.OutboxMessage{{Destination: "kafka:x"}})
	assert.ErrorContains(t, err, "missing URL")
}

func TestPublisher_Publish_ContextCancelled(t *testing.T) {
	srv, _ := server(t, http.StatusOK)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(WithTimeout(time.Second)).Publish(ctx, []*clinops.OutboxMessage{{Destination: "webhook:" + srv.URL, Payload: []byte(`{}`)}})
	assert.Error(t, err)
}

func TestExtractURL(t *testing.T) {
	assert.Equal(t, "https://ctms.example.com/hook", extractURL("webhook:https://ctms.example.com/hook"))
	assert.Empty(t, extractURL("sns:arn"))
}
