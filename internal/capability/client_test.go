package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient([]Endpoint{{Capability: "validator.zoning", URL: srv.URL, Model: "test-model"}}, 5*time.Second)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInvokeSuccess(t *testing.T) {
	var seen wireRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payload":{"draft_text":"ok"}}`))
	})

	resp, err := c.Invoke(context.Background(), Request{
		Capability: "validator.zoning",
		Params:     map[string]string{"deficiency": "height exceeds maximum"},
	})
	require.NoError(t, err)

	assert.Equal(t, "validator.zoning", seen.Capability)
	assert.Equal(t, "test-model", seen.Model)

	var out struct {
		DraftText string `json:"draft_text"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "ok", out.DraftText)
}

func TestInvokeRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Invoke(context.Background(), Request{Capability: "validator.zoning"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailureRateLimited, f.Kind)
	assert.Equal(t, 7*time.Second, f.RetryAfter)
}

func TestInvokeUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Invoke(context.Background(), Request{Capability: "validator.zoning"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailureUnavailable, f.Kind)
	// The client itself never retries; retry policy belongs to the scheduler.
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvokeUnknownCapability(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint should not be called")
	})

	_, err := c.Invoke(context.Background(), Request{Capability: "validator.unknown"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailureUnavailable, f.Kind)
}

func TestInvokeEnvelopeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"model refused"}`))
	})

	_, err := c.Invoke(context.Background(), Request{Capability: "validator.zoning"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailureInvalidOutput, f.Kind)
}

func TestDecodeMismatchIsInvalidOutput(t *testing.T) {
	resp := Response{Payload: json.RawMessage(`{"items": "not-a-list"}`)}

	var out struct {
		Items []string `json:"items"`
	}
	err := resp.Decode(&out)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, FailureInvalidOutput, f.Kind)
}
