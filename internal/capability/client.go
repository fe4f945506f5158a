package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"resty.dev/v3"

	"github.com/vk/permitgrid/internal/ctxlog"
)

// Endpoint binds a capability id to an HTTP service.
type Endpoint struct {
	Capability string
	URL        string
	Model      string
}

// Client is the HTTP implementation of Invoker. Each capability id maps to
// an endpoint; unknown ids are an UNAVAILABLE failure, not a panic, because
// endpoint bindings come from configuration.
type Client struct {
	rc        *resty.Client
	endpoints map[string]Endpoint
}

// NewClient builds an HTTP invoker over the given endpoint bindings.
func NewClient(endpoints []Endpoint, timeout time.Duration) *Client {
	rc := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	eps := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		eps[ep.Capability] = ep
	}
	return &Client{rc: rc, endpoints: eps}
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.rc.Close()
}

// wireRequest is the body posted to a capability endpoint.
type wireRequest struct {
	Capability string            `json:"capability"`
	Model      string            `json:"model,omitempty"`
	Context    map[string]any    `json:"context,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// wireResponse is the envelope a capability endpoint replies with.
type wireResponse struct {
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
}

// Invoke implements Invoker. HTTP status codes are mapped onto the typed
// failure taxonomy: 429 is RATE_LIMITED (honouring Retry-After when the
// server sends one), other 5xx are UNAVAILABLE, and a 2xx body that is not
// the declared envelope is INVALID_OUTPUT.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	logger := ctxlog.FromContext(ctx)

	ep, ok := c.endpoints[req.Capability]
	if !ok {
		return Response{}, &Failure{Kind: FailureUnavailable, Message: "no endpoint bound for capability " + req.Capability}
	}

	var out wireResponse
	res, err := c.rc.R().
		SetContext(ctx).
		SetBody(wireRequest{
			Capability: req.Capability,
			Model:      ep.Model,
			Context:    req.Context,
			Params:     req.Params,
		}).
		SetResult(&out).
		Post(ep.URL)
	if err != nil {
		return Response{}, &Failure{Kind: FailureUnavailable, Message: err.Error()}
	}

	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		f := &Failure{Kind: FailureRateLimited, Message: "capability endpoint rate limited"}
		if ra := res.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				f.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		logger.Warn("Capability call rate limited.", "capability", req.Capability, "retry_after", f.RetryAfter)
		return Response{}, f
	case res.StatusCode() >= http.StatusInternalServerError:
		return Response{}, &Failure{Kind: FailureUnavailable, Message: "capability endpoint returned " + res.Status()}
	case !res.IsSuccess():
		return Response{}, &Failure{Kind: FailureInvalidOutput, Message: "capability endpoint returned " + res.Status()}
	}

	if out.Error != "" {
		return Response{}, &Failure{Kind: FailureInvalidOutput, Message: out.Error}
	}
	if len(out.Payload) == 0 {
		return Response{}, &Failure{Kind: FailureInvalidOutput, Message: "capability endpoint returned an empty payload"}
	}

	logger.Debug("Capability call succeeded.", "capability", req.Capability, "bytes", len(out.Payload))
	return Response{Payload: out.Payload}, nil
}
