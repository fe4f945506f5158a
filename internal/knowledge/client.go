package knowledge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"resty.dev/v3"
)

// Client resolves citation keys against a corpus service over HTTP.
type Client struct {
	rc *resty.Client
}

// NewClient builds a resolver client for the given corpus base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{rc: rc}
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.rc.Close()
}

// Resolve implements Resolver. A 404 from the corpus is a definitive
// "does not exist", not an error; anything else unexpected is an error the
// caller treats as transient.
func (c *Client) Resolve(ctx context.Context, key string) (Resolution, error) {
	var out Resolution
	res, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetResult(&out).
		Get("/corpus/entries/{key}")
	if err != nil {
		return Resolution{}, fmt.Errorf("corpus lookup for %q failed: %w", key, err)
	}

	switch {
	case res.StatusCode() == http.StatusNotFound:
		return Resolution{Exists: false}, nil
	case !res.IsSuccess():
		return Resolution{}, fmt.Errorf("corpus lookup for %q returned %s", key, res.Status())
	}
	return out, nil
}
