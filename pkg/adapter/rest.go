package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

// restClient is the shared HTTP client for the REST providers: a
// bearer-token transport with a circuit breaker in front, so a flapping
// provider trips fast instead of burning the poll budget per call.
// headers, when set, go out on every request.
type restClient struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string
	headers map[string]string
	logger  *slog.Logger
}

func newRESTClient(name, baseURL, accessToken string, timeout time.Duration, logger *slog.Logger) *restClient {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = timeout
	return &restClient{
		http: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// getJSON performs a GET against path with query parameters and decodes
// the JSON response into out. Non-2xx responses come back as typed
// provider errors keyed off the status code.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	body, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, Permanent("request", err)
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, Transient(c.breaker.Name(), err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, Transient(c.breaker.Name(), err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, StatusError(c.breaker.Name()+" "+path, resp.StatusCode, truncateBody(data))
		}
		return data, nil
	})
	if err != nil {
		return Classify(c.breaker.Name(), err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return Permanent(c.breaker.Name(), fmt.Errorf("decoding %s: %w", path, err))
	}
	return nil
}

// condResult carries a conditional GET outcome through the breaker.
type condResult struct {
	data        []byte
	etag        string
	notModified bool
}

// getJSONConditional is getJSON with ETag revalidation: etag goes out
// as If-None-Match, and a 304 reports notModified instead of an error.
// The response ETag, when present, is returned for the next call.
func (c *restClient) getJSONConditional(ctx context.Context, path string, query url.Values, etag string, out any) (string, bool, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, Permanent("request", err)
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, Transient(c.breaker.Name(), err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotModified {
			return condResult{notModified: true}, nil
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, Transient(c.breaker.Name(), err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, StatusError(c.breaker.Name()+" "+path, resp.StatusCode, truncateBody(data))
		}
		return condResult{data: data, etag: resp.Header.Get("ETag")}, nil
	})
	if err != nil {
		return "", false, Classify(c.breaker.Name(), err)
	}
	cr := res.(condResult)
	if cr.notModified {
		return etag, true, nil
	}
	if out != nil {
		if err := json.Unmarshal(cr.data, out); err != nil {
			return "", false, Permanent(c.breaker.Name(), fmt.Errorf("decoding %s: %w", path, err))
		}
	}
	return cr.etag, false, nil
}

func truncateBody(b []byte) string {
	const max = 256
	s := string(b)
	if len(s) > max {
		return s[:max]
	}
	return s
}
