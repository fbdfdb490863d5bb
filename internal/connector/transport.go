package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/worksync/worksync/internal/debug"
	"github.com/worksync/worksync/internal/types"
)

// Remote responses are capped when kept for error messages.
const errBodyLimit = 2 << 10

// AuthFunc injects credentials into an outgoing request.
type AuthFunc func(*http.Request)

// BasicAuth authenticates with a username and password.
func BasicAuth(user, pass string) AuthFunc {
	return func(req *http.Request) {
		req.SetBasicAuth(user, pass)
	}
}

// PATAuth authenticates with a personal access token, sent as the password
// of an empty-user basic credential the way Azure DevOps expects.
func PATAuth(token string) AuthFunc {
	return func(req *http.Request) {
		req.SetBasicAuth("", token)
	}
}

// HeaderAuth authenticates with a bare API key header, e.g. the
// "authtoken" technician key of ServiceDesk Plus.
func HeaderAuth(header, value string) AuthFunc {
	return func(req *http.Request) {
		req.Header.Set(header, value)
	}
}

// Transport is the HTTP layer shared by the REST drivers: per-call timeout,
// exponential backoff on transient failures, and a circuit breaker that
// opens after consecutive auth failures so a revoked credential fails fast
// instead of hammering the remote for every item in a run.
type Transport struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	auth    AuthFunc
	timeout time.Duration

	// RetryElapsed bounds the total time spent retrying one call.
	RetryElapsed time.Duration
}

// NewTransport builds a transport for one connector instance. name labels
// the breaker in logs; timeout applies per attempt.
func NewTransport(name string, auth AuthFunc, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name: name,
		// Only auth failures count as breaker failures; transient errors
		// are the retry loop's problem.
		IsSuccessful: func(err error) bool { return !IsAuth(err) },
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
		Timeout: time.Minute,
		OnStateChange: func(name string, from, to gobreaker.State) {
			debug.Logf("connector %s: breaker %s -> %s", name, from, to)
		},
	}
	return &Transport{
		client:       &http.Client{},
		breaker:      gobreaker.NewCircuitBreaker(settings),
		auth:         auth,
		timeout:      timeout,
		RetryElapsed: 45 * time.Second,
	}
}

// Do performs one HTTP call with auth, timeout, retry, and breaker applied.
// Non-2xx responses come back as *RemoteError; 404 maps to ErrItemNotFound.
func (t *Transport) Do(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, error) {
	out, err := t.breaker.Execute(func() (any, error) {
		return t.doRetry(ctx, method, url, body, contentType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &RemoteError{Op: method + " " + url, StatusCode: http.StatusUnauthorized,
				Body: "circuit open after repeated auth failures"}
		}
		return nil, err
	}
	return out.([]byte), nil
}

// DoJSON performs a call with a JSON request body (when in != nil) and
// decodes the JSON response into out (when out != nil).
func (t *Transport) DoJSON(ctx context.Context, method, url string, in, out any) error {
	var body []byte
	contentType := ""
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		contentType = "application/json"
	}
	raw, err := t.Do(ctx, method, url, body, contentType)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func (t *Transport) doRetry(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = t.RetryElapsed

	var out []byte
	operation := func() error {
		raw, err := t.doOnce(ctx, method, url, body, contentType)
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				debug.Logf("retrying %s %s: %v", method, url, err)
				return err
			}
			return backoff.Permanent(err)
		}
		out = raw
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transport) doOnce(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if t.auth != nil {
		t.auth(req)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, url, ErrItemNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := raw
		if len(snippet) > errBodyLimit {
			snippet = snippet[:errBodyLimit]
		}
		return nil, &RemoteError{Op: method + " " + url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	return raw, nil
}

// AuthFor builds the AuthFunc matching a connector's configured auth kind.
func AuthFor(cfg Config) (AuthFunc, error) {
	switch cfg.AuthKind {
	case types.AuthPAT:
		token := cfg.Credentials["pat"]
		if token == "" {
			token = cfg.Credentials["token"]
		}
		if token == "" {
			return nil, fmt.Errorf("connector %q: pat credential is required", cfg.Name)
		}
		return PATAuth(token), nil
	case types.AuthAPIKey:
		key := cfg.Credentials["apikey"]
		if key == "" {
			key = cfg.Credentials["api_key"]
		}
		if key == "" {
			return nil, fmt.Errorf("connector %q: apikey credential is required", cfg.Name)
		}
		header := cfg.Metadata["auth_header"]
		if header == "" {
			header = "authtoken"
		}
		return HeaderAuth(header, key), nil
	case types.AuthBasic:
		user, pass := cfg.Credentials["username"], cfg.Credentials["password"]
		if user == "" || pass == "" {
			return nil, fmt.Errorf("connector %q: username and password credentials are required", cfg.Name)
		}
		return BasicAuth(user, pass), nil
	}
	return nil, fmt.Errorf("connector %q: unsupported auth kind %q", cfg.Name, cfg.AuthKind)
}
