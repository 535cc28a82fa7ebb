// Package fetch implements the server-side "fetch actor snapshot" helper: an
// authenticated HTTP GET against the router that returns the caller's
// projection plus checksum, optionally waiting for a state or event first.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonmumm/actor-kit/internal/actor"
	"github.com/jonmumm/actor-kit/internal/apperr"
)

// Options describe one snapshot fetch.
type Options struct {
	// Host is the client-facing host value ("host" or "host:port").
	Host      string
	ActorType string
	ActorID   string

	// AccessToken is bundled into the Authorization header.
	AccessToken string

	// Input is forwarded as the input query parameter (JSON-encoded).
	Input map[string]any

	// Wait-for parameters; zero values are omitted from the URL.
	WaitForEvent       string
	WaitForState       string
	Timeout            time.Duration
	ErrorOnWaitTimeout bool

	// HTTPClient overrides the default client (30 s timeout).
	HTTPClient *http.Client
}

// Result is the decoded GET response.
type Result struct {
	Snapshot actor.CallerSnapshot `json:"snapshot"`
	Checksum string               `json:"checksum"`
}

var defaultClient = &http.Client{Timeout: 30 * time.Second}

// Snapshot performs the fetch. A 408 response surfaces as WAIT_TIMEOUT; other
// non-200 responses surface the server's error code.
func Snapshot(ctx context.Context, opts Options) (Result, error) {
	u, err := buildURL(opts)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+opts.AccessToken)

	client := opts.HTTPClient
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusRequestTimeout {
		return Result{}, apperr.WaitTimeout("wait condition not reached before the server timeout")
	}
	if resp.StatusCode != http.StatusOK {
		var errResp apperr.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Code != "" {
			return Result{}, apperr.NewWithDetails(errResp.Code, errResp.Message, errResp.Details)
		}
		return Result{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("malformed snapshot response: %w", err)
	}
	return result, nil
}

func buildURL(opts Options) (string, error) {
	if opts.Host == "" || opts.ActorType == "" || opts.ActorID == "" {
		return "", fmt.Errorf("host, actor type and actor id are required")
	}
	scheme := "https"
	if IsLocalHost(opts.Host) {
		scheme = "http"
	}
	q := url.Values{}
	if len(opts.Input) > 0 {
		raw, err := json.Marshal(opts.Input)
		if err != nil {
			return "", fmt.Errorf("failed to encode input: %w", err)
		}
		q.Set("input", string(raw))
	}
	if opts.WaitForEvent != "" {
		q.Set("waitForEvent", opts.WaitForEvent)
	}
	if opts.WaitForState != "" {
		q.Set("waitForState", opts.WaitForState)
	}
	if opts.Timeout > 0 {
		q.Set("timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}
	if opts.ErrorOnWaitTimeout {
		q.Set("errorOnWaitTimeout", "true")
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     opts.Host,
		Path:     fmt.Sprintf("/api/%s/%s", opts.ActorType, opts.ActorID),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// IsLocalHost reports whether a host value names loopback or an RFC 1918
// private address, in which case plain http/ws is used instead of https/wss.
func IsLocalHost(host string) bool {
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	name = strings.ToLower(name)
	if name == "localhost" || name == "127.0.0.1" || name == "0.0.0.0" || name == "::1" {
		return true
	}
	ip := net.ParseIP(name)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
