package cwapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/config"
	"github.com/Guizzs26/go-cw-mirror/pkg/infra"
	"github.com/Guizzs26/go-cw-mirror/pkg/metrics"
)

// User-facing ConnectWise Cloud hosts and their API counterparts.
// See the Manage developer guide, "Cloud URLs"
var cloudHosts = map[string]string{
	"au.myconnectwise.net":      "api-au.myconnectwise.net",
	"eu.myconnectwise.net":      "api-eu.myconnectwise.net",
	"na.myconnectwise.net":      "api-na.myconnectwise.net",
	"aus.myconnectwise.net":     "api-aus.myconnectwise.net",
	"za.myconnectwise.net":      "api-za.myconnectwise.net",
	"staging.connectwisedev.com": "api-staging.connectwisedev.com",
}

const (
	defaultCodebase = "v4_6_release/"
	acceptVersion   = "application/vnd.connectwise.com+json; version=2019.5"

	// Retry waits mirror the original client: 1s initial, 10s ceiling
	retryMinWait = 1 * time.Second
	retryMaxWait = 10 * time.Second
)

// Client issues authenticated, paginated requests against the ConnectWise
// REST API. Stateless between calls apart from connection reuse
type Client struct {
	httpClient  *http.Client
	serverURL   string
	codebase    string
	companyID   string
	clientID    string
	authUser    string
	authPass    string
	maxAttempts int
	logger      *slog.Logger
}

func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		serverURL:   resolveCloudURL(cfg.ServerURL),
		codebase:    defaultCodebase,
		companyID:   cfg.CompanyID,
		clientID:    cfg.ClientID,
		authUser:    fmt.Sprintf("%s+%s", cfg.CompanyID, cfg.PublicKey),
		authPass:    cfg.PrivateKey,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}

	// Hosted instances publish their codebase path on the companyinfo
	// endpoint; on-premise servers always use the default
	if isCloudHost(c.serverURL) {
		if codebase, err := c.fetchCodebase(context.Background()); err != nil {
			logger.Warn("Failed to fetch API codebase, using default",
				"default", defaultCodebase, "error", err)
		} else {
			c.codebase = codebase
		}
	}

	return c
}

// resolveCloudURL swaps a user-facing cloud host for its API alias,
// e.g. https://na.myconnectwise.net -> https://api-na.myconnectwise.net
func resolveCloudURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return serverURL
	}
	if apiHost, ok := cloudHosts[u.Host]; ok {
		u.Host = apiHost
		return u.String()
	}
	return serverURL
}

func isCloudHost(serverURL string) bool {
	return strings.Contains(serverURL, "myconnectwise.net") ||
		strings.Contains(serverURL, "connectwisedev.com")
}

// fetchCodebase asks the unauthenticated companyinfo endpoint which
// codebase path this hosted instance currently serves the API under
func (c *Client) fetchCodebase(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/login/companyinfo/%s", c.serverURL, c.companyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("companyinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("companyinfo returned HTTP %d", resp.StatusCode)
	}

	var info struct {
		Codebase string `json:"Codebase"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("companyinfo decode failed: %w", err)
	}
	if info.Codebase == "" {
		// CW returns null for unknown company IDs
		return "", fmt.Errorf("companyinfo returned no codebase, company ID may be unknown")
	}
	return info.Codebase, nil
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/%sapis/3.0/%s", c.serverURL, c.codebase, path)
}

// do issues one request with retry. Transient failures (connection errors,
// timeouts, 5xx, 429) are repeated with jittered exponential waits up to
// maxAttempts total requests; everything else propagates immediately
func (c *Client) do(ctx context.Context, method, path string, body any, params url.Values) (json.RawMessage, error) {
	backoff := infra.NewBackoff(retryMinWait, retryMaxWait, 2.0)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.APIRetries.Inc()
			wait := backoff.Next()
			c.logger.Warn("Retrying ConnectWise request",
				"method", method, "path", path, "attempt", attempt, "wait", wait)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := c.doOnce(ctx, method, path, body, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, params url.Values) (json.RawMessage, error) {
	endpoint := c.endpoint(path)

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if params != nil {
		req.URL.RawQuery = params.Encode()
	}

	req.SetBasicAuth(c.authUser, c.authPass)
	req.Header.Set("Accept", acceptVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set("clientId", c.clientID)
	}

	c.logger.Debug("ConnectWise request", "method", method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return json.RawMessage(respBody), nil
	case resp.StatusCode == http.StatusForbidden:
		c.logFailed(resp, respBody)
		return nil, &SecurityError{Message: decodeErrorBody(resp.StatusCode, respBody)}
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Warn("Resource not found", "url", req.URL.String())
		return nil, &NotFoundError{URL: req.URL.String()}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logFailed(resp, respBody)
		return nil, &RateLimitError{Message: decodeErrorBody(resp.StatusCode, respBody)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logFailed(resp, respBody)
		return nil, &ClientError{StatusCode: resp.StatusCode, Message: decodeErrorBody(resp.StatusCode, respBody)}
	default:
		c.logFailed(resp, respBody)
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: decodeErrorBody(resp.StatusCode, respBody)}
	}
}

func (c *Client) logFailed(resp *http.Response, body []byte) {
	c.logger.Error("Failed ConnectWise request",
		"status", resp.StatusCode,
		"url", resp.Request.URL.String(),
		"response", string(body),
	)
}

// prepareConditions formats individual condition expressions into the
// single conditions query parameter ConnectWise expects
func prepareConditions(conditions []string) string {
	return fmt.Sprintf("(%s)", strings.Join(conditions, " and "))
}
