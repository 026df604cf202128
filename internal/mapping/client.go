package mapping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
)

const (
	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 8 << 20
	// Error messages quote at most this much of a response body.
	bodyExcerpt = 512
)

// Client posts snapshots to {apiBaseUrl}{path} with the payload's bearer token.
type Client struct {
	http    *http.Client
	path    string
	timeout time.Duration
	limiter *rate.Limiter
	skew    time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient wraps httpClient. A zero rate limit disables throttling.
func NewClient(cfg config.MappingConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	path := cfg.Path
	if path == "" {
		path = "/api/v1/autofill/ai-map"
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		http:    httpClient,
		path:    path,
		timeout: timeout,
		limiter: limiter,
		skew:    cfg.ExpirySkew,
		logger:  logger.Named("mapping"),
		now:     time.Now,
	}
}

// Endpoint returns the URL the client posts to for a given base.
func (c *Client) Endpoint(apiBaseURL string) string {
	return strings.TrimRight(apiBaseURL, "/") + c.path
}

// Map performs one mapping call. The call is bounded by the configured timeout; expiry
// yields ErrMappingTimeout. Non-2xx answers yield ErrMappingStatus and unparseable ones
// ErrMappingMalformed, both quoting the status and body.
func (c *Client) Map(ctx context.Context, payload *schemas.AutofillPayload, snapshot *schemas.DOMSnapshot) ([]schemas.FieldMapping, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, fmt.Errorf("%w: snapshot is required", schemas.ErrInvalidPayload)
	}
	if err := CheckCredential(payload.SessionToken, c.now(), c.skew); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("mapping call throttled: %w", err)
		}
	}

	body, err := json.Marshal(Request(payload, snapshot))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mapping request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.Endpoint(payload.APIBaseURL)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create mapping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+payload.SessionToken)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(truncate(string(raw), bodyExcerpt))
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w (%w): %d %s", ErrMappingStatus, ErrCredentialExpired, resp.StatusCode, text)
		}
		return nil, fmt.Errorf("%w: %d %s", ErrMappingStatus, resp.StatusCode, text)
	}

	var decoded struct {
		Mappings *[]schemas.FieldMapping `json:"mappings"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %d %v: %s", ErrMappingMalformed, resp.StatusCode, err, truncate(string(raw), bodyExcerpt))
	}
	if decoded.Mappings == nil {
		return nil, fmt.Errorf("%w: %d missing mappings array: %s", ErrMappingMalformed, resp.StatusCode, truncate(string(raw), bodyExcerpt))
	}

	c.logger.Info("Mapping received.",
		zap.String("form_code", payload.FormCode),
		zap.Int("fields", len(snapshot.Fields)),
		zap.Int("mappings", len(*decoded.Mappings)),
		zap.Duration("duration", time.Since(start)),
	)
	return *decoded.Mappings, nil
}

// transportError distinguishes our own deadline from caller cancellation.
func (c *Client) transportError(parent, call context.Context, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrMappingTimeout, c.timeout)
	}
	return fmt.Errorf("mapping request failed: %w", err)
}
