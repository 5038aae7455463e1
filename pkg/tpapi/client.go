package tpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alexbotov/treasureplay/internal/metrics"
)

// Header names used on the wire
const (
	HeaderIntegrityToken = "X-Play-Integrity-Token"

	opInit         = "init"
	opGetInventory = "get_inventory"
	opRedeem       = "redeem"
)

// Client is a TreasurePlay API client. It holds no session state and is safe
// for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    metrics.Recorder
}

// NewClient creates a new TreasurePlay API client. Outgoing requests are
// traced with the global OpenTelemetry provider.
func NewClient(config *ClientConfig) *Client {
	return NewClientWithHTTPClient(config, &http.Client{
		Timeout:   config.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
}

// NewClientWithHTTPClient creates a new client with a custom HTTP client
func NewClientWithHTTPClient(config *ClientConfig, httpClient *http.Client) *Client {
	c := &Client{
		config:     config,
		httpClient: httpClient,
		logger:     config.Logger,
		metrics:    config.Metrics,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return c
}

// Init performs the backend handshake. Extra headers are added after the
// fixed ones and never replace them.
func (c *Client) Init(ctx context.Context, req *InitRequest, extraHeaders map[string]string) (*InitResult, error) {
	start := time.Now()
	if c.config.APIBaseURL == "" {
		return nil, c.fail(opInit, start, fmt.Errorf("%w: API base URL is empty", ErrNotConfigured))
	}
	if req == nil {
		return nil, c.fail(opInit, start, fmt.Errorf("%w: init request", ErrMissingParameter))
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Authorization", "Bearer "+c.config.APIKey)
	headers.Set("Accept", "application/json")
	for k, v := range extraHeaders {
		headers.Add(k, v)
	}

	var resp InitResponse
	endpoint := strings.TrimRight(c.config.APIBaseURL, "/") + "/init"
	if err := c.doRequest(ctx, opInit, http.MethodPost, endpoint, headers, req, &resp); err != nil {
		return nil, c.fail(opInit, start, err)
	}

	if resp.Data == nil || resp.Data.SessionToken == "" {
		return nil, c.fail(opInit, start, fmt.Errorf("%w: missing data.session_token", ErrMalformedResponse))
	}

	c.succeed(opInit, start)
	c.logger.Info("backend init succeeded", zap.String("tp_uid", resp.Data.TpUID))
	return &InitResult{
		SessionToken: resp.Data.SessionToken,
		TpUID:        resp.Data.TpUID,
	}, nil
}

// GetInventory retrieves the player's balance for coinID
func (c *Client) GetInventory(ctx context.Context, coinID, sessionToken string) (*InventoryResponse, error) {
	start := time.Now()
	if c.config.InventoryBaseURL == "" {
		return nil, c.fail(opGetInventory, start, fmt.Errorf("%w: inventory base URL is empty", ErrNotConfigured))
	}
	if sessionToken == "" {
		return nil, c.fail(opGetInventory, start, fmt.Errorf("%w: session token", ErrMissingParameter))
	}
	if coinID == "" {
		return nil, c.fail(opGetInventory, start, fmt.Errorf("%w: coin id", ErrMissingParameter))
	}

	var resp InventoryResponse
	endpoint := strings.TrimRight(c.config.InventoryBaseURL, "/") + "/token/" + url.PathEscape(coinID)
	if err := c.doRequest(ctx, opGetInventory, http.MethodGet, endpoint, sessionHeaders(sessionToken), nil, &resp); err != nil {
		return nil, c.fail(opGetInventory, start, err)
	}

	c.succeed(opGetInventory, start)
	return &resp, nil
}

// Redeem redeems the player's full balance, optionally attaching a message
func (c *Client) Redeem(ctx context.Context, message, sessionToken string) (*RedeemResponse, error) {
	start := time.Now()
	if c.config.InventoryBaseURL == "" {
		return nil, c.fail(opRedeem, start, fmt.Errorf("%w: inventory base URL is empty", ErrNotConfigured))
	}
	if sessionToken == "" {
		return nil, c.fail(opRedeem, start, fmt.Errorf("%w: session token", ErrMissingParameter))
	}

	var resp RedeemResponse
	endpoint := strings.TrimRight(c.config.InventoryBaseURL, "/") + "/giftcard/order/dynamic"
	body := &RedeemRequest{Message: message}
	if err := c.doRequest(ctx, opRedeem, http.MethodPost, endpoint, sessionHeaders(sessionToken), body, &resp); err != nil {
		return nil, c.fail(opRedeem, start, err)
	}

	c.succeed(opRedeem, start)
	return &resp, nil
}

// sessionHeaders carries the raw session token, without a Bearer prefix
func sessionHeaders(sessionToken string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", sessionToken)
	return h
}

// doRequest performs an HTTP request and decodes a JSON response into result.
// Transport errors on GET requests are retried with backoff up to
// RetryCount attempts.
func (c *Client) doRequest(ctx context.Context, op, method, endpoint string, headers http.Header, reqBody interface{}, result interface{}) error {
	var bodyBytes []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal request: %w", ErrTransport, err)
		}
		bodyBytes = b
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
			}
			return fmt.Errorf("%w: rate limiter: %w", ErrTransport, err)
		}
	}

	attempts := 1
	if method == http.MethodGet && c.config.RetryCount > 1 {
		attempts = c.config.RetryCount
	}

	try := 0
	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		try++
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: failed to create request: %w", ErrTransport, err))
		}
		req.Header = headers.Clone()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
			}
			c.logger.Debug("request attempt failed",
				zap.String("operation", op),
				zap.Int("attempt", try),
				zap.Error(err))
			return nil, err
		}
		return resp, nil
	}, backoff.WithBackOff(c.retryBackOff()), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		switch {
		case errors.Is(err, ErrCanceled), errors.Is(err, ErrTransport):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return fmt.Errorf("%w: request failed after %d attempts: %w", ErrTransport, try, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}

	c.metrics.RecordHTTPStatus(op, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: failed to parse response: %w", ErrMalformedResponse, err)
	}

	return nil
}

func (c *Client) retryBackOff() backoff.BackOff {
	if c.config.RetryBackOff != nil {
		return c.config.RetryBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func (c *Client) fail(op string, start time.Time, err error) error {
	outcome := metrics.OutcomeFailure
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrMissingParameter) {
		outcome = metrics.OutcomeSkipped
	}
	c.metrics.RecordRequest(op, outcome, time.Since(start))

	fields := []zap.Field{zap.String("operation", op), zap.Error(err)}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		fields = append(fields, zap.Int("status", statusErr.StatusCode), zap.String("body", statusErr.Body))
	}
	if errors.Is(err, ErrCanceled) {
		c.logger.Warn("request canceled", fields...)
	} else {
		c.logger.Error("request failed", fields...)
	}
	return err
}

func (c *Client) succeed(op string, start time.Time) {
	c.metrics.RecordRequest(op, metrics.OutcomeSuccess, time.Since(start))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
