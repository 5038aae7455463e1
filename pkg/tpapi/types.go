package tpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/domain"
	"github.com/alexbotov/treasureplay/internal/metrics"
)

// Errors returned by the client. Every failure wraps exactly one of these.
var (
	ErrNotConfigured     = errors.New("tpapi: base URL not configured")
	ErrMissingParameter  = errors.New("tpapi: missing required parameter")
	ErrTransport         = errors.New("tpapi: transport failure")
	ErrCanceled          = errors.New("tpapi: request canceled")
	ErrUnexpectedStatus  = errors.New("tpapi: unexpected HTTP status")
	ErrMalformedResponse = errors.New("tpapi: malformed response")

	ErrInitIdentityRequired = errors.New("either CUID or advertising ID (fb_ai) is required")
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tpapi: unexpected HTTP status %d", e.StatusCode)
}

// Is makes errors.Is(err, ErrUnexpectedStatus) hold for any StatusError
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// InitRequestParams carries the fields used to build an InitRequest
type InitRequestParams struct {
	CUID          string
	AdvertisingID string
	Email         string
	DisplayName   string
	Locale        string
	CountryCode   string
	GameID        string
	APIKey        string
}

// InitIdentities is the identities object of the /init body
type InitIdentities struct {
	CUID        string `json:"cuid"`
	FbAI        string `json:"fb_ai"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Locale      string `json:"locale"`
	CountryCode string `json:"country_code"`
	GameID      string `json:"game_id"`
}

// InitRequest is the request body for /init
type InitRequest struct {
	Identities InitIdentities `json:"identities"`
	APIKey     string         `json:"api_key"`
}

// NewInitRequest validates p and builds an InitRequest. At least one of
// CUID and AdvertisingID must be non-blank.
func NewInitRequest(p InitRequestParams) (*InitRequest, error) {
	if strings.TrimSpace(p.CUID) == "" && strings.TrimSpace(p.AdvertisingID) == "" {
		return nil, ErrInitIdentityRequired
	}
	return &InitRequest{
		Identities: InitIdentities{
			CUID:        p.CUID,
			FbAI:        p.AdvertisingID,
			Email:       p.Email,
			DisplayName: p.DisplayName,
			Locale:      p.Locale,
			CountryCode: p.CountryCode,
			GameID:      p.GameID,
		},
		APIKey: p.APIKey,
	}, nil
}

// InitResponse is the raw /init response body
type InitResponse struct {
	Data *InitData `json:"data"`
}

// InitData is the data object of InitResponse
type InitData struct {
	TpUID        string `json:"tp_uid"`
	SessionToken string `json:"session_token"`
}

// InitResult is the outcome of a successful handshake.
// WebViewURL is never set by the client.
type InitResult struct {
	SessionToken string
	TpUID        string
	WebViewURL   string
}

// Amount is a decimal balance as sent by the backend. Both JSON strings and
// JSON numbers are accepted.
type Amount string

// UnmarshalJSON implements json.Unmarshaler
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = Amount(n.String())
	return nil
}

// Int truncates the amount toward zero. Unparseable amounts yield 0.
func (a Amount) Int() int {
	return domain.ParseAmount(string(a))
}

// InventoryResponse is the /token/{coinId} response body
type InventoryResponse struct {
	Success   bool   `json:"success"`
	Status    int    `json:"status"`
	TpUID     string `json:"tpUid,omitempty"`
	Tokens    Amount `json:"tokens"`
	TokenType string `json:"tokenType,omitempty"`
	Message   string `json:"message,omitempty"`
}

// IsValid reports whether the response is usable: success and status 200
func (r *InventoryResponse) IsValid() bool {
	return r != nil && r.Success && r.Status == 200
}

// RedeemRequest is the request body for /giftcard/order/dynamic
type RedeemRequest struct {
	Message string `json:"message"`
}

// RedeemResponse is the /giftcard/order/dynamic response body
type RedeemResponse struct {
	Success        bool   `json:"success"`
	Status         int    `json:"status"`
	TpUID          string `json:"tpUid,omitempty"`
	UpdatedBalance Amount `json:"updatedBalance"`
	TokenType      string `json:"tokenType,omitempty"`
	Message        string `json:"message,omitempty"`
}

// IsValid reports whether the response is usable: success and status 200
func (r *RedeemResponse) IsValid() bool {
	return r != nil && r.Success && r.Status == 200
}

// ClientConfig holds the configuration for the TreasurePlay client
type ClientConfig struct {
	APIBaseURL       string
	InventoryBaseURL string
	APIKey           string
	// Timeout of zero keeps the transport default
	Timeout time.Duration
	// RetryCount applies to GET requests only
	RetryCount int
	// RetryBackOff paces GET retries; nil uses a short exponential backoff
	RetryBackOff func() backoff.BackOff
	// RateLimit in requests per second; zero disables throttling
	RateLimit float64
	RateBurst int

	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// DefaultConfig returns a default client configuration
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		RetryCount: 1,
		RateBurst:  1,
	}
}
