// Package domain contains core value types shared across the TreasurePlay SDK.
//
// Types here are plain values: they carry no transport, storage or logging
// concerns and can be passed freely between packages.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrCUIDRequired          = errors.New("CUID is required and cannot be empty")
	ErrAdvertisingIDRequired = errors.New("advertising ID (GAID/IDFA) is required and cannot be empty")
)

// UserIdentity identifies a player towards the TreasurePlay backend.
// It is immutable; build it with NewUserIdentity.
type UserIdentity struct {
	cuid          string
	advertisingID string
	email         string
	displayName   string
	locale        string
	countryCode   string
}

// IdentityOption sets an optional identity field
type IdentityOption func(*UserIdentity)

// WithEmail sets the player's email address
func WithEmail(email string) IdentityOption {
	return func(u *UserIdentity) {
		u.email = email
	}
}

// WithDisplayName sets the player's display name
func WithDisplayName(name string) IdentityOption {
	return func(u *UserIdentity) {
		u.displayName = name
	}
}

// WithLocale sets the player's locale (e.g. "en-US")
func WithLocale(locale string) IdentityOption {
	return func(u *UserIdentity) {
		u.locale = locale
	}
}

// WithCountryCode sets the player's ISO country code
func WithCountryCode(code string) IdentityOption {
	return func(u *UserIdentity) {
		u.countryCode = code
	}
}

// NewUserIdentity builds an identity. Both cuid and advertisingID must be
// non-blank.
func NewUserIdentity(cuid, advertisingID string, opts ...IdentityOption) (UserIdentity, error) {
	if isBlank(cuid) {
		return UserIdentity{}, ErrCUIDRequired
	}
	if isBlank(advertisingID) {
		return UserIdentity{}, ErrAdvertisingIDRequired
	}

	u := UserIdentity{
		cuid:          cuid,
		advertisingID: advertisingID,
	}
	for _, opt := range opts {
		opt(&u)
	}
	return u, nil
}

// CUID returns the client user identifier
func (u UserIdentity) CUID() string { return u.cuid }

// AdvertisingID returns the platform advertising identifier (GAID/IDFA)
func (u UserIdentity) AdvertisingID() string { return u.advertisingID }

// Email returns the optional email address
func (u UserIdentity) Email() string { return u.email }

// DisplayName returns the optional display name
func (u UserIdentity) DisplayName() string { return u.displayName }

// Locale returns the optional locale
func (u UserIdentity) Locale() string { return u.locale }

// CountryCode returns the optional country code
func (u UserIdentity) CountryCode() string { return u.countryCode }

// IsValid reports whether both required identifiers are present.
// The zero value is invalid.
func (u UserIdentity) IsValid() bool {
	return !isBlank(u.cuid) && !isBlank(u.advertisingID)
}

func (u UserIdentity) String() string {
	return fmt.Sprintf("UserIdentity{CUID: %s, AdvertisingID: %s, Email: %s, DisplayName: %s, Locale: %s, CountryCode: %s}",
		u.cuid, u.advertisingID, u.email, u.displayName, u.locale, u.countryCode)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Environment selects which TreasurePlay deployment the SDK talks to
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentTestnet    Environment = "testnet"
)

// ParseEnvironment maps a case-insensitive name to an Environment
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case EnvironmentProduction:
		return EnvironmentProduction, nil
	case EnvironmentTestnet, "":
		return EnvironmentTestnet, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// DeviceType is reported to the quest portal
type DeviceType string

const (
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeWeb     DeviceType = "web"
)

// ParseAmount converts a backend decimal string into a whole balance.
// The value is truncated toward zero and clamped to the int range. Empty,
// non-numeric and non-finite strings yield 0.
func ParseAmount(s string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	switch {
	case f >= float64(math.MaxInt):
		return math.MaxInt
	case f <= float64(math.MinInt):
		return math.MinInt
	}
	return int(math.Trunc(f))
}

// EventSeverity represents the severity of a journaled SDK event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// Event is a significant SDK occurrence kept in the local journal
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Severity    EventSeverity   `json:"severity"`
	Timestamp   time.Time       `json:"timestamp"`
	TpUID       *string         `json:"tp_uid,omitempty"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data,omitempty"`
	Component   string          `json:"component"`
}
