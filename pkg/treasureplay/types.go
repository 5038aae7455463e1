package treasureplay

import (
	"github.com/alexbotov/treasureplay/internal/audit"
	"github.com/alexbotov/treasureplay/internal/config"
	"github.com/alexbotov/treasureplay/internal/domain"
	"github.com/alexbotov/treasureplay/internal/platform"
	"github.com/alexbotov/treasureplay/internal/session"
	"github.com/alexbotov/treasureplay/pkg/tpapi"
)

// Types shared with the internal packages
type (
	UserIdentity    = domain.UserIdentity
	IdentityOption  = domain.IdentityOption
	Settings        = config.Settings
	InitRequest     = tpapi.InitRequest
	Event           = domain.Event
	EventFilter     = audit.EventFilter
	Platform        = platform.Services
	SessionSnapshot = session.Snapshot
	Store           = session.Store
)

// RewardsFailed is returned by CheckRewards and Redeem on any failure
const RewardsFailed = -1

// NewUserIdentity validates and builds a player identity
func NewUserIdentity(cuid, advertisingID string, opts ...IdentityOption) (UserIdentity, error) {
	return domain.NewUserIdentity(cuid, advertisingID, opts...)
}

// Identity options
var (
	WithEmail       = domain.WithEmail
	WithDisplayName = domain.WithDisplayName
	WithLocale      = domain.WithLocale
	WithCountryCode = domain.WithCountryCode
)

// DefaultSettings returns settings with built-in defaults
func DefaultSettings() *Settings {
	return config.Default()
}

// LoadSettings reads settings from a YAML file and the environment
func LoadSettings(path string) (*Settings, error) {
	return config.Load(path)
}

// DesktopPlatform returns the capabilities available without a mobile host
func DesktopPlatform() Platform {
	return platform.Desktop()
}

// State is the lifecycle state of an SDK
type State int

const (
	StateUninitialized State = iota
	StateWebViewOnly
	StateBackendSession
)

func (s State) String() string {
	switch s {
	case StateWebViewOnly:
		return "webview_only"
	case StateBackendSession:
		return "backend_session"
	default:
		return "uninitialized"
	}
}

// InitOptions control Initialize
type InitOptions struct {
	// Settings overrides the default settings lookup when set
	Settings *Settings
	// EnableBackendSession turns on the backend handshake and reward features
	EnableBackendSession bool
}
