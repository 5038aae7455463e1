package treasureplay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/config"
	"github.com/alexbotov/treasureplay/internal/logging"
)

// Option configures an SDK
type Option func(*SDK)

// WithLogger routes SDK logs to l. The settings log level still applies.
func WithLogger(l *zap.Logger) Option {
	return func(s *SDK) {
		s.log = logging.Wrap(l)
	}
}

// WithStore persists the session in store instead of the configured database
func WithStore(store Store) Option {
	return func(s *SDK) {
		s.store = store
	}
}

// WithPlatform sets the host capabilities. Unset capabilities fall back to
// the desktop defaults.
func WithPlatform(p Platform) Option {
	return func(s *SDK) {
		s.platform = p.WithDefaults()
	}
}

// WithHTTPClient sets the HTTP client used for backend calls
func WithHTTPClient(c *http.Client) Option {
	return func(s *SDK) {
		s.httpClient = c
	}
}

// WithMetrics registers SDK metrics on reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *SDK) {
		s.registerer = reg
	}
}

// WithSettingsLoader replaces the default settings lookup used when
// Initialize is called without settings
func WithSettingsLoader(fn func() (*config.Settings, error)) Option {
	return func(s *SDK) {
		s.loadSettings = fn
	}
}
