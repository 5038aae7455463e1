package treasureplay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/audit"
	"github.com/alexbotov/treasureplay/internal/config"
	"github.com/alexbotov/treasureplay/internal/database"
	"github.com/alexbotov/treasureplay/internal/domain"
	"github.com/alexbotov/treasureplay/internal/logging"
	"github.com/alexbotov/treasureplay/internal/metrics"
	"github.com/alexbotov/treasureplay/internal/platform"
	"github.com/alexbotov/treasureplay/internal/playtime"
	"github.com/alexbotov/treasureplay/internal/rewards"
	"github.com/alexbotov/treasureplay/internal/rng"
	"github.com/alexbotov/treasureplay/internal/session"
	"github.com/alexbotov/treasureplay/internal/webview"
	"github.com/alexbotov/treasureplay/pkg/tpapi"
)

var (
	ErrInvalidIdentity     = errors.New("treasureplay: identity requires cuid and advertising id")
	ErrSettingsUnavailable = errors.New("treasureplay: settings unavailable")
	ErrNotInitialized      = errors.New("treasureplay: SDK is not initialized")
	ErrUnavailable         = errors.New("treasureplay: feature requires a backend session")
)

var errHandshakeFailed = errors.New("backend handshake failed")

// SDK owns the player session and every component built on it. Create one
// per process with New and share it with the code that needs it.
type SDK struct {
	mu       sync.RWMutex
	state    State
	identity domain.UserIdentity
	settings *config.Settings

	log          *logging.Logger
	platform     platform.Services
	store        session.Store
	httpClient   *http.Client
	registerer   prometheus.Registerer
	metrics      metrics.Recorder
	loadSettings func() (*config.Settings, error)
	newBackOff   func() backoff.BackOff
	nonces       *rng.Service
	tracer       trace.Tracer

	db          *database.DB
	journal     *audit.Service
	api         *tpapi.Client
	session     *session.Session
	rewards     *rewards.Manager
	permissions *playtime.Permissions
	tracker     *playtime.Tracker
	webview     *webview.Manager

	lifetime      context.Context
	cancel        context.CancelFunc
	handshakeDone chan struct{}
	handshakeOK   bool
}

// New creates an uninitialized SDK
func New(opts ...Option) *SDK {
	lifetime, cancel := context.WithCancel(context.Background())
	s := &SDK{
		platform:     platform.Desktop(),
		metrics:      metrics.Nop{},
		loadSettings: config.LoadDefault,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		nonces:   rng.New(),
		tracer:   otel.Tracer("github.com/alexbotov/treasureplay"),
		lifetime: lifetime,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.NewDefault("info")
	}
	if s.registerer != nil {
		s.metrics = metrics.NewCollector(s.registerer)
	}
	return s
}

func (s *SDK) logger() *zap.Logger {
	return s.log.Component(logging.ComponentSDK)
}

// Initialize binds identity to the SDK. It is a no-op once the SDK is
// initialized. In backend mode the handshake runs in the background; use
// WaitForBackend to observe its outcome.
func (s *SDK) Initialize(ctx context.Context, identity UserIdentity, opts InitOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		s.logger().Info("SDK already initialized", zap.Stringer("state", s.state))
		return nil
	}
	if !identity.IsValid() {
		s.logger().Error("invalid identity", zap.Stringer("identity", identity))
		return ErrInvalidIdentity
	}

	settings := opts.Settings
	if settings != nil {
		settings = settings.Clone()
	} else {
		loaded, err := s.loadSettings()
		if err != nil {
			s.logger().Error("failed to load settings", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrSettingsUnavailable, err)
		}
		settings = loaded
	}
	if settings == nil {
		return ErrSettingsUnavailable
	}

	s.log.SetLevel(settings.LogLevel)

	// nothing is bound to the SDK until backend setup has succeeded
	if opts.EnableBackendSession {
		if err := s.setupBackend(ctx, settings); err != nil {
			return err
		}
	}
	s.identity = identity
	s.settings = settings
	s.webview = webview.NewManager(s.platform.Presenter, s.log.Component(logging.ComponentWebView))

	if !opts.EnableBackendSession {
		s.state = StateWebViewOnly
		s.logger().Info("SDK initialized without backend session", zap.String("cuid", identity.CUID()))
		return nil
	}

	s.state = StateBackendSession
	s.logger().Info("SDK initialized with backend session",
		zap.String("cuid", identity.CUID()),
		zap.String("environment", string(settings.Environment)),
		zap.Bool("session_restored", s.session.IsValid()))

	done := make(chan struct{})
	s.handshakeDone = done
	go s.runHandshake(done)
	return nil
}

func (s *SDK) setupBackend(ctx context.Context, settings *config.Settings) error {
	store := s.store
	if store == nil {
		db, err := database.New(settings.Storage.Driver, settings.Storage.DSN)
		if err != nil {
			s.logger().Error("failed to open storage", zap.Error(err))
			return fmt.Errorf("failed to open storage: %w", err)
		}
		s.db = db
		store = database.NewKV(db)
	} else {
		// the journal still needs a database when the host supplies the store
		db, err := database.NewMemory()
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		s.db = db
	}
	if err := s.db.Migrate(); err != nil {
		s.db.Close()
		s.db = nil
		return fmt.Errorf("failed to migrate storage: %w", err)
	}
	s.journal = audit.New(s.db)

	s.session = session.New(store,
		session.WithLogger(s.log.Component(logging.ComponentSession)),
		session.WithJournal(s.journal))
	if err := s.session.LoadFromStorage(ctx); err != nil {
		s.logger().Warn("starting without a stored session", zap.Error(err))
	}

	cfg := &tpapi.ClientConfig{
		APIBaseURL:       settings.ResolvedAPIBaseURL(),
		InventoryBaseURL: settings.ResolvedInventoryBaseURL(),
		APIKey:           settings.APIKey,
		Timeout:          settings.HTTP.Timeout,
		RetryCount:       settings.HTTP.RetryCount,
		RetryBackOff:     s.newBackOff,
		RateLimit:        settings.HTTP.RateLimit,
		RateBurst:        settings.HTTP.RateBurst,
		Logger:           s.log.Component(logging.ComponentNetwork),
		Metrics:          s.metrics,
	}
	if s.httpClient != nil {
		s.api = tpapi.NewClientWithHTTPClient(cfg, s.httpClient)
	} else {
		s.api = tpapi.NewClient(cfg)
	}

	s.rewards = rewards.New(s.api, s.session, settings.CoinID,
		rewards.WithLogger(s.log.Component(logging.ComponentRewards)),
		rewards.WithMetrics(s.metrics),
		rewards.WithJournal(s.journal))

	playtimeLog := s.log.Component(logging.ComponentPlaytime)
	s.permissions = playtime.NewPermissions(s.platform.Permissions, playtimeLog)
	s.tracker = playtime.NewTracker(s.platform.Tracker, s.permissions, s.session, settings.ResolvedAPIBaseURL(), playtimeLog)
	return nil
}

func (s *SDK) runHandshake(done chan struct{}) {
	defer close(done)
	s.InitializeWithBackend(s.lifetime, nil)
}

// InitializeWithBackend performs the init handshake and stores the issued
// session. custom replaces the request built from the identity and settings.
// Runtime failures are logged and reported as false.
func (s *SDK) InitializeWithBackend(ctx context.Context, custom *InitRequest) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "treasureplay.InitializeWithBackend")
	defer span.End()

	s.mu.RLock()
	state, api, sess, identity, settings := s.state, s.api, s.session, s.identity, s.settings
	s.mu.RUnlock()

	if state == StateUninitialized {
		return false, ErrNotInitialized
	}
	if api == nil {
		s.logger().Warn("backend handshake skipped: backend session disabled")
		return false, nil
	}

	req := custom
	if req == nil {
		var err error
		req, err = tpapi.NewInitRequest(tpapi.InitRequestParams{
			CUID:          identity.CUID(),
			AdvertisingID: identity.AdvertisingID(),
			Email:         identity.Email(),
			DisplayName:   identity.DisplayName(),
			Locale:        identity.Locale(),
			CountryCode:   identity.CountryCode(),
			GameID:        settings.GameID,
			APIKey:        settings.APIKey,
		})
		if err != nil {
			s.logger().Error("failed to build init request", zap.Error(err))
			return false, nil
		}
	}

	result, err := api.Init(ctx, req, s.integrityHeaders(ctx))
	if err != nil {
		s.metrics.RecordBackendInit(false)
		span.SetStatus(codes.Error, err.Error())
		s.logger().Error("backend handshake failed", zap.Error(err))
		s.record(ctx, audit.EventBackendInitFailed, domain.SeverityWarning, "Backend init failed", "",
			map[string]string{"error": err.Error()})
		return false, nil
	}

	if err := sess.SetSessionData(ctx, result.SessionToken, result.TpUID, result.WebViewURL); err != nil {
		s.logger().Warn("session kept in memory only", zap.Error(err))
	}

	s.mu.Lock()
	s.handshakeOK = true
	s.mu.Unlock()

	s.metrics.RecordBackendInit(true)
	span.SetAttributes(attribute.String("tp_uid", result.TpUID))
	s.logger().Info("backend session established", zap.String("tp_uid", result.TpUID))
	s.record(ctx, audit.EventBackendInitSucceeded, domain.SeverityInfo, "Backend init succeeded", result.TpUID, nil)
	return true, nil
}

// integrityHeaders asks the platform for an attestation token bound to a
// fresh nonce. Failures only drop the header.
func (s *SDK) integrityHeaders(ctx context.Context) map[string]string {
	nonce, err := s.nonces.Nonce(0)
	if err != nil {
		s.logger().Warn("failed to generate integrity nonce", zap.Error(err))
		return nil
	}
	token, err := s.platform.Integrity.IntegrityToken(ctx, nonce)
	if err != nil {
		s.logger().Warn("integrity token unavailable", zap.Error(err))
		return nil
	}
	if token == "" {
		return nil
	}
	return map[string]string{tpapi.HeaderIntegrityToken: token}
}

// WaitForBackend blocks until the handshake started by Initialize finishes
// and reports whether a backend session has been established
func (s *SDK) WaitForBackend(ctx context.Context) (bool, error) {
	s.mu.RLock()
	state, done := s.state, s.handshakeDone
	s.mu.RUnlock()

	switch {
	case state == StateUninitialized:
		return false, ErrNotInitialized
	case done == nil:
		return false, nil
	}

	select {
	case <-done:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.handshakeOK, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RetryBackendInit repeats the handshake with exponential backoff until it
// succeeds, maxAttempts is reached or ctx ends. The SDK never retries on its
// own.
func (s *SDK) RetryBackendInit(ctx context.Context, maxAttempts int) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	s.mu.RLock()
	hasAPI := s.api != nil
	s.mu.RUnlock()
	if !hasAPI {
		s.logger().Warn("backend retry skipped: no backend session")
		return false
	}

	attempt := 0
	ok, err := backoff.Retry(ctx, func() (bool, error) {
		attempt++
		ok, err := s.InitializeWithBackend(ctx, nil)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			s.logger().Debug("backend handshake attempt failed", zap.Int("attempt", attempt))
			return false, errHandshakeFailed
		}
		return true, nil
	}, backoff.WithBackOff(s.newBackOff()), backoff.WithMaxTries(uint(maxAttempts)))
	if err != nil {
		s.logger().Error("backend retry gave up", zap.Int("attempts", attempt), zap.Error(err))
		return false
	}
	return ok
}

// CheckRewards returns the player's balance or -1
func (s *SDK) CheckRewards(ctx context.Context) int {
	s.mu.RLock()
	m := s.rewards
	s.mu.RUnlock()
	if m == nil {
		s.log.Component(logging.ComponentNetwork).Error("rewards unavailable: initialize with a backend session")
		return RewardsFailed
	}
	return m.CheckRewards(ctx)
}

// Redeem redeems the whole balance and returns the updated balance or -1
func (s *SDK) Redeem(ctx context.Context, message string) int {
	s.mu.RLock()
	m := s.rewards
	s.mu.RUnlock()
	if m == nil {
		s.log.Component(logging.ComponentNetwork).Error("rewards unavailable: initialize with a backend session")
		return RewardsFailed
	}
	return m.Redeem(ctx, message)
}

// QuestURL returns the quest portal URL for the current player
func (s *SDK) QuestURL() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateUninitialized {
		return "", ErrNotInitialized
	}

	base := s.settings.WebViewURL
	if base == "" && s.session != nil {
		base = s.session.WebViewURL()
	}
	return webview.BuildURL(base, webview.Params{
		AdvertisingID: s.identity.AdvertisingID(),
		CUID:          s.identity.CUID(),
		AppKey:        s.settings.APIKey,
		DeviceType:    s.platform.Device,
	}), nil
}

// ShowQuestWebView opens the quest portal
func (s *SDK) ShowQuestWebView(forceRefresh bool) error {
	url, err := s.QuestURL()
	if err != nil {
		s.log.Component(logging.ComponentWebView).Error("SDK must be initialized before showing webview")
		return err
	}
	s.mu.RLock()
	wv := s.webview
	s.mu.RUnlock()
	return wv.Show(url, forceRefresh)
}

// HideQuestWebView closes the quest portal
func (s *SDK) HideQuestWebView() error {
	s.mu.RLock()
	wv := s.webview
	s.mu.RUnlock()
	if wv == nil {
		return ErrNotInitialized
	}
	return wv.Hide()
}

// IsWebViewVisible reports whether the quest portal is showing
func (s *SDK) IsWebViewVisible() bool {
	s.mu.RLock()
	wv := s.webview
	s.mu.RUnlock()
	return wv != nil && wv.Visible()
}

// OnWebViewVisibilityChanged subscribes fn to visibility changes. The
// returned func unsubscribes.
func (s *SDK) OnWebViewVisibilityChanged(fn func(visible bool)) (func(), error) {
	s.mu.RLock()
	wv := s.webview
	s.mu.RUnlock()
	if wv == nil {
		return nil, ErrNotInitialized
	}
	return wv.OnVisibilityChanged(fn), nil
}

// PlaytimeTracking returns the play-time tracker, or nil without a backend
// session
func (s *SDK) PlaytimeTracking() *playtime.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker
}

// PlaytimePermissions returns the usage-access helper, or nil without a
// backend session
func (s *SDK) PlaytimePermissions() *playtime.Permissions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions
}

// StartPlaytimeTracking starts reporting play time. A zero interval uses
// the configured one.
func (s *SDK) StartPlaytimeTracking(ctx context.Context, interval time.Duration) error {
	t := s.PlaytimeTracking()
	if t == nil {
		return ErrUnavailable
	}
	if interval <= 0 {
		s.mu.RLock()
		interval = s.settings.Playtime.Interval
		s.mu.RUnlock()
	}
	return t.StartTracking(ctx, interval)
}

// StopPlaytimeTracking stops reporting play time
func (s *SDK) StopPlaytimeTracking(ctx context.Context) error {
	t := s.PlaytimeTracking()
	if t == nil {
		return ErrUnavailable
	}
	return t.StopTracking(ctx)
}

// FlushPlaytime sends buffered play time now
func (s *SDK) FlushPlaytime(ctx context.Context) error {
	t := s.PlaytimeTracking()
	if t == nil {
		return ErrUnavailable
	}
	return t.FlushNow(ctx)
}

// State returns the lifecycle state
func (s *SDK) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsInitialized reports whether Initialize has succeeded
func (s *SDK) IsInitialized() bool {
	return s.State() != StateUninitialized
}

// Session returns a copy of the current backend session
func (s *SDK) Session() SessionSnapshot {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess == nil {
		return SessionSnapshot{}
	}
	return sess.Snapshot()
}

// Settings returns a copy of the effective settings, or nil before
// Initialize
func (s *SDK) Settings() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return nil
	}
	return s.settings.Clone()
}

// Events returns journaled SDK events, newest first
func (s *SDK) Events(ctx context.Context, filter *EventFilter) ([]*Event, error) {
	s.mu.RLock()
	j := s.journal
	s.mu.RUnlock()
	if j == nil {
		return nil, ErrUnavailable
	}
	return j.GetEvents(ctx, filter)
}

// Close stops the background handshake and play-time tracking and releases
// storage
func (s *SDK) Close() error {
	s.cancel()

	s.mu.RLock()
	done, tracker := s.handshakeDone, s.tracker
	s.mu.RUnlock()
	if done != nil {
		<-done
	}
	if tracker != nil && tracker.IsTracking() {
		if err := tracker.StopTracking(context.Background()); err != nil {
			s.logger().Warn("failed to stop playtime tracking", zap.Error(err))
		}
	}

	var err error
	s.mu.Lock()
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	s.mu.Unlock()

	_ = s.log.Sync()
	return err
}

func (s *SDK) record(ctx context.Context, eventType string, severity domain.EventSeverity, desc, tpUID string, data interface{}) {
	s.mu.RLock()
	j := s.journal
	s.mu.RUnlock()
	if j == nil {
		return
	}
	if err := j.Log(ctx, eventType, severity, desc, data, audit.WithTpUID(tpUID)); err != nil {
		s.logger().Warn("failed to journal event", zap.String("type", eventType), zap.Error(err))
	}
}
