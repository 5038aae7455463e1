// Package session holds the backend-issued session for the active player and
// persists it across process restarts.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/audit"
	"github.com/alexbotov/treasureplay/internal/domain"
)

// Storage keys
const (
	KeySessionToken = "TreasurePlay_SessionToken"
	KeyTpUID        = "TreasurePlay_TpUid"
	KeyWebViewURL   = "TreasurePlay_WebViewUrl"
)

// Store is a durable string key-value store
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetMany(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Snapshot is a point-in-time copy of the session fields
type Snapshot struct {
	SessionToken string
	TpUID        string
	WebViewURL   string
}

// IsValid reports whether both token and tpUid are present
func (s Snapshot) IsValid() bool {
	return s.SessionToken != "" && s.TpUID != ""
}

// Session is the single active backend session. Reads are safe from any
// goroutine; writes are expected from the SDK facade only.
type Session struct {
	mu           sync.RWMutex
	sessionToken string
	tpUID        string
	webViewURL   string

	store   Store
	logger  *zap.Logger
	journal *audit.Service
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithJournal records session changes in the event journal
func WithJournal(j *audit.Service) Option {
	return func(s *Session) {
		s.journal = j
	}
}

// New creates an empty session backed by store
func New(store Store, opts ...Option) *Session {
	s := &Session{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSessionData replaces the in-memory session and persists all three
// fields in one write. The in-memory values are kept even when persisting
// fails.
func (s *Session) SetSessionData(ctx context.Context, sessionToken, tpUID, webViewURL string) error {
	s.mu.Lock()
	s.sessionToken = sessionToken
	s.tpUID = tpUID
	s.webViewURL = webViewURL
	s.mu.Unlock()

	err := s.store.SetMany(ctx, map[string]string{
		KeySessionToken: sessionToken,
		KeyTpUID:        tpUID,
		KeyWebViewURL:   webViewURL,
	})
	if err != nil {
		s.logger.Error("failed to persist session", zap.String("tp_uid", tpUID), zap.Error(err))
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.logger.Info("session saved", zap.String("tp_uid", tpUID))
	s.record(ctx, audit.EventSessionSaved, domain.SeverityInfo, "Session data saved", tpUID)
	return nil
}

// LoadFromStorage adopts a persisted session when both token and tpUid are
// present; otherwise the session is cleared in memory and in storage.
func (s *Session) LoadFromStorage(ctx context.Context) error {
	token, hasToken, err := s.store.Get(ctx, KeySessionToken)
	if err != nil {
		s.resetMemory()
		s.logger.Error("failed to load session", zap.Error(err))
		return fmt.Errorf("failed to load session: %w", err)
	}
	tpUID, hasUID, err := s.store.Get(ctx, KeyTpUID)
	if err != nil {
		s.resetMemory()
		s.logger.Error("failed to load session", zap.Error(err))
		return fmt.Errorf("failed to load session: %w", err)
	}
	webViewURL, _, err := s.store.Get(ctx, KeyWebViewURL)
	if err != nil {
		s.logger.Warn("failed to load webview url", zap.Error(err))
		webViewURL = ""
	}

	if !hasToken || !hasUID || token == "" || tpUID == "" {
		s.logger.Debug("no complete session in storage")
		return s.ClearSessionData(ctx)
	}

	s.mu.Lock()
	s.sessionToken = token
	s.tpUID = tpUID
	s.webViewURL = webViewURL
	s.mu.Unlock()

	if exp, ok := TokenExpiry(token); ok && exp.Before(time.Now()) {
		s.logger.Warn("restored session token is expired", zap.String("tp_uid", tpUID), zap.Time("expires_at", exp))
	}
	s.logger.Info("session restored", zap.String("tp_uid", tpUID))
	s.record(ctx, audit.EventSessionRestored, domain.SeverityInfo, "Session restored from storage", tpUID)
	return nil
}

// ClearSessionData empties the session and removes it from storage
func (s *Session) ClearSessionData(ctx context.Context) error {
	tpUID := s.TpUID()
	s.resetMemory()

	if err := s.store.Delete(ctx, KeySessionToken, KeyTpUID, KeyWebViewURL); err != nil {
		s.logger.Error("failed to clear stored session", zap.Error(err))
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if tpUID != "" {
		s.record(ctx, audit.EventSessionCleared, domain.SeverityWarning, "Session cleared", tpUID)
	}
	return nil
}

func (s *Session) resetMemory() {
	s.mu.Lock()
	s.sessionToken = ""
	s.tpUID = ""
	s.webViewURL = ""
	s.mu.Unlock()
}

// IsValid reports whether both token and tpUid are present
func (s *Session) IsValid() bool {
	return s.Snapshot().IsValid()
}

// SessionToken returns the backend session token
func (s *Session) SessionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionToken
}

// TpUID returns the backend user id
func (s *Session) TpUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tpUID
}

// WebViewURL returns the backend-supplied quest URL, if any
func (s *Session) WebViewURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webViewURL
}

// Snapshot returns a consistent copy of all fields
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionToken: s.sessionToken,
		TpUID:        s.tpUID,
		WebViewURL:   s.webViewURL,
	}
}

func (s *Session) record(ctx context.Context, eventType string, severity domain.EventSeverity, desc, tpUID string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Log(ctx, eventType, severity, desc, nil,
		audit.WithTpUID(tpUID), audit.WithComponent("session")); err != nil {
		s.logger.Warn("failed to journal session event", zap.String("type", eventType), zap.Error(err))
	}
}

// TokenExpiry reads the exp claim of a JWT session token without verifying
// it. Opaque tokens report false.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
