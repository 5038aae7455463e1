// Package playtime asks for usage-statistics access and drives the platform
// usage tracker that reports play time to the backend.
package playtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/config"
	"github.com/alexbotov/treasureplay/internal/platform"
	"github.com/alexbotov/treasureplay/internal/session"
)

var (
	ErrPermissionDenied = errors.New("playtime: usage access not granted")
	ErrInvalidSession   = errors.New("playtime: session is not valid")
	ErrNoAPIURL         = errors.New("playtime: API base URL is not configured")
	ErrNotTracking      = errors.New("playtime: tracking is not running")
)

// Permissions wraps the platform permission provider
type Permissions struct {
	provider platform.PermissionProvider
	logger   *zap.Logger
}

// NewPermissions creates a permission helper for provider
func NewPermissions(provider platform.PermissionProvider, logger *zap.Logger) *Permissions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Permissions{provider: provider, logger: logger}
}

// HasPermission reports whether usage access is currently granted
func (p *Permissions) HasPermission() bool {
	return p.provider.HasPermission()
}

// Request prompts for usage access. The returned channel receives exactly one
// value; provider errors and cancellation deliver false.
func (p *Permissions) Request(ctx context.Context) <-chan bool {
	result := make(chan bool, 1)
	go func() {
		granted, err := p.provider.RequestPermission(ctx)
		if err != nil {
			p.logger.Warn("usage permission request failed", zap.Error(err))
			granted = false
		}
		p.logger.Info("usage permission answered", zap.Bool("granted", granted))
		result <- granted
	}()
	return result
}

// SessionReader exposes the current session
type SessionReader interface {
	Snapshot() session.Snapshot
}

// Tracker starts and stops play-time reporting for the active session
type Tracker struct {
	usage   platform.UsageTracker
	perms   *Permissions
	session SessionReader
	apiURL  string
	logger  *zap.Logger

	mu       sync.Mutex
	tracking bool
}

// NewTracker creates a tracker reporting to apiURL
func NewTracker(usage platform.UsageTracker, perms *Permissions, sess SessionReader, apiURL string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		usage:   usage,
		perms:   perms,
		session: sess,
		apiURL:  strings.TrimRight(apiURL, "/"),
		logger:  logger,
	}
}

// StartTracking begins reporting every interval. A zero interval uses the
// default. Calling it while already tracking does nothing.
func (t *Tracker) StartTracking(ctx context.Context, interval time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tracking {
		t.logger.Debug("playtime tracking already running")
		return nil
	}
	if !t.perms.HasPermission() {
		t.logger.Warn("cannot start playtime tracking without usage access")
		return ErrPermissionDenied
	}
	snap := t.session.Snapshot()
	if !snap.IsValid() {
		t.logger.Error("cannot start playtime tracking", zap.Error(ErrInvalidSession))
		return ErrInvalidSession
	}
	if t.apiURL == "" {
		t.logger.Error("cannot start playtime tracking", zap.Error(ErrNoAPIURL))
		return ErrNoAPIURL
	}
	if interval <= 0 {
		interval = config.DefaultPlaytimeInterval
	}

	err := t.usage.Start(ctx, platform.TrackingConfig{
		TpUID:        snap.TpUID,
		SessionToken: snap.SessionToken,
		APIURL:       t.apiURL,
		Interval:     interval,
	})
	if err != nil {
		t.logger.Error("failed to start playtime tracking", zap.Error(err))
		return fmt.Errorf("failed to start tracking: %w", err)
	}

	t.tracking = true
	t.logger.Info("playtime tracking started",
		zap.String("tp_uid", snap.TpUID),
		zap.Duration("interval", interval))
	return nil
}

// StopTracking stops reporting. Stopping an idle tracker does nothing.
func (t *Tracker) StopTracking(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tracking {
		return nil
	}
	if err := t.usage.Stop(ctx); err != nil {
		t.logger.Error("failed to stop playtime tracking", zap.Error(err))
		return fmt.Errorf("failed to stop tracking: %w", err)
	}
	t.tracking = false
	t.logger.Info("playtime tracking stopped")
	return nil
}

// FlushNow sends buffered play time immediately
func (t *Tracker) FlushNow(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tracking {
		t.logger.Warn("cannot flush playtime", zap.Error(ErrNotTracking))
		return ErrNotTracking
	}
	if err := t.usage.Flush(ctx); err != nil {
		t.logger.Error("failed to flush playtime", zap.Error(err))
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// IsTracking reports whether tracking is running
func (t *Tracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}
