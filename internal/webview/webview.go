// Package webview builds quest portal URLs and tracks whether the quest
// surface is showing.
package webview

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/domain"
	"github.com/alexbotov/treasureplay/internal/platform"
)

var ErrEmptyURL = errors.New("webview: URL is empty")

// Params are appended to the portal URL as query parameters
type Params struct {
	AdvertisingID string
	CUID          string
	AppKey        string
	DeviceType    domain.DeviceType
}

// BuildURL appends the non-empty params to base in a fixed order
func BuildURL(base string, p Params) string {
	if base == "" {
		return ""
	}

	pairs := [][2]string{
		{"advertisingId", p.AdvertisingID},
		{"cuid", p.CUID},
		{"appKey", p.AppKey},
		{"deviceType", string(p.DeviceType)},
	}

	var parts []string
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		parts = append(parts, kv[0]+"="+escape(kv[1]))
	}
	if len(parts) == 0 {
		return base
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + strings.Join(parts, "&")
}

// escape percent-encodes everything outside the unreserved set
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Manager shows and hides the quest surface through a platform presenter
type Manager struct {
	presenter platform.WebPresenter
	logger    *zap.Logger

	mu        sync.Mutex
	visible   bool
	nextID    int
	listeners map[int]func(bool)
}

// NewManager creates a manager for presenter
func NewManager(presenter platform.WebPresenter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		presenter: presenter,
		logger:    logger,
		listeners: make(map[int]func(bool)),
	}
}

// Show presents rawURL. forceRefresh asks the presenter to reload a page
// that is already open.
func (m *Manager) Show(rawURL string, forceRefresh bool) error {
	if rawURL == "" {
		m.logger.Error("cannot show quest webview", zap.Error(ErrEmptyURL))
		return ErrEmptyURL
	}
	if err := m.presenter.Show(rawURL, forceRefresh); err != nil {
		m.logger.Error("failed to show quest webview", zap.Error(err))
		return fmt.Errorf("failed to show webview: %w", err)
	}
	m.logger.Info("quest webview shown", zap.Bool("force_refresh", forceRefresh))
	m.setVisible(true)
	return nil
}

// Hide closes the quest surface
func (m *Manager) Hide() error {
	if err := m.presenter.Hide(); err != nil {
		m.logger.Error("failed to hide quest webview", zap.Error(err))
		return fmt.Errorf("failed to hide webview: %w", err)
	}
	m.setVisible(false)
	return nil
}

// Visible reports whether the quest surface is showing
func (m *Manager) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// OnVisibilityChanged registers fn to be called on each visibility change.
// The returned func removes it.
func (m *Manager) OnVisibilityChanged(fn func(visible bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) setVisible(v bool) {
	m.mu.Lock()
	if m.visible == v {
		m.mu.Unlock()
		return
	}
	m.visible = v
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
