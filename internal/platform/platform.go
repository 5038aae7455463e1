// Package platform defines the host capabilities the SDK depends on and the
// defaults used on desktop and server builds.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/alexbotov/treasureplay/internal/domain"
)

var ErrUnsupported = errors.New("platform: capability not supported")

// IntegrityProvider returns a platform attestation token for nonce.
// An empty token means attestation is unavailable.
type IntegrityProvider interface {
	IntegrityToken(ctx context.Context, nonce string) (string, error)
}

// WebPresenter displays the quest web surface
type WebPresenter interface {
	Show(url string, forceRefresh bool) error
	Hide() error
}

// PermissionProvider guards access to usage statistics
type PermissionProvider interface {
	HasPermission() bool
	// RequestPermission prompts the user and blocks until they answer or
	// ctx ends
	RequestPermission(ctx context.Context) (bool, error)
}

// TrackingConfig is handed to the usage tracker when tracking starts
type TrackingConfig struct {
	TpUID        string
	SessionToken string
	APIURL       string
	Interval     time.Duration
}

// UsageTracker reports play time to the backend
type UsageTracker interface {
	Start(ctx context.Context, cfg TrackingConfig) error
	Stop(ctx context.Context) error
	Flush(ctx context.Context) error
}

// Services bundles the capabilities of one platform
type Services struct {
	Integrity   IntegrityProvider
	Presenter   WebPresenter
	Permissions PermissionProvider
	Tracker     UsageTracker
	Device      domain.DeviceType
}

// Desktop returns the capabilities available without a mobile host:
// no attestation, quests open in the system browser, usage access denied
// and tracking unsupported.
func Desktop() Services {
	return Services{
		Integrity:   NoIntegrity{},
		Presenter:   &BrowserPresenter{},
		Permissions: StaticPermissions{},
		Tracker:     UnsupportedTracker{},
		Device:      CurrentDevice(),
	}
}

// WithDefaults fills unset capabilities from Desktop
func (s Services) WithDefaults() Services {
	d := Desktop()
	if s.Integrity == nil {
		s.Integrity = d.Integrity
	}
	if s.Presenter == nil {
		s.Presenter = d.Presenter
	}
	if s.Permissions == nil {
		s.Permissions = d.Permissions
	}
	if s.Tracker == nil {
		s.Tracker = d.Tracker
	}
	if s.Device == "" {
		s.Device = d.Device
	}
	return s
}

// CurrentDevice maps the build target to a DeviceType
func CurrentDevice() domain.DeviceType {
	switch runtime.GOOS {
	case "android":
		return domain.DeviceTypeAndroid
	case "ios":
		return domain.DeviceTypeIOS
	default:
		return domain.DeviceTypeWeb
	}
}

// NoIntegrity never provides an attestation token
type NoIntegrity struct{}

func (NoIntegrity) IntegrityToken(context.Context, string) (string, error) {
	return "", nil
}

// StaticPermissions answers every check and request with Granted
type StaticPermissions struct {
	Granted bool
}

func (p StaticPermissions) HasPermission() bool {
	return p.Granted
}

func (p StaticPermissions) RequestPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.Granted, nil
}

// UnsupportedTracker rejects every tracking call
type UnsupportedTracker struct{}

func (UnsupportedTracker) Start(context.Context, TrackingConfig) error { return ErrUnsupported }
func (UnsupportedTracker) Stop(context.Context) error                  { return ErrUnsupported }
func (UnsupportedTracker) Flush(context.Context) error                 { return ErrUnsupported }

// BrowserPresenter opens quest URLs in the system browser. Hide is a no-op
// since an external browser cannot be closed.
type BrowserPresenter struct {
	// Open overrides the browser launcher
	Open func(url string) error
}

func (b *BrowserPresenter) Show(url string, forceRefresh bool) error {
	open := b.Open
	if open == nil {
		open = openBrowser
	}
	if err := open(url); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

func (b *BrowserPresenter) Hide() error {
	return nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux", "freebsd", "openbsd", "netbsd":
		cmd = exec.Command("xdg-open", url)
	default:
		return ErrUnsupported
	}
	_, err := startDetached(cmd)
	return err
}

// startDetached starts cmd and reaps it in the background. The returned
// channel receives the exit result.
func startDetached(cmd *exec.Cmd) (<-chan error, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return done, nil
}
