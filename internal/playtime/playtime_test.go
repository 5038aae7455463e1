package playtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alexbotov/treasureplay/internal/config"
	"github.com/alexbotov/treasureplay/internal/platform"
	"github.com/alexbotov/treasureplay/internal/session"
)

type fakeUsage struct {
	started  []platform.TrackingConfig
	stopped  int
	flushed  int
	startErr error
}

func (f *fakeUsage) Start(_ context.Context, cfg platform.TrackingConfig) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, cfg)
	return nil
}

func (f *fakeUsage) Stop(context.Context) error {
	f.stopped++
	return nil
}

func (f *fakeUsage) Flush(context.Context) error {
	f.flushed++
	return nil
}

type staticSession session.Snapshot

func (s staticSession) Snapshot() session.Snapshot { return session.Snapshot(s) }

type blockingPermissions struct{}

func (blockingPermissions) HasPermission() bool { return false }

func (blockingPermissions) RequestPermission(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

var validSession = staticSession{SessionToken: "tok", TpUID: "tp-1"}

func newTracker(usage *fakeUsage, granted bool, sess SessionReader, apiURL string) *Tracker {
	perms := NewPermissions(platform.StaticPermissions{Granted: granted}, nil)
	return NewTracker(usage, perms, sess, apiURL, nil)
}

func TestPermissions_Request(t *testing.T) {
	t.Run("Granted", func(t *testing.T) {
		p := NewPermissions(platform.StaticPermissions{Granted: true}, nil)
		if got := <-p.Request(context.Background()); !got {
			t.Error("Expected permission granted")
		}
		if !p.HasPermission() {
			t.Error("Expected HasPermission true")
		}
	})

	t.Run("CanceledDeliversFalse", func(t *testing.T) {
		p := NewPermissions(blockingPermissions{}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		ch := p.Request(ctx)
		cancel()

		select {
		case got := <-ch:
			if got {
				t.Error("Expected false after cancellation")
			}
		case <-time.After(time.Second):
			t.Fatal("Expected a result after cancellation")
		}
	})
}

func TestTracker_Start(t *testing.T) {
	usage := &fakeUsage{}
	tr := newTracker(usage, true, validSession, "https://api.test/")

	if err := tr.StartTracking(context.Background(), 0); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !tr.IsTracking() {
		t.Error("Expected tracking")
	}
	if len(usage.started) != 1 {
		t.Fatalf("Expected 1 start, got %d", len(usage.started))
	}

	cfg := usage.started[0]
	if cfg.APIURL != "https://api.test" {
		t.Errorf("Expected trailing slash trimmed, got %s", cfg.APIURL)
	}
	if cfg.Interval != config.DefaultPlaytimeInterval {
		t.Errorf("Expected default interval, got %v", cfg.Interval)
	}
	if cfg.TpUID != "tp-1" || cfg.SessionToken != "tok" {
		t.Errorf("Expected session fields, got %+v", cfg)
	}

	// Second start is a no-op
	if err := tr.StartTracking(context.Background(), time.Minute); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if len(usage.started) != 1 {
		t.Errorf("Expected still 1 start, got %d", len(usage.started))
	}
}

func TestTracker_StartGuards(t *testing.T) {
	cases := []struct {
		name    string
		granted bool
		sess    SessionReader
		apiURL  string
		want    error
	}{
		{"NoPermission", false, validSession, "https://api.test", ErrPermissionDenied},
		{"InvalidSession", true, staticSession{TpUID: "tp-1"}, "https://api.test", ErrInvalidSession},
		{"NoAPIURL", true, validSession, "", ErrNoAPIURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			usage := &fakeUsage{}
			tr := newTracker(usage, tc.granted, tc.sess, tc.apiURL)
			if err := tr.StartTracking(context.Background(), time.Minute); !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
			if tr.IsTracking() || len(usage.started) != 0 {
				t.Error("Expected tracker not started")
			}
		})
	}

	t.Run("TrackerFailure", func(t *testing.T) {
		usage := &fakeUsage{startErr: platform.ErrUnsupported}
		tr := newTracker(usage, true, validSession, "https://api.test")
		if err := tr.StartTracking(context.Background(), time.Minute); !errors.Is(err, platform.ErrUnsupported) {
			t.Errorf("Expected ErrUnsupported, got %v", err)
		}
		if tr.IsTracking() {
			t.Error("Expected not tracking")
		}
	})
}

func TestTracker_StopAndFlush(t *testing.T) {
	usage := &fakeUsage{}
	tr := newTracker(usage, true, validSession, "https://api.test")

	if err := tr.FlushNow(context.Background()); !errors.Is(err, ErrNotTracking) {
		t.Errorf("Expected ErrNotTracking, got %v", err)
	}
	if err := tr.StopTracking(context.Background()); err != nil || usage.stopped != 0 {
		t.Errorf("Expected idle stop to be a no-op, got %v (%d stops)", err, usage.stopped)
	}

	tr.StartTracking(context.Background(), time.Minute)
	if err := tr.FlushNow(context.Background()); err != nil || usage.flushed != 1 {
		t.Errorf("Expected one flush, got %v (%d flushes)", err, usage.flushed)
	}
	if err := tr.StopTracking(context.Background()); err != nil || usage.stopped != 1 {
		t.Errorf("Expected one stop, got %v (%d stops)", err, usage.stopped)
	}
	if tr.IsTracking() {
		t.Error("Expected tracking stopped")
	}
}
