package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexbotov/treasureplay/internal/audit"
	"github.com/alexbotov/treasureplay/internal/database"
	"github.com/alexbotov/treasureplay/internal/session"
	"github.com/alexbotov/treasureplay/pkg/tpapi"
)

// fakeAPI records calls and returns canned responses
type fakeAPI struct {
	mu          sync.Mutex
	inventory   *tpapi.InventoryResponse
	redeem      *tpapi.RedeemResponse
	err         error
	panicWith   interface{}
	delay       time.Duration
	entered     chan struct{}
	gate        chan struct{}
	invCalls    int32
	redeemCalls int32
	inFlight    int32
	maxInFlight int32
	lastMessage string
	lastToken   string
}

func (f *fakeAPI) GetInventory(ctx context.Context, coinID, sessionToken string) (*tpapi.InventoryResponse, error) {
	atomic.AddInt32(&f.invCalls, 1)
	f.mu.Lock()
	f.lastToken = sessionToken
	f.mu.Unlock()
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return f.inventory, f.err
}

func (f *fakeAPI) Redeem(ctx context.Context, message, sessionToken string) (*tpapi.RedeemResponse, error) {
	atomic.AddInt32(&f.redeemCalls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}
	f.mu.Lock()
	f.lastMessage = message
	f.lastToken = sessionToken
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return f.redeem, f.err
}

type staticSession session.Snapshot

func (s staticSession) Snapshot() session.Snapshot { return session.Snapshot(s) }

var validSession = staticSession{SessionToken: "s1", TpUID: "u1"}

func inventory(body string) *tpapi.InventoryResponse {
	var r tpapi.InventoryResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		panic(err)
	}
	return &r
}

func redeemResp(body string) *tpapi.RedeemResponse {
	var r tpapi.RedeemResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		panic(err)
	}
	return &r
}

func TestCheckRewards(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidSession", func(t *testing.T) {
		api := &fakeAPI{inventory: inventory(`{"success":true,"status":200,"tokens":"5"}`)}
		m := New(api, staticSession{SessionToken: "s1"}, "coin")
		if got := m.CheckRewards(ctx); got != Failed {
			t.Errorf("Expected %d, got %d", Failed, got)
		}
		if api.invCalls != 0 {
			t.Errorf("Expected no API call, got %d", api.invCalls)
		}
	})

	t.Run("NoCoinID", func(t *testing.T) {
		api := &fakeAPI{inventory: inventory(`{"success":true,"status":200,"tokens":"5"}`)}
		m := New(api, validSession, "")
		if got := m.CheckRewards(ctx); got != Failed {
			t.Errorf("Expected %d, got %d", Failed, got)
		}
		if api.invCalls != 0 {
			t.Errorf("Expected no API call, got %d", api.invCalls)
		}
	})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"Truncates", `{"success":true,"status":200,"tokens":"42.9"}`, 42},
		{"Zero", `{"success":true,"status":200,"tokens":"0"}`, 0},
		{"SuccessFalse", `{"success":false,"status":200,"tokens":"10"}`, Failed},
		{"Status500", `{"success":true,"status":500,"tokens":"10"}`, Failed},
		{"Unparseable", `{"success":true,"status":200,"tokens":"abc"}`, 0},
		{"OutOfRange", `{"success":true,"status":200,"tokens":"1e20"}`, math.MaxInt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{inventory: inventory(tc.body)}
			m := New(api, validSession, "coin")
			if got := m.CheckRewards(ctx); got != tc.want {
				t.Errorf("Expected %d, got %d", tc.want, got)
			}
			if api.lastToken != "s1" {
				t.Errorf("Expected session token s1 passed, got %s", api.lastToken)
			}
		})
	}

	t.Run("TransportError", func(t *testing.T) {
		m := New(&fakeAPI{err: tpapi.ErrTransport}, validSession, "coin")
		if got := m.CheckRewards(ctx); got != Failed {
			t.Errorf("Expected %d, got %d", Failed, got)
		}
	})

	t.Run("Panic", func(t *testing.T) {
		m := New(&fakeAPI{panicWith: "boom"}, validSession, "coin")
		if got := m.CheckRewards(ctx); got != Failed {
			t.Errorf("Expected %d, got %d", Failed, got)
		}
	})
}

func TestCheckRewards_SharesInFlightRequest(t *testing.T) {
	api := &fakeAPI{
		inventory: inventory(`{"success":true,"status":200,"tokens":"7"}`),
		delay:     100 * time.Millisecond,
	}
	m := New(api, validSession, "coin")

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.CheckRewards(context.Background())
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r != 7 {
			t.Errorf("Caller %d: expected 7, got %d", i, r)
		}
	}
	if calls := atomic.LoadInt32(&api.invCalls); calls >= 5 {
		t.Errorf("Expected concurrent checks to share requests, got %d calls", calls)
	}
}

func TestCheckRewards_CanceledCallerDoesNotFailOthers(t *testing.T) {
	api := &fakeAPI{
		inventory: inventory(`{"success":true,"status":200,"tokens":"7"}`),
		entered:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	m := New(api, validSession, "coin")

	ctxA, cancelA := context.WithCancel(context.Background())
	resultA := make(chan int, 1)
	go func() { resultA <- m.CheckRewards(ctxA) }()
	<-api.entered

	resultB := make(chan int, 1)
	go func() { resultB <- m.CheckRewards(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case got := <-resultA:
		if got != Failed {
			t.Errorf("Expected canceled caller to get %d, got %d", Failed, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Canceled caller did not return")
	}

	close(api.gate)
	select {
	case got := <-resultB:
		if got != 7 {
			t.Errorf("Expected live caller to get 7, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Live caller did not return")
	}
	if calls := atomic.LoadInt32(&api.invCalls); calls != 1 {
		t.Errorf("Expected a single shared request, got %d", calls)
	}
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidSession", func(t *testing.T) {
		api := &fakeAPI{redeem: redeemResp(`{"success":true,"status":200,"updatedBalance":"0.0"}`)}
		m := New(api, staticSession{}, "coin")
		if got := m.Redeem(ctx, ""); got != Failed {
			t.Errorf("Expected %d, got %d", Failed, got)
		}
		if api.redeemCalls != 0 {
			t.Errorf("Expected no API call, got %d", api.redeemCalls)
		}
	})

	t.Run("NoCoinIDStillRedeems", func(t *testing.T) {
		api := &fakeAPI{redeem: redeemResp(`{"success":true,"status":200,"updatedBalance":"3.5"}`)}
		m := New(api, validSession, "")
		if got := m.Redeem(ctx, ""); got != 3 {
			t.Errorf("Expected 3, got %d", got)
		}
	})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"ZeroBalance", `{"success":true,"status":200,"updatedBalance":"0.0"}`, 0},
		{"SuccessFalse", `{"success":false,"status":200,"updatedBalance":"0.0","message":"nope"}`, Failed},
		{"Status500", `{"success":true,"status":500,"updatedBalance":"0.0"}`, Failed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{redeem: redeemResp(tc.body)}
			m := New(api, validSession, "coin")
			if got := m.Redeem(ctx, "note"); got != tc.want {
				t.Errorf("Expected %d, got %d", tc.want, got)
			}
			if api.lastMessage != "note" {
				t.Errorf("Expected message passed through, got %q", api.lastMessage)
			}
		})
	}

	t.Run("TransportError", func(t *testing.T) {
		m := New(&fakeAPI{err: errors.New("reset")}, validSession, "coin")
		if got := m.Redeem(ctx, ""); got != Failed {
			t.Errorf("Expected %d, got %d", Failed, got)
		}
	})

	t.Run("Panic", func(t *testing.T) {
		m := New(&fakeAPI{panicWith: errors.New("boom")}, validSession, "coin")
		if got := m.Redeem(ctx, ""); got != Failed {
			t.Errorf("Expected %d, got %d", Failed, got)
		}
		// The semaphore must be released after a panic
		m.api = &fakeAPI{redeem: redeemResp(`{"success":true,"status":200,"updatedBalance":"1"}`)}
		if got := m.Redeem(ctx, ""); got != 1 {
			t.Errorf("Expected 1 after recovery, got %d", got)
		}
	})
}

func TestRedeem_Serialized(t *testing.T) {
	api := &fakeAPI{
		redeem: redeemResp(`{"success":true,"status":200,"updatedBalance":"0"}`),
		delay:  30 * time.Millisecond,
	}
	m := New(api, validSession, "coin")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Redeem(context.Background(), "")
		}()
	}
	wg.Wait()

	if api.redeemCalls != 4 {
		t.Errorf("Expected 4 redeem calls, got %d", api.redeemCalls)
	}
	if api.maxInFlight != 1 {
		t.Errorf("Expected redeems to be serialized, max in flight %d", api.maxInFlight)
	}
}

func TestRedeem_CanceledWhileWaiting(t *testing.T) {
	api := &fakeAPI{
		redeem: redeemResp(`{"success":true,"status":200,"updatedBalance":"0"}`),
		delay:  200 * time.Millisecond,
	}
	m := New(api, validSession, "coin")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Redeem(context.Background(), "")
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := m.Redeem(ctx, ""); got != Failed {
		t.Errorf("Expected %d, got %d", Failed, got)
	}
	<-done

	if api.redeemCalls != 1 {
		t.Errorf("Expected waiting redeem to give up, got %d calls", api.redeemCalls)
	}
}

func TestManager_WithRealClientAndJournal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "s1" {
			t.Errorf("Expected Authorization s1, got %s", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/token/coin":
			w.Write([]byte(`{"success":true,"status":200,"tokens":"12.5","tokenType":"gems"}`))
		case "/giftcard/order/dynamic":
			w.Write([]byte(`{"success":true,"status":200,"updatedBalance":"0.0"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	db, err := database.NewMemory()
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	journal := audit.New(db)

	client := tpapi.NewClient(&tpapi.ClientConfig{InventoryBaseURL: server.URL})
	m := New(client, validSession, "coin", WithJournal(journal))

	ctx := context.Background()
	if got := m.CheckRewards(ctx); got != 12 {
		t.Errorf("Expected 12, got %d", got)
	}
	if got := m.Redeem(ctx, ""); got != 0 {
		t.Errorf("Expected 0, got %d", got)
	}

	events, err := journal.GetEvents(ctx, &audit.EventFilter{TpUID: "u1"})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 journal events, got %d", len(events))
	}
}
