package mockbackend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexbotov/treasureplay/pkg/tpapi"
)

func newTestBackend(t *testing.T) (*Server, *tpapi.Client) {
	t.Helper()
	srv := New(DefaultConfig())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	cfg := tpapi.DefaultConfig()
	cfg.APIBaseURL = ts.URL
	cfg.InventoryBaseURL = ts.URL
	cfg.APIKey = DefaultConfig().APIKey
	return srv, tpapi.NewClient(cfg)
}

func initSession(t *testing.T, client *tpapi.Client, cuid string, headers map[string]string) *tpapi.InitResult {
	t.Helper()
	req, err := tpapi.NewInitRequest(tpapi.InitRequestParams{CUID: cuid, APIKey: DefaultConfig().APIKey})
	if err != nil {
		t.Fatalf("Failed to build init request: %v", err)
	}
	res, err := client.Init(context.Background(), req, headers)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return res
}

func TestInit(t *testing.T) {
	srv, client := newTestBackend(t)

	res := initSession(t, client, "player-1", map[string]string{tpapi.HeaderIntegrityToken: "attest"})

	if res.TpUID != TpUIDFor("player-1") {
		t.Errorf("Expected stable tp_uid %s, got %s", TpUIDFor("player-1"), res.TpUID)
	}
	if srv.LastIntegrityToken() != "attest" {
		t.Errorf("Expected integrity header recorded, got %q", srv.LastIntegrityToken())
	}
	if srv.InitCalls() != 1 {
		t.Errorf("Expected 1 init call, got %d", srv.InitCalls())
	}

	tpUID, err := srv.ValidateToken(res.SessionToken)
	if err != nil {
		t.Fatalf("Expected issued token to validate, got %v", err)
	}
	if tpUID != res.TpUID {
		t.Errorf("Expected token tp_uid %s, got %s", res.TpUID, tpUID)
	}

	again := initSession(t, client, "player-1", nil)
	if again.TpUID != res.TpUID {
		t.Error("Expected same tp_uid for the same cuid")
	}
}

func TestInit_Rejections(t *testing.T) {
	srv := New(DefaultConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	t.Run("WrongAPIKey", func(t *testing.T) {
		cfg := tpapi.DefaultConfig()
		cfg.APIBaseURL = ts.URL
		cfg.APIKey = "wrong"
		req, _ := tpapi.NewInitRequest(tpapi.InitRequestParams{CUID: "p"})

		_, err := tpapi.NewClient(cfg).Init(context.Background(), req, nil)
		var statusErr *tpapi.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401 status error, got %v", err)
		}
	})

	t.Run("NoIdentity", func(t *testing.T) {
		body := strings.NewReader(`{"identities":{},"api_key":"test-api-key"}`)
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/init", body)
		req.Header.Set("Authorization", "Bearer test-api-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestInventoryAndRedeem(t *testing.T) {
	srv, client := newTestBackend(t)
	res := initSession(t, client, "player-2", nil)
	ctx := context.Background()

	srv.Grant(res.TpUID, 42)

	inv, err := client.GetInventory(ctx, "coin-1", res.SessionToken)
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if !inv.IsValid() || inv.Tokens.Int() != 42 {
		t.Errorf("Expected 42 tokens, got %+v", inv)
	}
	if string(inv.Tokens) != "42.0" {
		t.Errorf("Expected decimal string 42.0, got %s", inv.Tokens)
	}

	red, err := client.Redeem(ctx, "thanks", res.SessionToken)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if !red.IsValid() || red.UpdatedBalance.Int() != 0 {
		t.Errorf("Expected successful redeem to 0, got %+v", red)
	}
	if srv.Balance(res.TpUID) != 0 {
		t.Errorf("Expected balance cleared, got %d", srv.Balance(res.TpUID))
	}

	red, err = client.Redeem(ctx, "again", res.SessionToken)
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if red.IsValid() {
		t.Error("Expected redeem of empty balance to be rejected")
	}
}

func TestInventory_Auth(t *testing.T) {
	_, client := newTestBackend(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		token func() string
	}{
		{"Garbage", func() string { return "not-a-jwt" }},
		{"Expired", func() string {
			expired := New(Config{})
			expired.config.TokenTTL = -time.Hour
			tok, _ := expired.IssueToken("tp")
			return tok
		}},
		{"WrongSecret", func() string {
			other := New(Config{JWTSecret: "other"})
			tok, _ := other.IssueToken("tp")
			return tok
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.GetInventory(ctx, "coin-1", tc.token())
			if !errors.Is(err, tpapi.ErrUnexpectedStatus) {
				t.Errorf("Expected status error, got %v", err)
			}
		})
	}
}

func TestInventory_UnknownCoin(t *testing.T) {
	_, client := newTestBackend(t)
	res := initSession(t, client, "player-3", nil)

	_, err := client.GetInventory(context.Background(), "other-coin", res.SessionToken)
	var statusErr *tpapi.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	srv := New(DefaultConfig())
	srv.config.TokenTTL = -time.Minute
	tok, err := srv.IssueToken("tp")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := srv.ValidateToken(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := New(DefaultConfig())
	r := srv.Router()
	r.HandleFunc("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "mock_test_total", Help: "test"}))
	cfg := DefaultConfig()
	cfg.Gatherer = reg

	rec := httptest.NewRecorder()
	New(cfg).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mock_test_total") {
		t.Errorf("Expected metrics output, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	New(DefaultConfig()).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a gatherer, got %d", rec.Code)
	}
}

func TestHealthAndNotFound(t *testing.T) {
	r := New(DefaultConfig()).Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}
