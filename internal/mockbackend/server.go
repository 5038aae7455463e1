// Package mockbackend serves the TreasurePlay wire contract in-process for
// local development and tests.
package mockbackend

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/internal/metrics"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrTokenExpired = errors.New("session token expired")
)

// namespace for deriving stable tp_uids from player identifiers
var tpUIDNamespace = uuid.MustParse("6f1c2a0e-7d4b-4b8e-9a52-3c1f0e8d9b71")

// Config holds mock backend settings
type Config struct {
	APIKey    string
	CoinID    string
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *zap.Logger
	// Gatherer is served on /metrics when set
	Gatherer prometheus.Gatherer
}

// DefaultConfig returns settings matching the sample settings file
func DefaultConfig() Config {
	return Config{
		APIKey:    "test-api-key",
		CoinID:    "coin-1",
		JWTSecret: "mock-backend-secret",
		TokenTTL:  24 * time.Hour,
	}
}

// Server is an in-memory TreasurePlay backend
type Server struct {
	config Config
	logger *zap.Logger

	mu            sync.Mutex
	balances      map[string]int64
	lastIntegrity string
	initCalls     int
}

// New creates a mock backend
func New(cfg Config) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DefaultConfig().JWTSecret
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultConfig().TokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:   cfg,
		logger:   logger,
		balances: make(map[string]int64),
	}
}

// Router returns the HTTP handler serving both the API and inventory routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(RecoveryMiddleware(s.logger))
	r.Use(CORSMiddleware)
	r.Use(LoggingMiddleware(s.logger))

	r.HandleFunc("/health", s.HealthCheck).Methods(http.MethodGet)
	if s.config.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.config.Gatherer)).Methods(http.MethodGet)
	}
	r.HandleFunc("/init", s.Init).Methods(http.MethodPost)

	inventory := r.PathPrefix("").Subrouter()
	inventory.Use(s.SessionMiddleware)
	inventory.HandleFunc("/token/{coinId}", s.GetInventory).Methods(http.MethodGet)
	inventory.HandleFunc("/giftcard/order/dynamic", s.Redeem).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(NotFoundHandler)
	return r
}

// Grant adds amount tokens to tpUID's balance
func (s *Server) Grant(tpUID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[tpUID] += amount
}

// Balance returns tpUID's balance
func (s *Server) Balance(tpUID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[tpUID]
}

// LastIntegrityToken returns the integrity header of the latest init call
func (s *Server) LastIntegrityToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIntegrity
}

// InitCalls returns how many init requests were accepted
func (s *Server) InitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}

// TpUIDFor returns the stable tp_uid assigned to a player identifier
func TpUIDFor(id string) string {
	return uuid.NewSHA1(tpUIDNamespace, []byte(id)).String()
}

// IssueToken signs a session token for tpUID
func (s *Server) IssueToken(tpUID string) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tp_uid": tpUID,
		"exp":    now.Add(s.config.TokenTTL).Unix(),
		"iat":    now.Unix(),
	})
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a session token and returns its tp_uid
func (s *Server) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	tpUID, ok := claims["tp_uid"].(string)
	if !ok || tpUID == "" {
		return "", ErrInvalidToken
	}
	return tpUID, nil
}

// formatAmount renders a balance the way the inventory service does
func formatAmount(n int64) string {
	return strconv.FormatFloat(float64(n), 'f', 1, 64)
}
