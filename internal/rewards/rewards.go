// Package rewards implements balance checks and redemptions on top of the
// TreasurePlay API. Every failure is reported to the caller as Failed.
package rewards

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alexbotov/treasureplay/internal/audit"
	"github.com/alexbotov/treasureplay/internal/domain"
	"github.com/alexbotov/treasureplay/internal/metrics"
	"github.com/alexbotov/treasureplay/internal/session"
	"github.com/alexbotov/treasureplay/pkg/tpapi"
)

// Failed is returned by CheckRewards and Redeem on any failure
const Failed = -1

const (
	opCheck  = "check_rewards"
	opRedeem = "redeem"
)

// API is the subset of the TreasurePlay client used for rewards
type API interface {
	GetInventory(ctx context.Context, coinID, sessionToken string) (*tpapi.InventoryResponse, error)
	Redeem(ctx context.Context, message, sessionToken string) (*tpapi.RedeemResponse, error)
}

// SessionReader exposes the current session without allowing writes
type SessionReader interface {
	Snapshot() session.Snapshot
}

// Manager runs reward operations for the active session.
// Redeems are serialized; concurrent balance checks share one request.
type Manager struct {
	api     API
	session SessionReader
	coinID  string

	logger  *zap.Logger
	metrics metrics.Recorder
	journal *audit.Service
	tracer  trace.Tracer

	redeemSem chan struct{}
	checks    singleflight.Group
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithJournal records reward outcomes in the event journal
func WithJournal(j *audit.Service) Option {
	return func(m *Manager) {
		m.journal = j
	}
}

// New creates a reward manager
func New(api API, sess SessionReader, coinID string, opts ...Option) *Manager {
	m := &Manager{
		api:       api,
		session:   sess,
		coinID:    coinID,
		logger:    zap.NewNop(),
		metrics:   metrics.Nop{},
		tracer:    otel.Tracer("github.com/alexbotov/treasureplay/internal/rewards"),
		redeemSem: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckRewards returns the truncated token balance or Failed
func (m *Manager) CheckRewards(ctx context.Context) int {
	ctx, span := m.tracer.Start(ctx, "rewards.CheckRewards")
	defer span.End()

	snap := m.session.Snapshot()
	if !snap.IsValid() {
		return m.reject(span, opCheck, "session is not valid")
	}
	if m.coinID == "" {
		return m.reject(span, opCheck, "coin id is not configured")
	}

	// The shared request outlives any single caller; each caller stops
	// waiting on its own ctx.
	ch := m.checks.DoChan(snap.SessionToken, func() (interface{}, error) {
		return m.checkRewards(context.WithoutCancel(ctx), snap), nil
	})
	select {
	case res := <-ch:
		balance := res.Val.(int)
		span.SetAttributes(attribute.Bool("shared", res.Shared), attribute.Int("balance", balance))
		return balance
	case <-ctx.Done():
		return m.reject(span, opCheck, "balance check canceled: "+ctx.Err().Error())
	}
}

func (m *Manager) checkRewards(ctx context.Context, snap session.Snapshot) (balance int) {
	defer m.containPanic(opCheck, &balance)

	resp, err := m.api.GetInventory(ctx, m.coinID, snap.SessionToken)
	if err == nil && resp == nil {
		err = tpapi.ErrMalformedResponse
	}
	if err != nil {
		m.logger.Error("failed to check rewards", zap.Error(err))
		m.metrics.RecordRewardResult(opCheck, false)
		return Failed
	}
	if !resp.IsValid() {
		m.logger.Error("invalid inventory response",
			zap.Bool("success", resp.Success),
			zap.Int("status", resp.Status),
			zap.String("message", resp.Message))
		m.metrics.RecordRewardResult(opCheck, false)
		return Failed
	}

	balance = resp.Tokens.Int()
	m.logger.Info("rewards checked",
		zap.Int("balance", balance),
		zap.String("token_type", resp.TokenType))
	m.metrics.RecordRewardResult(opCheck, true)
	m.record(ctx, audit.EventRewardsChecked, domain.SeverityInfo, "Rewards balance checked", snap.TpUID,
		map[string]interface{}{"balance": balance, "token_type": resp.TokenType})
	return balance
}

// Redeem redeems the full balance and returns the updated balance or Failed.
// Only one redeem runs at a time; waiting callers give up when ctx ends.
func (m *Manager) Redeem(ctx context.Context, message string) (balance int) {
	ctx, span := m.tracer.Start(ctx, "rewards.Redeem")
	defer span.End()

	if !m.session.Snapshot().IsValid() {
		return m.reject(span, opRedeem, "session is not valid")
	}

	select {
	case m.redeemSem <- struct{}{}:
	case <-ctx.Done():
		return m.reject(span, opRedeem, "redeem canceled while waiting: "+ctx.Err().Error())
	}
	defer func() { <-m.redeemSem }()
	defer m.containPanic(opRedeem, &balance)

	snap := m.session.Snapshot()
	if !snap.IsValid() {
		return m.reject(span, opRedeem, "session is not valid")
	}

	resp, err := m.api.Redeem(ctx, message, snap.SessionToken)
	if err == nil && resp == nil {
		err = tpapi.ErrMalformedResponse
	}
	if err != nil {
		m.logger.Error("failed to redeem", zap.Error(err))
		m.redeemFailed(ctx, span, snap.TpUID, err.Error())
		return Failed
	}
	if !resp.IsValid() {
		m.logger.Error("redeem rejected",
			zap.Bool("success", resp.Success),
			zap.Int("status", resp.Status),
			zap.String("message", resp.Message))
		m.redeemFailed(ctx, span, snap.TpUID, resp.Message)
		return Failed
	}

	balance = resp.UpdatedBalance.Int()
	m.logger.Info("redeem succeeded",
		zap.Int("balance", balance),
		zap.String("token_type", resp.TokenType),
		zap.String("message", resp.Message))
	m.metrics.RecordRewardResult(opRedeem, true)
	span.SetAttributes(attribute.Int("balance", balance))
	m.record(ctx, audit.EventRedeemSucceeded, domain.SeverityInfo, "Balance redeemed", snap.TpUID,
		map[string]interface{}{"balance": balance, "message": resp.Message})
	return balance
}

func (m *Manager) redeemFailed(ctx context.Context, span trace.Span, tpUID, reason string) {
	m.metrics.RecordRewardResult(opRedeem, false)
	span.SetStatus(codes.Error, reason)
	m.record(ctx, audit.EventRedeemFailed, domain.SeverityWarning, "Redeem failed", tpUID,
		map[string]string{"reason": reason})
}

func (m *Manager) reject(span trace.Span, op, reason string) int {
	m.logger.Error("reward operation rejected", zap.String("operation", op), zap.String("reason", reason))
	m.metrics.RecordRewardResult(op, false)
	span.SetStatus(codes.Error, reason)
	return Failed
}

func (m *Manager) containPanic(op string, result *int) {
	if r := recover(); r != nil {
		m.logger.Error("reward operation panicked", zap.String("operation", op), zap.String("panic", fmt.Sprint(r)))
		m.metrics.RecordRewardResult(op, false)
		*result = Failed
	}
}

func (m *Manager) record(ctx context.Context, eventType string, severity domain.EventSeverity, desc, tpUID string, data interface{}) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Log(ctx, eventType, severity, desc, data,
		audit.WithTpUID(tpUID), audit.WithComponent("rewards")); err != nil {
		m.logger.Warn("failed to journal reward event", zap.String("type", eventType), zap.Error(err))
	}
}
