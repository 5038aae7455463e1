// Package audit keeps a local journal of significant SDK events: session
// restores, backend handshakes and reward transactions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/alexbotov/treasureplay/internal/database"
	"github.com/alexbotov/treasureplay/internal/domain"
)

// Event types
const (
	EventSessionRestored      = "session_restored"
	EventSessionCleared       = "session_cleared"
	EventSessionSaved         = "session_saved"
	EventBackendInitSucceeded = "backend_init_succeeded"
	EventBackendInitFailed    = "backend_init_failed"
	EventRewardsChecked       = "rewards_checked"
	EventRedeemSucceeded      = "redeem_succeeded"
	EventRedeemFailed         = "redeem_failed"
)

// Service provides event journaling
type Service struct {
	db *database.DB
}

// New creates a new audit service. The database must be migrated.
func New(db *database.DB) *Service {
	return &Service{db: db}
}

// LogEvent records a significant event
func (s *Service) LogEvent(ctx context.Context, event *domain.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var data sql.NullString
	if len(event.Data) > 0 {
		data = sql.NullString{String: string(event.Data), Valid: true}
	}
	var tpUID sql.NullString
	if event.TpUID != nil {
		tpUID = sql.NullString{String: *event.TpUID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sdk_events (id, type, severity, timestamp, tp_uid, description, data, component)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), event.ID, event.Type, string(event.Severity), database.ToMillis(event.Timestamp), tpUID,
		event.Description, data, event.Component)

	return err
}

// Log is a convenience method for logging events
func (s *Service) Log(ctx context.Context, eventType string, severity domain.EventSeverity, description string, data interface{}, opts ...EventOption) error {
	event := &domain.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Component:   "sdk",
	}

	if data != nil {
		jsonData, err := json.Marshal(data)
		if err == nil {
			event.Data = jsonData
		}
	}

	for _, opt := range opts {
		opt(event)
	}

	return s.LogEvent(ctx, event)
}

// EventOption is a functional option for configuring events
type EventOption func(*domain.Event)

// WithTpUID sets the backend user id for the event
func WithTpUID(tpUID string) EventOption {
	return func(e *domain.Event) {
		if tpUID != "" {
			e.TpUID = &tpUID
		}
	}
}

// WithComponent sets the component for the event
func WithComponent(component string) EventOption {
	return func(e *domain.Event) {
		e.Component = component
	}
}

// GetEvents retrieves events, newest first, with optional filtering
func (s *Service) GetEvents(ctx context.Context, filter *EventFilter) ([]*domain.Event, error) {
	query := `SELECT id, type, severity, timestamp, tp_uid, description, data, component
			  FROM sdk_events WHERE 1=1`
	args := []interface{}{}

	if filter != nil {
		if filter.TpUID != "" {
			query += " AND tp_uid = ?"
			args = append(args, filter.TpUID)
		}
		if filter.Type != "" {
			query += " AND type = ?"
			args = append(args, filter.Type)
		}
		if !filter.From.IsZero() {
			query += " AND timestamp >= ?"
			args = append(args, database.ToMillis(filter.From))
		}
		if !filter.To.IsZero() {
			query += " AND timestamp <= ?"
			args = append(args, database.ToMillis(filter.To))
		}
	}

	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	limit := 100
	if filter != nil && filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var event domain.Event
		var severity string
		var ts int64
		var tpUID, data sql.NullString

		err := rows.Scan(&event.ID, &event.Type, &severity, &ts,
			&tpUID, &event.Description, &data, &event.Component)
		if err != nil {
			return nil, err
		}

		event.Severity = domain.EventSeverity(severity)
		event.Timestamp = database.FromMillis(ts)
		if tpUID.Valid {
			event.TpUID = &tpUID.String
		}
		if data.Valid && data.String != "" {
			event.Data = json.RawMessage(data.String)
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}

// EventFilter defines criteria for filtering events
type EventFilter struct {
	TpUID string
	Type  string
	From  time.Time
	To    time.Time
	Limit int
}
