package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemActor is recorded when a mutation is not attributed to a user.
const SystemActor = "system"

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Detail   string
	Meta     map[string]any
	At       time.Time
}

// Validate checks the fields every sink requires.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

func (l AuditLog) actor() string {
	if l.Actor == "" {
		return SystemActor
	}
	return l.Actor
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, detail, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`, log.actor(), log.Action, log.Entity, log.EntityID, log.Detail, metaJSON, at)
	return err
}

// SlogAuditSink writes audit records as structured log lines.
type SlogAuditSink struct {
	Logger *slog.Logger
}

// Record emits one log line per audit record.
func (s SlogAuditSink) Record(ctx context.Context, log AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	at := log.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.Time("at", at),
		slog.String("action", log.Action),
		slog.String("actor", log.actor()),
		slog.String("entity", log.Entity),
		slog.String("entity_id", log.EntityID),
		slog.String("detail", log.Detail),
		slog.Any("meta", log.Meta),
	)
	return nil
}

// MultiAuditSink fans a record out to several sinks and joins their errors.
type MultiAuditSink []interface {
	Record(ctx context.Context, log AuditLog) error
}

// Record forwards to every sink.
func (m MultiAuditSink) Record(ctx context.Context, log AuditLog) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
