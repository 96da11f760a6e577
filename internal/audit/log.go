package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/auth"
	"agentbank.org/internal/obs"
)

// Severity grades how urgently an operator should look at an entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status records whether the audited action succeeded.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Entry is one audit record.
type Entry struct {
	Actor       string         `json:"actor"`
	ActionType  string         `json:"action_type"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Description string         `json:"description,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Severity    Severity       `json:"severity"`
	Status      Status         `json:"status"`
	RequestID   string         `json:"request_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Logger accepts audit entries. Callers treat Log as best effort.
type Logger interface {
	Log(ctx context.Context, e Entry) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Normalize fills defaults from the context and validates required fields.
func Normalize(ctx context.Context, e Entry) (Entry, error) {
	e.ActionType = strings.TrimSpace(e.ActionType)
	if e.ActionType == "" {
		return e, errors.New("audit action type is required")
	}
	if e.Actor == "" {
		e.Actor = auth.ActorID(ctx, auth.System)
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e, nil
}

// ZapSink writes entries as structured log lines.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink logs through l, or the shared logger when l is nil.
func NewZapSink(l *zap.Logger) *ZapSink {
	return &ZapSink{log: l}
}

func (s *ZapSink) Log(ctx context.Context, e Entry) error {
	e, err := Normalize(ctx, e)
	if err != nil {
		return err
	}
	l := s.log
	if l == nil {
		l = obs.Logger()
	}
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("actor", e.Actor),
		zap.String("action_type", e.ActionType),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("severity", string(e.Severity)),
		zap.String("status", string(e.Status)),
		zap.Any("details", e.Details),
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	switch e.Severity {
	case SeverityCritical, SeverityHigh:
		l.Warn(e.Description, fields...)
	default:
		l.Info(e.Description, fields...)
	}
	return nil
}

// Multi fans an entry out to every logger and joins their errors.
type Multi []Logger

func (m Multi) Log(ctx context.Context, e Entry) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.Log(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deferrer enqueues a best-effort side effect. outbox.Dispatcher satisfies it.
type Deferrer interface {
	Defer(ctx context.Context, kind, key string, payload any) error
}

// KindAuditLog is the outbox kind under which deferred entries travel.
const KindAuditLog = "audit.log"

// Deferred hands entries to the outbox so a slow or failing sink never blocks callers.
// Entries are normalised first so request and actor context survive the hop.
type Deferred struct {
	Queue Deferrer
}

func (d Deferred) Log(ctx context.Context, e Entry) error {
	e, err := Normalize(ctx, e)
	if err != nil {
		return err
	}
	key := e.ActionType + ":" + e.EntityID + ":" + e.CreatedAt.Format(time.RFC3339Nano)
	return d.Queue.Defer(ctx, KindAuditLog, key, e)
}

// Handler delivers deferred entries to sink. It has the shape of an outbox handler.
func Handler(sink Logger) func(ctx context.Context, payload json.RawMessage) error {
	return func(ctx context.Context, payload json.RawMessage) error {
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		return sink.Log(ctx, e)
	}
}

// Memory keeps entries in process; used by tests and DSN-less runs.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Log(ctx context.Context, e Entry) error {
	e, err := Normalize(ctx, e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of everything logged so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Log(context.Context, Entry) error { return nil }
