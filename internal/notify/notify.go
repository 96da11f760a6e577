// Package notify delivers operator alerts: float threshold crossings and
// ledger integrity violations.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"agentbank.org/internal/ledger"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/outbox"
)

// Notifier receives float threshold alerts.
type Notifier interface {
	FloatThreshold(ctx context.Context, a ledger.ThresholdAlert) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) FloatThreshold(ctx context.Context, a ledger.ThresholdAlert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.FloatThreshold(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler delivers deferred notify.float_threshold tasks to n.
func Handler(n Notifier) outbox.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var a ledger.ThresholdAlert
		if err := json.Unmarshal(payload, &a); err != nil {
			return outbox.Permanent(fmt.Errorf("decode alert: %w", err))
		}
		return n.FloatThreshold(ctx, a)
	}
}

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATS publishes alerts as JSON on core NATS subjects.
type NATS struct {
	conn             Publisher
	prefix           string
	integritySubject string
}

// NewNATS publishes threshold alerts on <prefix>.<kind>.<branch>.
func NewNATS(conn Publisher, prefix string) *NATS {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "agentbank.float"
	}
	return &NATS{conn: conn, prefix: prefix, integritySubject: "agentbank.ledger.integrity"}
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	if log == nil {
		log = obs.Logger()
	}
	nc, err := nats.Connect(url,
		nats.Name("agentbank"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// subjectToken keeps a value usable as one NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Subject returns the subject an alert is published on.
func (n *NATS) Subject(a ledger.ThresholdAlert) string {
	return n.prefix + "." + subjectToken(a.Kind) + "." + subjectToken(a.BranchID)
}

func (n *NATS) FloatThreshold(ctx context.Context, a ledger.ThresholdAlert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(a), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", n.Subject(a), err)
	}
	return nil
}

// IntegrityViolation publishes the trial balance summary. Failures are logged.
func (n *NATS) IntegrityViolation(ctx context.Context, tb ledger.TrialBalance) {
	data, err := json.Marshal(map[string]any{
		"as_of":        tb.AsOf,
		"total_debit":  tb.TotalDebit,
		"total_credit": tb.TotalCredit,
		"difference":   tb.Difference,
	})
	if err == nil {
		err = n.conn.Publish(n.integritySubject, data)
	}
	if err != nil {
		obs.Logger().Error("integrity alert publish failed", zap.Error(err))
	}
}

// Log writes alerts to the structured log; it is the fallback when no broker is configured.
type Log struct {
	Logger *zap.Logger
}

func (l Log) logger() *zap.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return obs.Logger()
}

func (l Log) FloatThreshold(ctx context.Context, a ledger.ThresholdAlert) error {
	l.logger().Warn("float threshold crossed",
		zap.String("kind", a.Kind),
		zap.String("float_account_id", a.FloatAccountID),
		zap.String("branch_id", a.BranchID),
		zap.Int64("balance", a.Balance),
		zap.Int64("threshold", a.Threshold),
	)
	return nil
}

func (l Log) IntegrityViolation(ctx context.Context, tb ledger.TrialBalance) {
	l.logger().Error("ledger integrity violation",
		zap.Time("as_of", tb.AsOf),
		zap.Int64("difference", tb.Difference),
	)
}
