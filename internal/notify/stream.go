package notify

import (
	"context"
	"sync"
	"time"

	"agentbank.org/internal/ledger"
)

// Message is one alert as sent to stream subscribers.
type Message struct {
	Kind      string    `json:"kind"`
	BranchID  string    `json:"branch_id,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fans alerts out to live subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Message
	next int
}

func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Message)}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Message {
	ch := make(chan Message, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans msg out without blocking; slow subscribers miss it.
func (s *Stream) Publish(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Stream) FloatThreshold(ctx context.Context, a ledger.ThresholdAlert) error {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.Publish(Message{Kind: a.Kind, BranchID: a.BranchID, Payload: a, Timestamp: at})
	return nil
}

func (s *Stream) IntegrityViolation(ctx context.Context, tb ledger.TrialBalance) {
	s.Publish(Message{
		Kind:      "integrity_violation",
		Payload:   map[string]int64{"difference": tb.Difference, "total_debit": tb.TotalDebit, "total_credit": tb.TotalCredit},
		Timestamp: time.Now().UTC(),
	})
}

// Alerters fans integrity violations out to every alerter.
type Alerters []ledger.Alerter

func (a Alerters) IntegrityViolation(ctx context.Context, tb ledger.TrialBalance) {
	for _, al := range a {
		if al != nil {
			al.IntegrityViolation(ctx, tb)
		}
	}
}
