package sessionlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists turns. Implementations must be safe for concurrent use.
type Store interface {
	// SaveTurn persists one turn. Saving a turn id twice is a no-op.
	SaveTurn(ctx context.Context, t Turn) error

	// Turns returns a session's turns ordered by sequence.
	Turns(ctx context.Context, sessionID string) ([]Turn, error)

	// Sessions lists the most recent sessions, newest first.
	Sessions(ctx context.Context, limit int) ([]Session, error)
}

// Session summarises a persisted session.
type Session struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
	Turns   int       `json:"turns"`
}

const (
	defaultStoreQueue   = 64
	defaultStoreTimeout = 5 * time.Second
)

// Option configures a [Log].
type Option func(*Log)

// WithStore forwards every appended turn to s. Writes happen in the
// background in append order; failures are logged and do not affect the
// in-memory log.
func WithStore(s Store) Option {
	return func(l *Log) { l.store = s }
}

// WithClock overrides the time source for turns without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is the append-only turn list of one session. It is safe for
// concurrent use.
type Log struct {
	sessionID string
	now       func() time.Time
	store     Store

	mu     sync.RWMutex
	turns  []Turn
	closed bool

	pending chan Turn
	done    chan struct{}
}

// New returns an empty log. An empty sessionID gets a generated one.
func New(sessionID string, opts ...Option) *Log {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	l := &Log{sessionID: sessionID, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.store != nil {
		l.pending = make(chan Turn, defaultStoreQueue)
		l.done = make(chan struct{})
		go l.persist()
	}
	return l
}

// SessionID returns the session the log belongs to.
func (l *Log) SessionID() string { return l.sessionID }

// Append validates t, assigns its id, session and sequence number, and
// stores a deep copy. It returns the stored turn.
func (l *Log) Append(t Turn) (Turn, error) {
	if err := t.Validate(); err != nil {
		return Turn{}, fmt.Errorf("sessionlog: append: %w", err)
	}
	t = t.Clone()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Turn{}, fmt.Errorf("sessionlog: append: log closed")
	}
	t.ID = uuid.NewString()
	t.SessionID = l.sessionID
	t.Seq = int64(len(l.turns)) + 1
	if t.Timestamp.IsZero() {
		t.Timestamp = l.now()
	}
	t.Timestamp = t.Timestamp.UTC().Round(0)
	l.turns = append(l.turns, t)
	out := t.Clone()
	if l.pending != nil {
		select {
		case l.pending <- t.Clone():
		default:
			slog.Warn("sessionlog: store queue full, turn not persisted", "session_id", l.sessionID, "seq", t.Seq)
		}
	}
	l.mu.Unlock()
	return out, nil
}

// Turns returns copies of every turn in order.
func (l *Log) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, len(l.turns))
	for i, t := range l.turns {
		out[i] = t.Clone()
	}
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Last returns a copy of the most recent turn.
func (l *Log) Last() (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1].Clone(), true
}

// Close stops accepting turns and waits until queued turns are persisted
// or ctx is done. Close is idempotent.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.pending != nil {
		close(l.pending)
	}
	l.mu.Unlock()

	if l.done == nil {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessionlog: close: %w", ctx.Err())
	}
}

func (l *Log) persist() {
	defer close(l.done)
	for t := range l.pending {
		ctx, cancel := context.WithTimeout(context.Background(), defaultStoreTimeout)
		if err := l.store.SaveTurn(ctx, t); err != nil {
			slog.Error("sessionlog: persist turn", "session_id", t.SessionID, "seq", t.Seq, "err", err)
		}
		cancel()
	}
}
