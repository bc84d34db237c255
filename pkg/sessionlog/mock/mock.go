// Package mock provides an in-memory [sessionlog.Store] for tests.
//
//	store := &mock.Store{}
//	log := sessionlog.New("s1", sessionlog.WithStore(store))
//	// ... append turns, then log.Close(ctx)
//	if got := store.CallCount("SaveTurn"); got != 2 { ... }
package mock

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/sessionlog"
)

var _ sessionlog.Store = (*Store)(nil)

// Call records one method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store keeps turns in memory. Exported *Err fields make the matching method
// fail; SaveDelay slows every save down. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	calls []Call
	turns map[string][]sessionlog.Turn

	SaveErr     error
	TurnsErr    error
	SessionsErr error
	SaveDelay   time.Duration
}

// SaveTurn implements [sessionlog.Store].
func (s *Store) SaveTurn(ctx context.Context, t sessionlog.Turn) error {
	s.record("SaveTurn", t)
	if s.SaveDelay > 0 {
		select {
		case <-time.After(s.SaveDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if s.turns == nil {
		s.turns = make(map[string][]sessionlog.Turn)
	}
	existing := s.turns[t.SessionID]
	if slices.ContainsFunc(existing, func(e sessionlog.Turn) bool { return e.ID == t.ID }) {
		return nil
	}
	s.turns[t.SessionID] = append(existing, t.Clone())
	return nil
}

// Turns implements [sessionlog.Store].
func (s *Store) Turns(_ context.Context, sessionID string) ([]sessionlog.Turn, error) {
	s.record("Turns", sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TurnsErr != nil {
		return nil, s.TurnsErr
	}
	src := s.turns[sessionID]
	out := make([]sessionlog.Turn, len(src))
	for i, t := range src {
		out[i] = t.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Sessions implements [sessionlog.Store].
func (s *Store) Sessions(_ context.Context, limit int) ([]sessionlog.Session, error) {
	s.record("Sessions", limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SessionsErr != nil {
		return nil, s.SessionsErr
	}
	out := make([]sessionlog.Session, 0, len(s.turns))
	for id, turns := range s.turns {
		if len(turns) == 0 {
			continue
		}
		started := turns[0].Timestamp
		for _, t := range turns[1:] {
			if t.Timestamp.Before(started) {
				started = t.Timestamp
			}
		}
		out = append(out, sessionlog.Session{ID: id, Started: started, Turns: len(turns)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CallCount returns how often method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Calls returns a copy of every recorded call.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *Store) record(method string, args ...any) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	s.mu.Unlock()
}
