// Package mock provides scripted test doubles for the vad interfaces.
//
//	sess := &mock.Session{Script: mock.Pattern(".^ss$..")}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"fmt"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/vad"
)

// Pattern builds a script from a compact string, one event per rune:
//
//	.  silence
//	^  speech start
//	s  speech continue
//	$  speech end
//
// It panics on any other rune.
func Pattern(p string) []vad.VADEvent {
	events := make([]vad.VADEvent, 0, len(p))
	for _, r := range p {
		var t vad.VADEventType
		switch r {
		case '.':
			t = vad.VADSilence
		case '^':
			t = vad.VADSpeechStart
		case 's':
			t = vad.VADSpeechContinue
		case '$':
			t = vad.VADSpeechEnd
		default:
			panic(fmt.Sprintf("vad/mock: unknown pattern rune %q", r))
		}
		events = append(events, vad.VADEvent{Type: t})
	}
	return events
}

// Engine hands out Session, or a fresh silent session when it is nil.
type Engine struct {
	Session vad.SessionHandle
	Err     error

	mu      sync.Mutex
	configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs of every NewSession call so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session replays Script one event per frame and then keeps returning
// Default. When Err is set every frame fails with it.
type Session struct {
	Script  []vad.VADEvent
	Default vad.VADEvent
	Err     error

	mu     sync.Mutex
	frames int
	resets int
	closes int
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) ProcessFrame([]float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.Default, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Counts reports how often each method has been called.
func (s *Session) Counts() (frames, resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.resets, s.closes
}
