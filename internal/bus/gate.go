package bus

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/attune/pkg/provider/vad"
)

var (
	outcomeGated       = metric.WithAttributes(attribute.String("outcome", "gated"))
	outcomeDistributed = metric.WithAttributes(attribute.String("outcome", "distributed"))
)

// gate decides per frame whether the tick distributes. Speech opens it; it
// stays open for the hangover after the last speech frame.
type gate struct {
	session   vad.SessionHandle
	hangover  int // frames
	remaining int
}

func newGate(session vad.SessionHandle, hangover, frame time.Duration) *gate {
	n := 0
	if frame > 0 {
		n = int((hangover + frame - 1) / frame)
	}
	return &gate{session: session, hangover: n}
}

// open classifies samples. A detector error fails open so that consumers are
// never starved by a broken gate.
func (g *gate) open(samples []float32) bool {
	ev, err := g.session.ProcessFrame(samples)
	if err != nil {
		return true
	}
	if ev.IsSpeech() {
		g.remaining = g.hangover
		return true
	}
	if g.remaining > 0 {
		g.remaining--
		return true
	}
	return false
}

func (g *gate) reset() {
	g.session.Reset()
	g.remaining = 0
}

func (g *gate) close() error { return g.session.Close() }
