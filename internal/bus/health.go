package bus

import (
	"context"
	"log/slog"
	"time"
)

// grade classifies one health window. Windows without traffic (gated
// silence, idle consumers) are not graded.
func grade(received, lost int64, latency, ceiling time.Duration, threshold float64) (Quality, bool) {
	total := received + lost
	if total == 0 {
		return QualityUnknown, false
	}
	ratio := float64(lost) / float64(total)
	switch {
	case ratio > threshold || latency > ceiling:
		return QualityUnhealthy, true
	case ratio > threshold/5 || latency > ceiling/2:
		return QualityDegraded, true
	default:
		return QualityGood, true
	}
}

func (b *Bus) healthLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(b.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.assessHealth()
		}
	}
}

// assessHealth grades every active consumer over the traffic seen since the
// previous assessment and notifies consumers whose grade changed. It only
// reports; nothing is remediated.
func (b *Bus) assessHealth() {
	b.mu.Lock()
	active := make([]*consumer, 0, len(b.order))
	for _, c := range b.order {
		if c.running() {
			active = append(active, c)
		}
	}
	b.mu.Unlock()

	for _, c := range active {
		received, lost := c.received.Load(), c.lost.Load()
		dr, dl := received-c.windowReceived, lost-c.windowLost
		c.windowReceived, c.windowLost = received, lost

		q, ok := grade(dr, dl, time.Duration(c.latency.Load()), b.cfg.LatencyCeiling, b.cfg.LossThreshold)
		if !ok {
			continue
		}
		prev := c.quality.Swap(q).(Quality)
		if prev == q {
			continue
		}
		switch {
		case q == QualityUnhealthy:
			b.metrics.UnhealthyConsumers.Add(context.Background(), 1)
			slog.Warn("bus: consumer unhealthy", "consumer", c.id, "lost", dl, "received", dr, "latency", time.Duration(c.latency.Load()))
		case prev == QualityUnhealthy:
			b.metrics.UnhealthyConsumers.Add(context.Background(), -1)
			slog.Info("bus: consumer recovered", "consumer", c.id, "quality", q)
		}
		c.notify(func() { c.callStatus(c.status(true, b.receivingWindow())) }, true)
	}
}

func (b *Bus) receivingWindow() time.Duration {
	return max(b.cfg.HealthInterval, 250*time.Millisecond)
}
