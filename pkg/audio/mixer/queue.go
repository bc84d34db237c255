// Package mixer provides a concrete [audio.Mixer] implementation backed by a
// priority queue. It schedules synthesized utterances for playback, lets
// safety interventions preempt ordinary speech, supports barge-in interrupts,
// and inserts short silence gaps with jitter between utterances.
package mixer

import (
	"container/heap"

	"github.com/MrWong99/attune/pkg/audio"
)

type queued struct {
	segment  *audio.Segment
	priority int
	seq      uint64
}

// byPriority orders highest priority first and, within a priority, oldest
// first.
type byPriority []queued

func (q byPriority) Len() int      { return len(q) }
func (q byPriority) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q byPriority) Less(i, j int) bool {
	if q[i].priority == q[j].priority {
		return q[i].seq < q[j].seq
	}
	return q[i].priority > q[j].priority
}
func (q *byPriority) Push(x any) { *q = append(*q, x.(queued)) }
func (q *byPriority) Pop() any {
	last := (*q)[len(*q)-1]
	*q = (*q)[:len(*q)-1]
	return last
}

// playQueue is the typed facade over container/heap that the mixer uses.
// It is not safe for concurrent use.
type playQueue struct {
	items byPriority
	seq   uint64
}

func (p *playQueue) push(seg *audio.Segment, priority int) {
	p.seq++
	heap.Push(&p.items, queued{segment: seg, priority: priority, seq: p.seq})
}

func (p *playQueue) pop() (queued, bool) {
	if len(p.items) == 0 {
		return queued{}, false
	}
	return heap.Pop(&p.items).(queued), true
}

func (p *playQueue) len() int { return len(p.items) }

// clear drops every queued segment as interrupted.
func (p *playQueue) clear() {
	for _, q := range p.items {
		discard(q.segment)
	}
	p.items = p.items[:0]
}

// discard finishes seg as interrupted and drains whatever its producer is
// still writing.
func discard(seg *audio.Segment) {
	seg.Finish(true)
	go audio.Drain(seg.Audio)
}
