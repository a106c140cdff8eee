// Package sched implements the Priority Queue + Scheduler: one sorted
// multiset per agent ordered by (priority, enqueued-at), polled by the
// Broker Core on a fixed tick (TickInterval), with busyness-based
// backpressure and tail-shedding under sustained overload. No extra pass
// runs between ticks when an event unblocks progress.
package sched

import (
	"container/heap"
	"time"

	"github.com/agentmesh/brokerd/pkg/log"
	"github.com/agentmesh/brokerd/pkg/metrics"
	"github.com/agentmesh/brokerd/pkg/types"
)

const (
	// TickInterval is the scheduler's fixed polling cadence.
	TickInterval = 5 * time.Millisecond

	backpressureThreshold = 0.8
	sheddingBusyness      = 0.9
	sheddingSoftCap       = 256
)

// item is one heap entry: a queued delivery plus a monotonic sequence
// number used to break (priority, enqueued-at) ties deterministically when
// two deliveries share the same enqueued-at timestamp.
type item struct {
	delivery *types.PendingDelivery
	seq      uint64
	index    int
}

// agentQueue is a priority heap ordered by (priority, enqueued-at, seq) —
// lower priority value first, earlier enqueued-at first, strict FIFO at
// equal priority.
type agentQueue []*item

func (q agentQueue) Len() int { return len(q) }
func (q agentQueue) Less(i, j int) bool {
	if q[i].delivery.Priority != q[j].delivery.Priority {
		return q[i].delivery.Priority < q[j].delivery.Priority
	}
	if !q[i].delivery.EnqueuedAt.Equal(q[j].delivery.EnqueuedAt) {
		return q[i].delivery.EnqueuedAt.Before(q[j].delivery.EnqueuedAt)
	}
	return q[i].seq < q[j].seq
}
func (q agentQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *agentQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *agentQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// BusynessSource reports an agent's current busyness score and whether it
// respects its injection floor delay right now.
type BusynessSource interface {
	Busyness(agent string) float64
	ReadyToInject(agent string, now time.Time) bool
}

// Scheduler owns one agentQueue per agent and hands ready work to a
// delivery sink.
type Scheduler struct {
	queues map[string]*agentQueue
	order  []string // round-robin order of agents with any queue history
	seq    uint64

	busyness BusynessSource

	// OnShed is called for every delivery shed() drops, so it fails through
	// the normal delivery lifecycle (terminal state, receipt, dedup/ack
	// bookkeeping) instead of vanishing with only a log line.
	OnShed func(*types.PendingDelivery)
}

// New constructs an empty Scheduler consulting src for busyness/floor
// decisions.
func New(src BusynessSource) *Scheduler {
	return &Scheduler{
		queues:   make(map[string]*agentQueue),
		busyness: src,
	}
}

func (s *Scheduler) queueFor(agent string) *agentQueue {
	q, ok := s.queues[agent]
	if !ok {
		q = &agentQueue{}
		heap.Init(q)
		s.queues[agent] = q
		s.order = append(s.order, agent)
	}
	return q
}

// Enqueue adds d to its target agent's queue.
func (s *Scheduler) Enqueue(d *types.PendingDelivery) {
	q := s.queueFor(d.To)
	s.seq++
	heap.Push(q, &item{delivery: d, seq: s.seq})
	metrics.DeliveryQueueDepth.WithLabelValues(d.To).Set(float64(q.Len()))
}

// Depth returns the current queue depth for an agent.
func (s *Scheduler) Depth(agent string) int {
	q, ok := s.queues[agent]
	if !ok {
		return 0
	}
	return q.Len()
}

// DrainAgent empties an agent's queue and returns everything it held, for a
// caller that needs to fail them all at once (e.g. on release/agent_gone).
func (s *Scheduler) DrainAgent(agent string) []*types.PendingDelivery {
	q, ok := s.queues[agent]
	if !ok {
		return nil
	}
	out := make([]*types.PendingDelivery, 0, q.Len())
	for _, it := range *q {
		out = append(out, it.delivery)
	}
	*q = (*q)[:0]
	metrics.DeliveryQueueDepth.WithLabelValues(agent).Set(0)
	return out
}

// Tick runs one scheduling pass: for every agent with outstanding work, in
// round-robin order, it applies backpressure and injection-floor gating and
// hands at most one ready delivery per agent to onReady.
func (s *Scheduler) Tick(now time.Time, onReady func(*types.PendingDelivery)) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	for _, agent := range s.order {
		q := s.queues[agent]
		if q == nil || q.Len() == 0 {
			continue
		}

		s.shed(agent, q, now)
		if q.Len() == 0 {
			continue
		}

		head := (*q)[0]
		busyness := 0.0
		if s.busyness != nil {
			busyness = s.busyness.Busyness(agent)
		}
		if busyness >= backpressureThreshold && head.delivery.Priority > types.P1 {
			continue
		}
		if s.busyness != nil && !s.busyness.ReadyToInject(agent, now) {
			continue
		}

		picked := heap.Pop(q).(*item)
		metrics.DeliveryQueueDepth.WithLabelValues(agent).Set(float64(q.Len()))
		onReady(picked.delivery)
	}
}

// shed drops tail P4 entries, then P3, while the queue exceeds the soft cap
// and the agent is near-saturated, transitioning dropped deliveries to
// failed(reason=shed) via onShed.
func (s *Scheduler) shed(agent string, q *agentQueue, now time.Time) {
	if q.Len() <= sheddingSoftCap {
		return
	}
	busyness := 0.0
	if s.busyness != nil {
		busyness = s.busyness.Busyness(agent)
	}
	if busyness < sheddingBusyness {
		return
	}

	for _, pri := range []types.Priority{types.P4, types.P3} {
		for q.Len() > sheddingSoftCap {
			idx := tailIndexOfPriority(*q, pri)
			if idx < 0 {
				break
			}
			dropped := heap.Remove(q, idx).(*item)
			metrics.DeliveriesShedTotal.WithLabelValues(dropped.delivery.Priority.String()).Inc()
			log.WithAgent(agent).With().Str("message_id", dropped.delivery.MessageID).Logger().
				Warn().Msg("delivery shed under backpressure")
			if s.OnShed != nil {
				s.OnShed(dropped.delivery)
			}
		}
		if q.Len() <= sheddingSoftCap {
			break
		}
	}
}

func tailIndexOfPriority(q agentQueue, pri types.Priority) int {
	latestIdx := -1
	var latest time.Time
	for i, it := range q {
		if it.delivery.Priority == pri && (latestIdx == -1 || it.delivery.EnqueuedAt.After(latest)) {
			latestIdx = i
			latest = it.delivery.EnqueuedAt
		}
	}
	return latestIdx
}
