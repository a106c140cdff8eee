package sched

import (
	"testing"
	"time"

	"github.com/agentmesh/brokerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBusyness struct {
	busyness map[string]float64
	ready    map[string]bool
}

func (f *fakeBusyness) Busyness(agent string) float64 {
	if f.busyness == nil {
		return 0
	}
	return f.busyness[agent]
}

func (f *fakeBusyness) ReadyToInject(agent string, now time.Time) bool {
	if f.ready == nil {
		return true
	}
	v, ok := f.ready[agent]
	return !ok || v
}

func newDelivery(to string, pri types.Priority, enqueuedAt time.Time) *types.PendingDelivery {
	return &types.PendingDelivery{
		MessageID:  "m-" + to + pri.String(),
		To:         to,
		Priority:   pri,
		EnqueuedAt: enqueuedAt,
		State:      types.DeliveryQueued,
	}
}

func TestTickOrdersByPriorityThenFIFO(t *testing.T) {
	now := time.Now()
	s := New(&fakeBusyness{})

	low := newDelivery("a1", types.P3, now)
	high := newDelivery("a1", types.P0, now.Add(time.Millisecond))
	mid := newDelivery("a1", types.P2, now)

	s.Enqueue(low)
	s.Enqueue(high)
	s.Enqueue(mid)

	var picked []*types.PendingDelivery
	for i := 0; i < 3; i++ {
		s.Tick(now, func(d *types.PendingDelivery) { picked = append(picked, d) })
	}

	require.Len(t, picked, 3)
	assert.Equal(t, high, picked[0])
	assert.Equal(t, mid, picked[1])
	assert.Equal(t, low, picked[2])
}

func TestTickRespectsFIFOAtEqualPriority(t *testing.T) {
	now := time.Now()
	s := New(&fakeBusyness{})

	first := newDelivery("a1", types.P2, now)
	second := newDelivery("a1", types.P2, now.Add(time.Millisecond))

	s.Enqueue(second)
	s.Enqueue(first)

	var picked *types.PendingDelivery
	s.Tick(now, func(d *types.PendingDelivery) { picked = d })
	assert.Equal(t, first, picked)
}

func TestTickSkipsBusyAgentUnlessHeadIsP0OrP1(t *testing.T) {
	now := time.Now()
	s := New(&fakeBusyness{busyness: map[string]float64{"a1": 0.95}})

	d := newDelivery("a1", types.P2, now)
	s.Enqueue(d)

	var fired bool
	s.Tick(now, func(*types.PendingDelivery) { fired = true })
	assert.False(t, fired, "P2 head should be skipped while busy")

	s2 := New(&fakeBusyness{busyness: map[string]float64{"a1": 0.95}})
	urgent := newDelivery("a1", types.P1, now)
	s2.Enqueue(urgent)
	s2.Tick(now, func(*types.PendingDelivery) { fired = true })
	assert.True(t, fired, "P1 head should bypass backpressure")
}

func TestTickSkipsWhenInjectionFloorNotElapsed(t *testing.T) {
	now := time.Now()
	s := New(&fakeBusyness{ready: map[string]bool{"a1": false}})
	s.Enqueue(newDelivery("a1", types.P2, now))

	var fired bool
	s.Tick(now, func(*types.PendingDelivery) { fired = true })
	assert.False(t, fired)
}

func TestShedDropsTailP4EntriesUnderSaturation(t *testing.T) {
	now := time.Now()
	s := New(&fakeBusyness{busyness: map[string]float64{"a1": 0.95}})

	for i := 0; i < sheddingSoftCap+5; i++ {
		s.Enqueue(newDelivery("a1", types.P4, now.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.Equal(t, sheddingSoftCap+5, s.Depth("a1"))

	var fired *types.PendingDelivery
	s.Tick(now, func(d *types.PendingDelivery) { fired = d })

	assert.LessOrEqual(t, s.Depth("a1"), sheddingSoftCap)
	if fired != nil {
		assert.Equal(t, types.DeliveryQueued, fired.State)
	}
}
