package registry

import (
	"testing"
	"time"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(name string) *types.Agent {
	return &types.Agent{Name: name, Runtime: "generic", State: types.AgentSpawning}
}

func TestRegisterRejectsDuplicateLiveName(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newTestAgent("claude-1")))

	err := r.Register(newTestAgent("claude-1"))
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindNameConflict))
}

func TestRegisterAllowsReuseAfterGone(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newTestAgent("claude-1")))
	r.Remove("claude-1")

	require.NoError(t, r.Register(newTestAgent("claude-1")))
}

func TestResolveTargetsExactWildcardChannel(t *testing.T) {
	r := New(nil)
	a1 := newTestAgent("a1")
	a2 := newTestAgent("a2")
	a2.Channels = map[string]struct{}{"team": {}}
	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))

	assert.Equal(t, []string{"a1"}, r.ResolveTargets("a1"))
	assert.Equal(t, []string{"a1", "a2"}, r.ResolveTargets("*"))
	assert.Equal(t, []string{"a2"}, r.ResolveTargets("#team"))
	assert.Nil(t, r.ResolveTargets("#nope"))
	assert.Nil(t, r.ResolveTargets("unknown"))
}

func TestResolveTargetsExcludesGoneAgents(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newTestAgent("a1")))
	require.NoError(t, r.Register(newTestAgent("a2")))
	r.Remove("a1")

	assert.Equal(t, []string{"a2"}, r.ResolveTargets("*"))
}

func TestInjectionFloorDoublesOnFailureAndHalvesOnSuccess(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newTestAgent("a1")))

	agent := r.Lookup("a1")
	require.Equal(t, 25, agent.InjectionFloorMs)

	r.RecordFailure("a1", types.FailureEchoTimeout)
	assert.Equal(t, 100, agent.InjectionFloorMs) // base 50 doubled since floor was below base

	r.RecordFailure("a1", types.FailureEchoTimeout)
	assert.Equal(t, 200, agent.InjectionFloorMs)

	r.RecordSuccess("a1")
	assert.Equal(t, 100, agent.InjectionFloorMs)

	r.RecordSuccess("a1")
	assert.Equal(t, 50, agent.InjectionFloorMs)

	r.RecordSuccess("a1")
	assert.Equal(t, 25, agent.InjectionFloorMs) // never below the per-runtime minimum
}

func TestInjectionFloorCapsAtMaximum(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newTestAgent("a1")))

	for i := 0; i < 20; i++ {
		r.RecordFailure("a1", types.FailureEchoTimeout)
	}
	assert.LessOrEqual(t, r.Lookup("a1").InjectionFloorMs, 2000)
}

func TestSetSubscriptionReplacesMembership(t *testing.T) {
	r := New(nil)
	a := newTestAgent("a1")
	a.Channels = map[string]struct{}{"old": {}}
	require.NoError(t, r.Register(a))

	require.NoError(t, r.SetSubscription("a1", []string{"new"}))
	assert.Nil(t, r.ResolveTargets("#old"))
	assert.Equal(t, []string{"a1"}, r.ResolveTargets("#new"))
}

func TestMarkOutputRaisesBusyness(t *testing.T) {
	now := time.Now()
	clk := func() time.Time { return now }
	r := New(clk)
	require.NoError(t, r.Register(newTestAgent("a1")))
	a := r.Lookup("a1")
	a.State = types.AgentReady

	r.MarkOutput("a1", now, 4096)
	assert.Greater(t, a.Busyness, 0.0)
}

func TestReadyToInjectRespectsFloor(t *testing.T) {
	now := time.Now()
	r := New(func() time.Time { return now })
	require.NoError(t, r.Register(newTestAgent("a1")))

	r.NoteInjection("a1", now)
	assert.False(t, r.ReadyToInject("a1", now.Add(10*time.Millisecond)))
	assert.True(t, r.ReadyToInject("a1", now.Add(30*time.Millisecond)))
}
