package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/brokerd/pkg/cloudmirror"
	"github.com/agentmesh/brokerd/pkg/codec"
	"github.com/agentmesh/brokerd/pkg/config"
	"github.com/agentmesh/brokerd/pkg/types"
)

func cloudEchoFixture(eventID, channel string) cloudmirror.InboundEcho {
	return cloudmirror.InboundEcho{EventID: eventID, Channel: channel, From: "remote-user", Text: "hi from relay"}
}

func newTestBroker(t *testing.T) (*Broker, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()

	out := &bytes.Buffer{}
	b, err := New(cfg, strings.NewReader(""), out)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.store.Close()
		_ = b.dedupSeed.Close()
	})
	return b, out
}

func registerAgent(t *testing.T, b *Broker, name string, channels ...string) {
	t.Helper()
	chset := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		chset[ch] = struct{}{}
	}
	require.NoError(t, b.registry.Register(&types.Agent{
		Name:        name,
		State:       types.AgentReady,
		Channels:    chset,
		ConnectedAt: time.Now(),
	}))
}

func TestHandleSendMessageWildcardFansOutToEveryAgent(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1")
	registerAgent(t, b, "a2")

	resp := b.handleSendMessage(sendMessageRequest{To: "*", Text: "hi", From: "user"})

	assert.NotEmpty(t, resp.MessageID)
	assert.ElementsMatch(t, []string{"a1", "a2"}, resp.LocalTargets)
	assert.False(t, resp.Published)
	assert.Equal(t, 1, b.sched.Depth("a1"))
	assert.Equal(t, 1, b.sched.Depth("a2"))
	assert.True(t, b.dedup.Seen(resp.MessageID))
}

func TestHandleSendMessageChannelTargetsOnlySubscribers(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1", "general")
	registerAgent(t, b, "a2")

	resp := b.handleSendMessage(sendMessageRequest{To: "#general", Text: "hi", From: "user"})

	assert.Equal(t, []string{"a1"}, resp.LocalTargets)
	assert.Equal(t, 1, b.sched.Depth("a1"))
	assert.Equal(t, 0, b.sched.Depth("a2"))
}

func TestHandleSendMessageUnknownDirectTargetYieldsNoLocalDelivery(t *testing.T) {
	b, _ := newTestBroker(t)

	resp := b.handleSendMessage(sendMessageRequest{To: "ghost", Text: "hi", From: "user"})

	assert.Empty(t, resp.LocalTargets)
	assert.NotEmpty(t, resp.MessageID)
}

func TestHandleSendMessageExplicitPriorityOverridesDefault(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1")

	resp := b.handleSendMessage(sendMessageRequest{To: "a1", Text: "urgent", From: "user", Priority: "P0"})

	d := b.delivery.Lookup(resp.MessageID, "a1")
	require.NotNil(t, d)
	assert.Equal(t, types.P0, d.Priority)
}

func TestHandleSetSubscriptionReplacesChannelMembership(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1", "old-channel")

	reply := b.handleSetSubscription(setSubscriptionRequest{Name: "a1", Channels: []string{"general"}})
	assert.Equal(t, okResponse{OK: true}, reply)

	assert.Equal(t, []string{"a1"}, b.registry.ResolveTargets("#general"))
	assert.Empty(t, b.registry.ResolveTargets("#old-channel"))
}

func TestHandleSetSubscriptionUnknownAgentReturnsError(t *testing.T) {
	b, _ := newTestBroker(t)

	reply := b.handleSetSubscription(setSubscriptionRequest{Name: "ghost", Channels: []string{"general"}})

	resp, ok := reply.(spawnResponse)
	require.True(t, ok)
	assert.True(t, resp.Error)
}

func TestHandleListAgentsReportsQueueDepth(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1")
	b.handleSendMessage(sendMessageRequest{To: "a1", Text: "hi", From: "user"})

	entries := b.handleListAgents()

	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].Name)
	assert.Equal(t, 1, entries[0].QueueDepth)
}

func TestHandleGetMetricsCountsDeliveriesAndDedup(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1")
	b.handleSendMessage(sendMessageRequest{To: "a1", Text: "hi", From: "user"})

	metrics := b.handleGetMetrics()

	assert.Equal(t, 1, metrics.Agents)
	assert.Equal(t, 1, metrics.Deliveries["queued"])
	assert.Equal(t, 1, metrics.DedupSize)
	assert.Equal(t, 0, metrics.PublishBacklog)
}

func TestHandleShutdownStopsTheCoreLoop(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	defer cancel()

	reply := b.handleShutdown()

	assert.Equal(t, okResponse{OK: true}, reply)
	assert.True(t, b.stopping)
	assert.Error(t, ctx.Err())
}

func TestHandleSpawnAndReleaseRoundTripsARealProcess(t *testing.T) {
	b, _ := newTestBroker(t)

	resp := b.handleSpawn(spawnRequest{
		Name:    "echoer",
		Runtime: "generic",
		Argv:    []string{"/bin/sh", "-c", "cat"},
	})
	require.True(t, resp.OK)
	require.NotZero(t, resp.Pid)
	assert.NotNil(t, b.registry.Lookup("echoer"))

	release := b.handleRelease(releaseRequest{Name: "echoer", GraceMs: 50})
	assert.True(t, release.OK)
	assert.Nil(t, b.registry.Lookup("echoer"))
}

func TestHandleSpawnRejectsDuplicateName(t *testing.T) {
	b, _ := newTestBroker(t)
	first := b.handleSpawn(spawnRequest{Name: "echoer", Argv: []string{"/bin/sh", "-c", "cat"}})
	require.True(t, first.OK)
	t.Cleanup(func() { b.handleRelease(releaseRequest{Name: "echoer"}) })

	second := b.handleSpawn(spawnRequest{Name: "echoer", Argv: []string{"/bin/sh", "-c", "cat"}})
	assert.True(t, second.Error)
	assert.Equal(t, "name_conflict", second.Reason)
}

func TestHandleReleaseFailsInFlightDeliveries(t *testing.T) {
	b, _ := newTestBroker(t)
	spawn := b.handleSpawn(spawnRequest{Name: "echoer", Argv: []string{"/bin/sh", "-c", "cat"}})
	require.True(t, spawn.OK)

	b.handleSendMessage(sendMessageRequest{To: "echoer", Text: "hi", From: "user"})
	require.Equal(t, 1, b.sched.Depth("echoer"))

	release := b.handleRelease(releaseRequest{Name: "echoer"})
	assert.True(t, release.OK)
	assert.Equal(t, 0, b.sched.Depth("echoer"))
}

func TestOnEchoDedupesAgainstLocalPublish(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1", "general")

	b.dedup.Insert("evt-1")
	b.onEcho(cloudEchoFixture("evt-1", "general"))

	assert.Equal(t, 0, b.sched.Depth("a1"))
}

func TestOnEchoDeliversGenuineInboundMessageToSubscribers(t *testing.T) {
	b, _ := newTestBroker(t)
	registerAgent(t, b, "a1", "general")

	b.onEcho(cloudEchoFixture("evt-2", "general"))

	assert.Equal(t, 1, b.sched.Depth("a1"))
	assert.True(t, b.dedup.Seen("evt-2"))
}

func TestDispatchSpawnWritesReplyFrameWithMatchingID(t *testing.T) {
	b, out := newTestBroker(t)
	payload, err := json.Marshal(spawnRequest{Name: "echoer", Argv: []string{"/bin/sh", "-c", "cat"}})
	require.NoError(t, err)

	b.dispatch(&codec.Frame{V: 1, Type: "spawn", ID: "req-1", Payload: payload})
	t.Cleanup(func() { b.handleRelease(releaseRequest{Name: "echoer"}) })

	reader := codec.NewReader(bytes.NewReader(out.Bytes()))
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "spawn_reply", frame.Type)
	assert.Equal(t, "req-1", frame.ID)

	var resp spawnResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.True(t, resp.OK)
}
