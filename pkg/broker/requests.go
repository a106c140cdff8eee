package broker

import (
	"encoding/json"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/codec"
	"github.com/agentmesh/brokerd/pkg/log"
	"github.com/agentmesh/brokerd/pkg/persistence"
	"github.com/agentmesh/brokerd/pkg/ptysuper"
	"github.com/agentmesh/brokerd/pkg/types"
)

// Control-channel request payloads (spec §6).

type spawnRequest struct {
	Name     string   `json:"name"`
	Runtime  string   `json:"runtime"`
	Argv     []string `json:"argv"`
	Cwd      string   `json:"cwd"`
	Env      []string `json:"env,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

type spawnResponse struct {
	OK     bool   `json:"ok,omitempty"`
	Pid    int    `json:"pid,omitempty"`
	Error  bool   `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type releaseRequest struct {
	Name    string `json:"name"`
	GraceMs int    `json:"grace_ms,omitempty"`
}

type releaseResponse struct {
	OK       bool `json:"ok,omitempty"`
	ExitCode int  `json:"exit_code,omitempty"`
}

type sendMessageRequest struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	From     string `json:"from"`
	ThreadID string `json:"thread_id,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type sendMessageResponse struct {
	MessageID    string   `json:"message_id"`
	LocalTargets []string `json:"local_targets"`
	Published    bool     `json:"published"`
}

type setSubscriptionRequest struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type listAgentsEntry struct {
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Pid        int     `json:"pid"`
	Busyness   float64 `json:"busyness"`
	QueueDepth int     `json:"queue_depth"`
}

type getMetricsResponse struct {
	Agents         int            `json:"agents"`
	Deliveries     map[string]int `json:"deliveries"`
	DedupSize      int            `json:"dedup_size"`
	PublishBacklog int            `json:"publish_backlog"`
}

// dispatch decodes frame.Payload against frame.Type and runs the matching
// handler, replying on the control channel with the same id/request_id.
func (b *Broker) dispatch(frame *codec.Frame) {
	var reply any
	var replyErr error

	switch frame.Type {
	case "spawn":
		var req spawnRequest
		replyErr = json.Unmarshal(frame.Payload, &req)
		if replyErr == nil {
			reply = b.handleSpawn(req)
		}
	case "release":
		var req releaseRequest
		replyErr = json.Unmarshal(frame.Payload, &req)
		if replyErr == nil {
			reply = b.handleRelease(req)
		}
	case "send_message":
		var req sendMessageRequest
		replyErr = json.Unmarshal(frame.Payload, &req)
		if replyErr == nil {
			reply = b.handleSendMessage(req)
		}
	case "set_subscription":
		var req setSubscriptionRequest
		replyErr = json.Unmarshal(frame.Payload, &req)
		if replyErr == nil {
			reply = b.handleSetSubscription(req)
		}
	case "list_agents":
		reply = b.handleListAgents()
	case "get_metrics":
		reply = b.handleGetMetrics()
	case "shutdown":
		reply = b.handleShutdown()
	default:
		replyErr = brokererr.New(brokererr.KindInternal, "unknown request type: "+frame.Type)
	}

	if replyErr != nil {
		reply = spawnResponse{Error: true, Reason: replyErr.Error()}
	}
	b.reply(frame.ID, frame.RequestID, frame.Type, reply)
}

func (b *Broker) handleSpawn(req spawnRequest) spawnResponse {
	if existing := b.registry.Lookup(req.Name); existing != nil {
		return spawnResponse{Error: true, Reason: "name_conflict"}
	}

	proc, err := ptysuper.Spawn(ptysuper.SpawnRequest{
		Name:    req.Name,
		Argv:    req.Argv,
		Cwd:     req.Cwd,
		Env:     req.Env,
		RingCap: defaultRingCapacity,
	})
	if err != nil {
		return spawnResponse{Error: true, Reason: err.Error()}
	}

	channels := make(map[string]struct{}, len(req.Channels))
	for _, ch := range req.Channels {
		channels[ch] = struct{}{}
	}

	agent := &types.Agent{
		Name:        req.Name,
		Runtime:     req.Runtime,
		SpawnArgs:   req.Argv,
		Cwd:         req.Cwd,
		Env:         req.Env,
		Channels:    channels,
		Pid:         proc.Pid,
		Pgid:        proc.Pgid,
		State:       types.AgentSpawning,
		ConnectedAt: b.clock(),
	}
	if err := b.registry.Register(agent); err != nil {
		proc.Release(0)
		return spawnResponse{Error: true, Reason: err.Error()}
	}

	b.processes[req.Name] = proc
	b.startReadLoop(req.Name, proc)
	b.snapshotSoon()

	return spawnResponse{OK: true, Pid: proc.Pid}
}

func (b *Broker) handleRelease(req releaseRequest) releaseResponse {
	proc, ok := b.processes[req.Name]
	if !ok {
		return releaseResponse{OK: false}
	}

	for _, d := range b.sched.DrainAgent(req.Name) {
		b.delivery.Cancel(d, types.FailureAgentGone)
	}
	if d, ok := b.awaitingEcho[req.Name]; ok {
		b.delivery.Cancel(d, types.FailureAgentGone)
		delete(b.awaitingEcho, req.Name)
	}
	if d, ok := b.awaitingActivity[req.Name]; ok {
		b.delivery.Cancel(d, types.FailureAgentGone)
		delete(b.awaitingActivity, req.Name)
	}

	grace := defaultReleaseGrace
	if req.GraceMs > 0 {
		grace = msToDuration(req.GraceMs)
	}
	exitCode := proc.Release(grace)

	delete(b.processes, req.Name)
	b.registry.Remove(req.Name)
	b.snapshotSoon()

	return releaseResponse{OK: true, ExitCode: exitCode}
}

func (b *Broker) handleSendMessage(req sendMessageRequest) sendMessageResponse {
	targets := b.registry.ResolveTargets(req.To)
	messageID := newMessageID()
	priority := resolvePriority(req.To, req.Priority)
	now := b.clock()

	for _, target := range targets {
		d := &types.PendingDelivery{
			MessageID:  messageID,
			From:       req.From,
			To:         target,
			Body:       req.Text,
			ThreadID:   req.ThreadID,
			Priority:   priority,
			EnqueuedAt: now,
			State:      types.DeliveryQueued,
		}
		b.delivery.Accept(d)
		b.sched.Enqueue(d)
		if err := b.store.AppendPending(persistence.PendingRecord{
			Kind: persistence.RecordEnqueue, MessageID: messageID, To: target, At: now, Delivery: d,
		}); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to append pending record")
		}
	}

	b.dedup.Insert(messageID)

	published := false
	if b.cloudOn {
		job := &types.OutboundPublishJob{
			MessageID:     messageID,
			TargetChannel: req.To,
			Body:          req.Text,
			State:         types.PublishPending,
		}
		select {
		case b.publishCh <- job:
			published = true
			if err := b.dedupSeed.SaveSeed(messageID, now); err != nil {
				log.Logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to persist dedup seed")
			}
		default:
			log.Logger.Warn().Str("message_id", messageID).Msg("publish queue full, dropping outbound job")
		}
	}

	return sendMessageResponse{MessageID: messageID, LocalTargets: targets, Published: published}
}

func (b *Broker) handleSetSubscription(req setSubscriptionRequest) any {
	if err := b.registry.SetSubscription(req.Name, req.Channels); err != nil {
		return spawnResponse{Error: true, Reason: err.Error()}
	}
	return okResponse{OK: true}
}

func (b *Broker) handleListAgents() []listAgentsEntry {
	agents := b.registry.List()
	out := make([]listAgentsEntry, 0, len(agents))
	for _, a := range agents {
		out = append(out, listAgentsEntry{
			Name:       a.Name,
			State:      string(a.State),
			Pid:        a.Pid,
			Busyness:   a.Busyness,
			QueueDepth: b.sched.Depth(a.Name),
		})
	}
	return out
}

func (b *Broker) handleGetMetrics() getMetricsResponse {
	byState := b.delivery.CountByState()
	deliveries := make(map[string]int, len(byState))
	for state, n := range byState {
		deliveries[string(state)] = n
	}
	backlog := 0
	if b.publishCh != nil {
		backlog = len(b.publishCh)
	}
	return getMetricsResponse{
		Agents:         len(b.registry.List()),
		Deliveries:     deliveries,
		DedupSize:      b.dedup.Len(),
		PublishBacklog: backlog,
	}
}

func (b *Broker) handleShutdown() okResponse {
	b.stopping = true
	if b.cancel != nil {
		b.cancel()
	}
	return okResponse{OK: true}
}

func resolvePriority(to, requested string) types.Priority {
	switch requested {
	case "P0":
		return types.P0
	case "P1":
		return types.P1
	case "P2":
		return types.P2
	case "P3":
		return types.P3
	case "P4":
		return types.P4
	}
	if len(to) > 0 && to[0] == '#' {
		return types.DefaultChannelPriority
	}
	return types.DefaultDirectPriority
}
