package broker

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/agentmesh/brokerd/pkg/cloudmirror"
	"github.com/agentmesh/brokerd/pkg/codec"
	"github.com/agentmesh/brokerd/pkg/events"
	"github.com/agentmesh/brokerd/pkg/log"
	"github.com/agentmesh/brokerd/pkg/persistence"
	"github.com/agentmesh/brokerd/pkg/ptysuper"
	"github.com/agentmesh/brokerd/pkg/sched"
	"github.com/agentmesh/brokerd/pkg/types"
)

const defaultReleaseGrace = 2 * time.Second

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// Run starts every I/O goroutine and drives the single-threaded core loop
// until ctx is canceled or a shutdown request is handled. It replays
// persisted state before accepting new requests.
func (b *Broker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()
	defer b.store.Close()
	defer b.dedupSeed.Close()

	if err := b.recover(); err != nil {
		return err
	}

	go b.readRequests(ctx)

	ticker := time.NewTicker(sched.TickInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.pushEvent(coreEvent{kind: "tick"})
			}
		}
	}()

	if b.cloudOn {
		go b.publisher.Run(ctx, b.publishCh)
		go b.echoStream.Run(ctx)
	}

	sub := b.bus.Subscribe()
	go b.forwardEvents(ctx, sub)

	for {
		select {
		case <-ctx.Done():
			b.finalizeShutdown()
			return nil
		case ev := <-b.events:
			b.handle(ev)
			if b.stopping {
				b.finalizeShutdown()
				return nil
			}
		}
	}
}

// recover loads persisted dedup seeds, tries to reattach every agent in the
// registry snapshot, and replays the pending-deliveries log (spec §4.9).
// ptysuper.Attach cannot reacquire a PTY master across a restart, so no
// snapshot agent is re-registered; replayed non-terminal deliveries whose
// target is not registered are marked failed(agent_gone) and not requeued.
func (b *Broker) recover() error {
	if err := b.dedupSeed.LoadSeeds(b.dedup); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to load persisted dedup seeds")
	}

	snapshot, err := persistence.LoadSnapshot(b.cfg.StateDir)
	if err != nil {
		return err
	}
	for _, a := range snapshot {
		if _, err := ptysuper.Attach(ptysuper.AttachHandle{Pid: a.Pid, Pgid: a.Pgid}); err != nil {
			log.Logger.Info().Str("agent", a.Name).Msg("agent from prior run is gone, not reattaching")
			continue
		}
	}

	return persistence.ReplayPending(b.cfg.StateDir, func(rec persistence.PendingRecord) error {
		if rec.Delivery == nil {
			return nil
		}
		d := rec.Delivery
		if d.Terminal() {
			return nil
		}
		if b.registry.Lookup(d.To) == nil {
			d.State = types.DeliveryFailed
			d.Reason = types.FailureAgentGone
			return nil
		}
		b.delivery.Accept(d)
		b.sched.Enqueue(d)
		return nil
	})
}

func (b *Broker) readRequests(ctx context.Context) {
	for {
		frame, err := b.in.ReadFrame()
		if err != nil {
			if err != io.EOF {
				log.Logger.Warn().Err(err).Msg("control channel read failed")
			}
			b.pushEvent(coreEvent{kind: "shutdown"})
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		b.pushEvent(coreEvent{kind: "request", frame: frame})
	}
}

func (b *Broker) handle(ev coreEvent) {
	switch ev.kind {
	case "request":
		b.dispatch(ev.frame)
	case "tick":
		b.onTick()
	case "pty_output":
		b.onPTYOutput(ev.agent, ev.overflowed)
	case "publish_abandoned":
		b.onPublishAbandoned(ev.publishJob)
	case "echo":
		b.onEcho(ev.echo)
	case "run":
		ev.fn()
	case "shutdown":
		b.stopping = true
	}
}

func (b *Broker) onTick() {
	now := b.clock()
	b.sched.Tick(now, b.onSchedulerReady)

	if b.store.ShouldSnapshot(now) {
		b.writeSnapshotNow(now)
	}

	if persistence.NeedsCompaction(b.store.PendingLogSize(), b.lastCompaction, now) {
		live := make(map[string]*types.PendingDelivery)
		for _, d := range b.collectLiveDeliveries() {
			live[d.MessageID] = d
		}
		if err := b.store.Compact(live, now); err != nil {
			log.Logger.Warn().Err(err).Msg("pending log compaction failed")
		}
		if err := b.dedupSeed.Prune(time.Duration(b.cfg.DedupTTLMs)*time.Millisecond, now); err != nil {
			log.Logger.Warn().Err(err).Msg("dedup seed prune failed")
		}
		b.lastCompaction = now
	}
}

func (b *Broker) collectLiveDeliveries() []*types.PendingDelivery {
	var out []*types.PendingDelivery
	for _, d := range b.awaitingEcho {
		out = append(out, d)
	}
	for _, d := range b.awaitingActivity {
		out = append(out, d)
	}
	return out
}

func (b *Broker) onSchedulerReady(d *types.PendingDelivery) {
	proc, ok := b.processes[d.To]
	if !ok {
		b.delivery.Cancel(d, types.FailureAgentGone)
		return
	}

	now := b.clock()
	offset := proc.Ring.Offset()
	if err := b.delivery.Inject(context.Background(), d, proc, []byte(d.Body), offset); err != nil {
		b.registry.RecordFailure(d.To, d.Reason)
		return
	}
	b.registry.NoteInjection(d.To, now)
	b.awaitingEcho[d.To] = d

	if err := b.store.AppendPending(persistence.PendingRecord{
		Kind: persistence.RecordTransition, MessageID: d.MessageID, To: d.To, At: now, Delivery: d,
	}); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to append injection record")
	}
}

func (b *Broker) startReadLoop(name string, proc *ptysuper.Process) {
	ctx := context.Background()
	go proc.ReadLoop(ctx, func(overflowed bool) {
		b.pushEvent(coreEvent{kind: "pty_output", agent: name, overflowed: overflowed})
	})
}

func (b *Broker) onPTYOutput(agent string, overflowed bool) {
	proc, ok := b.processes[agent]
	if !ok {
		return
	}
	a := b.registry.Lookup(agent)
	if a == nil {
		return
	}

	now := b.clock()
	offset := proc.Ring.Offset()
	lastOffset := b.lastScanOffset[agent]
	delta := offset - lastOffset
	if delta < 0 {
		delta = 0
	}
	b.registry.MarkOutput(agent, now, int(delta))
	b.lastScanOffset[agent] = offset

	if overflowed {
		b.bus.Publish(&events.Event{Type: events.EventOutputTruncated, Metadata: map[string]string{"agent": agent}})
	}

	buf := proc.Ring.Snapshot()
	bufStart := offset - int64(len(buf))

	if d, waiting := b.awaitingEcho[agent]; waiting {
		if echoOffset, found := b.scanner.ScanEcho(a.Runtime, buf, bufStart, d.InjectedOffset, d.Body, 0); found {
			_ = echoOffset
			delete(b.awaitingEcho, agent)
			b.delivery.OnEchoMatch(d)
			b.registry.RecordSuccess(agent)
			b.verifiedAt[agent] = now
			b.awaitingActivity[agent] = d
		}
	}

	if d, waiting := b.awaitingActivity[agent]; waiting {
		if b.scanner.ScanActivity(a.Runtime, buf) {
			delete(b.awaitingActivity, agent)
			b.delivery.OnActivityObserved(d, b.verifiedAt[agent])
		}
	}

	if b.scanner.ScanIdle(a.Runtime, buf) {
		wasSpawning := a.State == types.AgentSpawning
		b.registry.MarkIdle(agent, now)
		if wasSpawning {
			b.bus.Publish(&events.Event{Type: events.EventAgentReady, Metadata: map[string]string{"agent": agent}})
		}
	}
}

// onPublishAbandoned reports a cloud publish as permanently failed once the
// Publisher has exhausted its retry ladder. Transient per-attempt failures
// never reach here — only OnAbandoned triggers this (spec §7).
func (b *Broker) onPublishAbandoned(job *types.OutboundPublishJob) {
	b.bus.Publish(&events.Event{
		Type:     events.EventPublishFailed,
		Message:  job.MessageID,
		Metadata: map[string]string{"channel": job.TargetChannel},
	})
}

// onEcho handles an inbound cloud echo frame. An id already present in the
// Dedup Cache means it was pre-seeded at local publish time, so the echo is
// this broker's own message bouncing back off the relay: dropped silently.
// A miss means a genuine cross-machine message, which enters the local
// delivery pipeline for this broker's resolved channel members (spec
// §4.7/§4.8).
func (b *Broker) onEcho(echo cloudmirror.InboundEcho) {
	if b.dedup.Seen(echo.EventID) {
		return
	}
	b.dedup.Insert(echo.EventID)

	now := b.clock()
	for _, target := range b.registry.ResolveTargets("#" + echo.Channel) {
		d := &types.PendingDelivery{
			MessageID:  echo.EventID,
			From:       echo.From,
			To:         target,
			Body:       echo.Text,
			Priority:   types.DefaultChannelPriority,
			EnqueuedAt: now,
			State:      types.DeliveryQueued,
		}
		b.delivery.Accept(d)
		b.sched.Enqueue(d)
	}
}

func (b *Broker) writeSnapshotNow(now time.Time) {
	agents := b.registry.List()
	snaps := make([]persistence.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		channels := make(map[string]bool, len(a.Channels))
		for ch := range a.Channels {
			channels[ch] = true
		}
		snaps = append(snaps, persistence.AgentSnapshot{
			Name: a.Name, Runtime: a.Runtime, Pid: a.Pid, Pgid: a.Pgid,
			SpawnArgs: a.SpawnArgs, Cwd: a.Cwd, ConnectedAt: a.ConnectedAt, Channels: channels,
		})
	}
	if err := b.store.WriteSnapshot(snaps, now); err != nil {
		log.Logger.Warn().Err(err).Msg("registry snapshot write failed")
	}
}

func (b *Broker) snapshotSoon() {
	if b.store.ShouldSnapshot(b.clock()) {
		b.writeSnapshotNow(b.clock())
	}
}

// finalizeShutdown writes a final registry snapshot and then drains the
// queued publish jobs into pending.jsonl as enqueue records. The state
// directory lock is released afterwards by Run's deferred store.Close.
func (b *Broker) finalizeShutdown() {
	now := b.clock()
	b.writeSnapshotNow(now)

	if b.publishCh != nil {
		drain := true
		for drain {
			select {
			case job, ok := <-b.publishCh:
				if !ok {
					drain = false
					break
				}
				if err := b.store.AppendPending(persistence.PendingRecord{
					Kind: persistence.RecordEnqueue, MessageID: job.MessageID, At: now,
				}); err != nil {
					log.Logger.Warn().Err(err).Msg("failed to persist drained publish job")
				}
			default:
				drain = false
			}
		}
	}
}

// reply marshals resp as the payload of a response frame with the same id
// and echoes request_id, and writes it to the control channel.
func (b *Broker) reply(id, requestID, reqType string, resp any) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to marshal response payload")
		return
	}
	frame := &codec.Frame{
		V:         1,
		Type:      reqType + "_reply",
		ID:        id,
		TS:        b.clock().UnixMilli(),
		Payload:   payload,
		RequestID: requestID,
	}
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if err := codec.WriteFrame(b.out, frame); err != nil {
		log.Logger.Error().Err(err).Msg("failed to write response frame")
	}
}

// forwardEvents drains bus-published receipts and lifecycle events onto the
// control channel as unsolicited frames, matching spec §6's "Unsolicited
// events" list. It runs on its own goroutine: writing a frame is I/O, not a
// core-state mutation, so it does not need to go through the core's event
// channel.
func (b *Broker) forwardEvents(ctx context.Context, sub events.Subscriber) {
	defer b.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			b.writeEventFrame(ev)
		}
	}
}

func (b *Broker) writeEventFrame(ev *events.Event) {
	payload, err := json.Marshal(map[string]string{
		"message_id": ev.Message,
		"agent":      ev.Metadata["agent"],
		"reason":     ev.Metadata["reason"],
		"certainty":  ev.Metadata["certainty"],
	})
	if err != nil {
		return
	}
	frame := &codec.Frame{
		V:       1,
		Type:    string(ev.Type),
		ID:      newMessageID(),
		TS:      ev.Timestamp.UnixMilli(),
		Payload: payload,
	}
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if err := codec.WriteFrame(b.out, frame); err != nil {
		log.Logger.Error().Err(err).Msg("failed to write event frame")
	}
}
