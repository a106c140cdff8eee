// Package registry is the Worker Registry: the single-writer table of
// known agents, their channel subscriptions, and the busyness/injection
// floor math the Scheduler consults before handing an agent more work.
//
// Only the Broker Core goroutine calls into a Registry instance, so no
// internal locking is needed; the single-threaded-core contract (spec §5)
// is what makes this safe, not a mutex.
package registry

import (
	"time"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/metrics"
	"github.com/agentmesh/brokerd/pkg/types"
)

const (
	busynessWindow       = 2 * time.Second
	pendingOutputWindow  = 200 * time.Millisecond
	backpressureThreshold = 0.8

	injectionFloorBase    = 50 * time.Millisecond
	injectionFloorCap     = 2000 * time.Millisecond
	injectionFloorMinimum = 25 * time.Millisecond
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// entry is the registry's internal bookkeeping for one agent, layering
// busyness inputs on top of the shared types.Agent record.
type entry struct {
	agent *types.Agent

	lastOutputBytes int
	outputSince     time.Time
	lastIdleAt      time.Time
	pendingOutput   bool

	lastInjectionAt time.Time
}

// Registry is the Worker Registry described in spec §4.2.
type Registry struct {
	clock Clock

	byName   map[string]*entry
	channels map[string]map[string]struct{} // channel -> set of agent names
	order    []string                       // insertion order, for "*" fan-out tie-break
}

// New constructs an empty Registry. clock defaults to time.Now when nil.
func New(clock Clock) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		clock:    clock,
		byName:   make(map[string]*entry),
		channels: make(map[string]map[string]struct{}),
	}
}

// Register adds a new agent record. It fails with brokererr.KindNameConflict
// if name is already registered to a non-gone agent.
func (r *Registry) Register(agent *types.Agent) error {
	if existing, ok := r.byName[agent.Name]; ok && existing.agent.State != types.AgentGone {
		return brokererr.New(brokererr.KindNameConflict, "agent name already registered: "+agent.Name)
	}

	if agent.Channels == nil {
		agent.Channels = make(map[string]struct{})
	}
	agent.InjectionFloorMs = int(injectionFloorMinimum.Milliseconds())

	r.byName[agent.Name] = &entry{agent: agent}
	r.order = append(r.order, agent.Name)

	for ch := range agent.Channels {
		r.joinChannel(agent.Name, ch)
	}

	metrics.AgentsTotal.WithLabelValues(string(agent.State)).Inc()
	return nil
}

// Lookup returns the agent record for name, or nil if not registered.
func (r *Registry) Lookup(name string) *types.Agent {
	e, ok := r.byName[name]
	if !ok {
		return nil
	}
	return e.agent
}

// ResolveTargets expands an addressee — an exact name, the wildcard "*", or
// a channel reference "#name" — into the ordered list of live agent names.
func (r *Registry) ResolveTargets(addressee string) []string {
	switch {
	case addressee == "*":
		out := make([]string, 0, len(r.order))
		for _, name := range r.order {
			if e := r.byName[name]; e != nil && e.agent.State != types.AgentGone {
				out = append(out, name)
			}
		}
		return out
	case len(addressee) > 0 && addressee[0] == '#':
		channel := addressee[1:]
		members := r.channels[channel]
		var out []string
		// Walk in registry insertion order so fan-out ordering is
		// deterministic even though membership is held in a set.
		for _, name := range r.order {
			if _, in := members[name]; in {
				if e := r.byName[name]; e != nil && e.agent.State != types.AgentGone {
					out = append(out, name)
				}
			}
		}
		return out
	default:
		if e, ok := r.byName[addressee]; ok && e.agent.State != types.AgentGone {
			return []string{addressee}
		}
		return nil
	}
}

// SetSubscription replaces an agent's channel membership wholesale.
func (r *Registry) SetSubscription(name string, channels []string) error {
	e, ok := r.byName[name]
	if !ok {
		return brokererr.New(brokererr.KindAgentGone, "unknown agent: "+name)
	}

	for ch := range e.agent.Channels {
		r.leaveChannel(name, ch)
	}

	e.agent.Channels = make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		r.joinChannel(name, ch)
	}
	return nil
}

func (r *Registry) joinChannel(name, channel string) {
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][name] = struct{}{}
	if e := r.byName[name]; e != nil {
		e.agent.Channels[channel] = struct{}{}
	}
}

func (r *Registry) leaveChannel(name, channel string) {
	delete(r.channels[channel], name)
	if len(r.channels[channel]) == 0 {
		delete(r.channels, channel)
	}
}

// MarkOutput records a PTY output observation for busyness scoring.
func (r *Registry) MarkOutput(name string, ts time.Time, nbytes int) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.agent.LastOutputAt = ts
	e.lastOutputBytes += nbytes
	if e.outputSince.IsZero() {
		e.outputSince = ts
	}
	e.pendingOutput = true
	r.recomputeBusyness(e, ts)
}

// MarkIdle records an idle-marker observation, which clears the
// pending-output indicator and, on first occurrence, promotes the agent
// out of "spawning" into "ready".
func (r *Registry) MarkIdle(name string, ts time.Time) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.lastIdleAt = ts
	e.pendingOutput = false
	if e.agent.State == types.AgentSpawning {
		e.agent.State = types.AgentReady
	}
	r.recomputeBusyness(e, ts)
}

func (r *Registry) recomputeBusyness(e *entry, now time.Time) {
	windowStart := now.Add(-busynessWindow)
	var rate float64
	if e.outputSince.After(windowStart) && !e.outputSince.Equal(now) {
		elapsed := now.Sub(e.outputSince).Seconds()
		if elapsed > 0 {
			rate = float64(e.lastOutputBytes) / elapsed
		}
	}

	baseline := 1024.0 // bytes/sec; a generic per-agent baseline absent calibration data
	rateComponent := rate / baseline
	if rateComponent > 1 {
		rateComponent = 1
	}

	pendingComponent := 0.0
	if e.pendingOutput && now.Sub(e.agent.LastOutputAt) <= pendingOutputWindow {
		pendingComponent = 1
	}

	score := 0.6*rateComponent + 0.4*pendingComponent
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	e.agent.Busyness = score
	metrics.AgentBusyness.WithLabelValues(e.agent.Name).Set(score)

	if score >= backpressureThreshold {
		if e.agent.State == types.AgentReady || e.agent.State == types.AgentActive {
			e.agent.State = types.AgentBusy
		}
	} else if e.agent.State == types.AgentBusy {
		e.agent.State = types.AgentActive
	}
}

// RecordSuccess records a verified delivery, halving the injection floor
// delay and resetting the consecutive-failure counter.
func (r *Registry) RecordSuccess(name string) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.agent.Seq++
	e.agent.ConsecutiveFailures = 0
	e.agent.ConsecutiveVerified++

	floor := time.Duration(e.agent.InjectionFloorMs) * time.Millisecond / 2
	if floor < injectionFloorMinimum {
		floor = injectionFloorMinimum
	}
	e.agent.InjectionFloorMs = int(floor.Milliseconds())
	metrics.AgentInjectionFloorMs.WithLabelValues(name).Set(float64(e.agent.InjectionFloorMs))
}

// RecordFailure records a failed delivery, doubling the injection floor
// delay (capped) and resetting the consecutive-success counter.
func (r *Registry) RecordFailure(name string, reason types.FailureReason) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.agent.Seq++
	e.agent.ConsecutiveVerified = 0
	e.agent.ConsecutiveFailures++

	current := time.Duration(e.agent.InjectionFloorMs) * time.Millisecond
	if current < injectionFloorBase {
		current = injectionFloorBase
	}
	floor := current * 2
	if floor > injectionFloorCap {
		floor = injectionFloorCap
	}
	e.agent.InjectionFloorMs = int(floor.Milliseconds())
	metrics.AgentInjectionFloorMs.WithLabelValues(name).Set(float64(e.agent.InjectionFloorMs))
}

// Busyness returns the agent's current busyness score, or 0 if unknown.
// Satisfies sched.BusynessSource.
func (r *Registry) Busyness(name string) float64 {
	e, ok := r.byName[name]
	if !ok {
		return 0
	}
	return e.agent.Busyness
}

// ReadyToInject reports whether enough time has passed since the agent's
// last injection to respect its current injection floor delay.
func (r *Registry) ReadyToInject(name string, now time.Time) bool {
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	floor := time.Duration(e.agent.InjectionFloorMs) * time.Millisecond
	return now.Sub(e.lastInjectionAt) >= floor
}

// NoteInjection records that an injection into name happened at now, for
// ReadyToInject's floor-delay bookkeeping.
func (r *Registry) NoteInjection(name string, now time.Time) {
	if e, ok := r.byName[name]; ok {
		e.lastInjectionAt = now
	}
}

// Remove transitions an agent to gone and frees its name for reuse, leaving
// channel memberships cleaned up.
func (r *Registry) Remove(name string) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	metrics.AgentsTotal.WithLabelValues(string(e.agent.State)).Dec()
	e.agent.State = types.AgentGone
	metrics.AgentsTotal.WithLabelValues(string(types.AgentGone)).Inc()

	for ch := range e.agent.Channels {
		r.leaveChannel(name, ch)
	}
	delete(r.byName, name)

	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns a snapshot of all non-removed agents in registration order.
func (r *Registry) List() []*types.Agent {
	out := make([]*types.Agent, 0, len(r.order))
	for _, name := range r.order {
		if e, ok := r.byName[name]; ok {
			out = append(out, e.agent)
		}
	}
	return out
}
