// Package broker is the Broker Core: the single-threaded event loop that
// owns every other component (spec §4.10) and is the only goroutine
// permitted to mutate Registry, Scheduler, Delivery Engine, Dedup Cache, or
// Persistence state. Every other goroutine in this repository communicates
// with it by pushing an immutable event onto one channel (spec §5, "Shared-
// resource policy").
package broker

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/brokerd/pkg/cloudmirror"
	"github.com/agentmesh/brokerd/pkg/codec"
	"github.com/agentmesh/brokerd/pkg/config"
	"github.com/agentmesh/brokerd/pkg/dedup"
	"github.com/agentmesh/brokerd/pkg/delivery"
	"github.com/agentmesh/brokerd/pkg/events"
	"github.com/agentmesh/brokerd/pkg/log"
	"github.com/agentmesh/brokerd/pkg/persistence"
	"github.com/agentmesh/brokerd/pkg/ptysuper"
	"github.com/agentmesh/brokerd/pkg/registry"
	"github.com/agentmesh/brokerd/pkg/scanner"
	"github.com/agentmesh/brokerd/pkg/sched"
	"github.com/agentmesh/brokerd/pkg/types"
)

const (
	defaultRingCapacity = 256 * 1024
	dedupSeedFileName   = "dedup_seeds.db"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// coreEvent is the single shape every outside goroutine uses to talk to the
// core. Exactly one field group is populated per kind.
type coreEvent struct {
	kind string

	frame *codec.Frame // kind == "request"

	agent      string // kind == "pty_output"
	overflowed bool

	publishJob *types.OutboundPublishJob // kind == "publish_abandoned"

	echo cloudmirror.InboundEcho // kind == "echo"

	fn func() // kind == "run": an arbitrary timer-expiry mutation to apply on-core
}

// Broker wires together every component described in SPEC_FULL.md §4 and
// drives them from one goroutine.
type Broker struct {
	cfg   config.Config
	clock Clock

	registry  *registry.Registry
	sched     *sched.Scheduler
	delivery  *delivery.Engine
	dedup     *dedup.Cache
	dedupSeed *dedup.Store
	scanner   *scanner.Scanner
	store     *persistence.Store
	bus       *events.Broker

	publisher  *cloudmirror.Publisher
	publishCh  chan *types.OutboundPublishJob
	echoStream *cloudmirror.EchoStream
	cloudOn    bool

	in  *codec.Reader
	out io.Writer

	outMu sync.Mutex

	events chan coreEvent

	processes map[string]*ptysuper.Process

	awaitingEcho     map[string]*types.PendingDelivery // agent -> delivery awaiting echo
	awaitingActivity map[string]*types.PendingDelivery // agent -> delivery awaiting activity
	verifiedAt       map[string]time.Time              // agent -> time verified (for activity latency)
	lastScanOffset   map[string]int64

	lastCompaction time.Time

	stopping bool
	cancel   context.CancelFunc
}

// New constructs a Broker against cfg, reading requests from in and writing
// responses/unsolicited events to out.
func New(cfg config.Config, in io.Reader, out io.Writer) (*Broker, error) {
	store, err := persistence.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	dedupSeed, err := dedup.OpenStore(filepath.Join(cfg.StateDir, dedupSeedFileName))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := events.NewBroker()
	bus.Start()

	reg := registry.New(nil)
	engine := delivery.New(bus)
	engine.EchoWindow = time.Duration(cfg.EchoWindowMs) * time.Millisecond
	engine.ActivityWindow = time.Duration(cfg.ActivityWindowMs) * time.Millisecond
	if len(cfg.RetryBackoffMs) > 0 {
		backoff := make([]time.Duration, len(cfg.RetryBackoffMs))
		for i, ms := range cfg.RetryBackoffMs {
			backoff[i] = time.Duration(ms) * time.Millisecond
		}
		engine.RetryBackoff = backoff
	}

	schedSrc := reg
	s := sched.New(schedSrc)

	dedupCache := dedup.New(cfg.DedupCap, time.Duration(cfg.DedupTTLMs)*time.Millisecond, nil)

	var sets map[string]*scanner.PatternSet
	if cfg.ActivityPatternsPath != "" {
		loaded, err := scanner.LoadPatternSets(cfg.ActivityPatternsPath)
		if err != nil {
			log.Logger.Warn().Err(err).Str("path", cfg.ActivityPatternsPath).Msg("falling back to generic output patterns")
		} else {
			sets = loaded
		}
	}
	scan := scanner.New(sets)

	b := &Broker{
		cfg:              cfg,
		clock:            time.Now,
		registry:         reg,
		sched:            s,
		delivery:         engine,
		dedup:            dedupCache,
		dedupSeed:        dedupSeed,
		scanner:          scan,
		store:            store,
		bus:              bus,
		in:               codec.NewReader(in),
		out:              out,
		events:           make(chan coreEvent, 4096),
		processes:        make(map[string]*ptysuper.Process),
		awaitingEcho:     make(map[string]*types.PendingDelivery),
		awaitingActivity: make(map[string]*types.PendingDelivery),
		verifiedAt:       make(map[string]time.Time),
		lastScanOffset:   make(map[string]int64),
	}

	// Every timer-expiry mutation routes back through this one core event
	// channel (spec §5) instead of running on the timer's own goroutine,
	// which is what let onEchoTimeout/onActivityTimeout/the retry callback
	// race onPTYOutput/Tick for byMessageTarget and the Scheduler's queues.
	engine.Dispatch = func(fn func()) {
		b.pushEvent(coreEvent{kind: "run", fn: fn})
	}
	engine.OnRetryReady = func(d *types.PendingDelivery) {
		b.sched.Enqueue(d)
	}

	s.OnShed = func(d *types.PendingDelivery) {
		b.delivery.Cancel(d, types.FailureShed)
	}

	if cfg.CloudEndpoint != "" {
		b.cloudOn = true
		b.publisher = cloudmirror.NewPublisher(cfg.CloudEndpoint, cfg.CloudToken)
		b.publishCh = make(chan *types.OutboundPublishJob, cfg.MaxQueueDepth)
		// publish_failed is only ever surfaced to clients once a job is
		// abandoned (spec §7): a transient per-attempt failure is retried
		// internally by the Publisher and never reaches the core at all.
		b.publisher.OnAbandoned = func(job *types.OutboundPublishJob) {
			b.pushEvent(coreEvent{kind: "publish_abandoned", publishJob: job})
		}

		wsEndpoint := toWebSocketEndpoint(cfg.CloudEndpoint)
		b.echoStream = cloudmirror.NewEchoStream(wsEndpoint, cfg.CloudToken)
		b.echoStream.OnEcho = func(e cloudmirror.InboundEcho) {
			b.pushEvent(coreEvent{kind: "echo", echo: e})
		}
	}

	return b, nil
}

func toWebSocketEndpoint(httpEndpoint string) string {
	switch {
	case strings.HasPrefix(httpEndpoint, "https://"):
		return "wss://" + strings.TrimPrefix(httpEndpoint, "https://") + "/stream"
	case strings.HasPrefix(httpEndpoint, "http://"):
		return "ws://" + strings.TrimPrefix(httpEndpoint, "http://") + "/stream"
	default:
		return httpEndpoint
	}
}

func (b *Broker) pushEvent(ev coreEvent) {
	select {
	case b.events <- ev:
	default:
		log.Logger.Warn().Str("kind", ev.kind).Msg("core event queue full, dropping event")
	}
}

func newMessageID() string { return uuid.NewString() }
