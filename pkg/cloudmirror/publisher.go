// Package cloudmirror is the Cloud Mirror: a fire-and-forget HTTP publisher
// with exponential backoff retry for outbound messages, and a long-lived
// WebSocket client for the inbound echo stream, with reconnect and bounded
// catch-up. Authentication never rides in the URL query string (spec
// §4.8): publishes carry it in an Authorization header and the echo stream
// sends it as a WebSocket subprotocol token. Sending the token in the first
// post-handshake frame is not implemented; Config.CloudTokenSource is not
// read.
package cloudmirror

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/log"
	"github.com/agentmesh/brokerd/pkg/metrics"
	"github.com/agentmesh/brokerd/pkg/types"
)

const (
	publishBackoffBase = 500 * time.Millisecond
	publishBackoffCap  = 30 * time.Second
	maxPublishAttempts = 10
)

// publishBody is the wire shape POSTed to the cloud relay's /publish
// endpoint (spec §6, "Cloud relay").
type publishBody struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	EventID string `json:"event_id"`
}

// Publisher drains Outbound Publish Jobs against the cloud relay's HTTP
// endpoint.
type Publisher struct {
	Endpoint string
	Token    string
	Client   *http.Client

	// BackoffBase, BackoffCap and MaxAttempts default to the spec's
	// publishBackoffBase/publishBackoffCap/maxPublishAttempts but are
	// exposed so tests can shrink the retry ladder without waiting out
	// real wall-clock backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int

	// OnAbandoned is called when a job exhausts MaxAttempts, for the
	// caller to dead-letter it to persistence with state "abandoned".
	OnAbandoned func(*types.OutboundPublishJob)
	// OnOutcome is called after every attempt, success or failure, so the
	// caller can mirror publish_ok / publish_failed back onto the control
	// channel per spec §4.10's "Cloud events".
	OnOutcome func(job *types.OutboundPublishJob, ok bool, err error)
}

// NewPublisher constructs a Publisher with a sane default HTTP client and
// the spec's default backoff ladder.
func NewPublisher(endpoint, token string) *Publisher {
	return &Publisher{
		Endpoint:    endpoint,
		Token:       token,
		Client:      &http.Client{Timeout: 10 * time.Second},
		BackoffBase: publishBackoffBase,
		BackoffCap:  publishBackoffCap,
		MaxAttempts: maxPublishAttempts,
	}
}

// Run drains jobs from ch until ctx is canceled, publishing each with its
// own independent retry loop so one stuck job never head-of-line-blocks
// another.
func (p *Publisher) Run(ctx context.Context, ch <-chan *types.OutboundPublishJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-ch:
			if !ok {
				return
			}
			go p.publishWithRetry(ctx, job)
		}
	}
}

func (p *Publisher) publishWithRetry(ctx context.Context, job *types.OutboundPublishJob) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BackoffBase
	bo.MaxInterval = p.BackoffCap
	bo.RandomizationFactor = 0.2 // +-20% jitter
	bo.MaxElapsedTime = 0        // attempt count governs termination, not elapsed wall time

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = maxPublishAttempts
	}

	attempts := 0
	operation := func() error {
		attempts++
		job.Attempts = attempts
		err := p.publishOnce(ctx, job)
		if err != nil {
			metrics.PublishAttemptsTotal.WithLabelValues("retry").Inc()
			if p.OnOutcome != nil {
				p.OnOutcome(job, false, err)
			}
			if attempts >= maxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		job.State = types.PublishAbandoned
		metrics.PublishAttemptsTotal.WithLabelValues("abandoned").Inc()
		log.WithMessage(job.MessageID).Warn().Err(err).Int("attempts", attempts).Msg("publish abandoned after max attempts")
		if p.OnAbandoned != nil {
			p.OnAbandoned(job)
		}
		return
	}

	job.State = types.PublishOK
	metrics.PublishAttemptsTotal.WithLabelValues("ok").Inc()
	if p.OnOutcome != nil {
		p.OnOutcome(job, true, nil)
	}
}

func (p *Publisher) publishOnce(ctx context.Context, job *types.OutboundPublishJob) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PublishDuration)

	body, err := json.Marshal(publishBody{
		Channel: job.TargetChannel,
		Text:    job.Body,
		EventID: job.MessageID,
	})
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "marshal publish body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/publish", bytes.NewReader(body))
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "build publish request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return brokererr.Wrap(brokererr.KindPublishFailed, "publish request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return brokererr.New(brokererr.KindPublishFailed, "publish rejected with status "+resp.Status)
	}
	return nil
}
