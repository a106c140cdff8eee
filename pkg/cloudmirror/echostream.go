package cloudmirror

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/log"
	"github.com/agentmesh/brokerd/pkg/metrics"
)

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// InboundEcho is one frame received on the cloud relay's echo stream (spec
// §6, "Inbound: WebSocket stream").
type InboundEcho struct {
	EventID string `json:"event_id"`
	Channel string `json:"channel"`
	From    string `json:"from"`
	Text    string `json:"text"`
	TS      int64  `json:"ts"`
}

// Cursor tracks the last event id consumed per channel, so a reconnect can
// perform a bounded catch-up instead of replaying everything.
type Cursor struct {
	afterByChannel map[string]string
}

// NewCursor constructs an empty per-channel cursor.
func NewCursor() *Cursor {
	return &Cursor{afterByChannel: make(map[string]string)}
}

// Advance records eventID as the latest consumed id for channel.
func (c *Cursor) Advance(channel, eventID string) {
	c.afterByChannel[channel] = eventID
}

// After returns the last consumed event id for channel, or "" if none.
func (c *Cursor) After(channel string) string {
	return c.afterByChannel[channel]
}

// EchoStream maintains the long-lived inbound WebSocket connection with
// unbounded exponential-backoff reconnect.
type EchoStream struct {
	Endpoint string
	Token    string

	Cursor *Cursor

	// OnEcho is invoked for every inbound echo frame.
	OnEcho func(InboundEcho)
}

// NewEchoStream constructs an EchoStream against endpoint, authenticating
// via subprotocol token — never via URL query string, per spec §4.8.
func NewEchoStream(endpoint, token string) *EchoStream {
	return &EchoStream{Endpoint: endpoint, Token: token, Cursor: NewCursor()}
}

// Run connects and reconnects indefinitely until ctx is canceled.
func (s *EchoStream) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		attempt++
		metrics.WebSocketReconnectsTotal.Inc()
		delay := backoffDelay(attempt)
		log.Logger.Warn().Err(err).Dur("retry_in", delay).Msg("echo stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := reconnectBase * time.Duration(1<<uint(attempt-1))
	if d > reconnectCap || d <= 0 {
		d = reconnectCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5)) // up to 20% jitter
	return d + jitter
}

func (s *EchoStream) runOnce(ctx context.Context) error {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "parse echo stream endpoint", err)
	}

	header := make(map[string][]string)
	dialer := websocket.Dialer{
		Subprotocols: []string{"bearer." + s.Token}, // auth via subprotocol, never the URL
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "dial echo stream", err)
	}
	defer conn.Close()

	log.Logger.Info().Str("endpoint", s.Endpoint).Msg("echo stream connected")
	s.catchUp(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return brokererr.Wrap(brokererr.KindIOError, "echo stream read failed", err)
		}

		var echo InboundEcho
		if err := json.Unmarshal(data, &echo); err != nil {
			log.Logger.Warn().Err(err).Msg("dropping malformed echo frame")
			continue
		}

		s.Cursor.Advance(echo.Channel, echo.EventID)
		if s.OnEcho != nil {
			s.OnEcho(echo)
		}
	}
}

// catchUp sends a bounded catch-up request per known channel cursor using
// the connection's first post-handshake control frame, satisfying spec
// §4.8's requirement that auth/control data never ride the URL.
func (s *EchoStream) catchUp(conn *websocket.Conn) {
	for channel, after := range s.Cursor.afterByChannel {
		msg, err := json.Marshal(map[string]string{
			"type":    "catch_up",
			"channel": channel,
			"after":   after,
		})
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Logger.Warn().Err(err).Str("channel", channel).Msg("catch-up request failed")
		}
	}
}
