package cloudmirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorAdvanceAndAfter(t *testing.T) {
	c := NewCursor()
	assert.Equal(t, "", c.After("general"))

	c.Advance("general", "evt-1")
	assert.Equal(t, "evt-1", c.After("general"))

	c.Advance("general", "evt-2")
	assert.Equal(t, "evt-2", c.After("general"))
	assert.Equal(t, "", c.After("other"))
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	d1 := backoffDelay(1)
	d2 := backoffDelay(2)
	d3 := backoffDelay(3)

	assert.GreaterOrEqual(t, d1, reconnectBase)
	assert.Less(t, d1, reconnectBase+reconnectBase/5+time.Millisecond)

	assert.GreaterOrEqual(t, d2, 2*reconnectBase)
	assert.GreaterOrEqual(t, d3, 4*reconnectBase)

	// Large attempt counts must saturate at the cap plus jitter, never grow
	// unbounded.
	dHuge := backoffDelay(40)
	assert.LessOrEqual(t, dHuge, reconnectCap+reconnectCap/5+time.Millisecond)
}

func TestRunOnceReceivesEchoesAndSendsCatchUp(t *testing.T) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"bearer.secret-token"},
	}

	var gotSubprotocol string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		gotSubprotocol = conn.Subprotocol()

		_, _, err = conn.ReadMessage() // the catch-up control frame
		require.NoError(t, err)

		require.NoError(t, conn.WriteJSON(InboundEcho{
			EventID: "evt-99",
			Channel: "general",
			From:    "agent-a",
			Text:    "hello",
			TS:      1234,
		}))

		// Keep the connection open briefly so the client's read loop has
		// time to process the frame before we close.
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	es := NewEchoStream(wsURL, "secret-token")
	es.Cursor.Advance("general", "evt-1")

	received := make(chan InboundEcho, 1)
	es.OnEcho = func(e InboundEcho) { received <- e }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := es.runOnce(ctx)
	// runOnce returns an error once the server closes the connection; that's
	// expected — we only care that the echo was delivered before that.
	_ = err

	select {
	case echo := <-received:
		assert.Equal(t, "evt-99", echo.EventID)
		assert.Equal(t, "general", echo.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive echo frame in time")
	}

	assert.Equal(t, "bearer.secret-token", gotSubprotocol)
	assert.Equal(t, "evt-99", es.Cursor.After("general"))
}
