package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &Frame{
		V:       1,
		Type:    "send_message",
		ID:      "evt-1",
		TS:      1700000000,
		Payload: json.RawMessage(`{"to":"claude-1","text":"hi"}`),
	}
	require.NoError(t, WriteFrame(&buf, in))

	r := NewReader(&buf)
	out, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, in.V, out.V)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.ID, out.ID)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, MaxFrameSize+1)
	for i := range huge {
		huge[i] = 'x'
	}
	f := &Frame{V: 1, Type: "send_message", Payload: json.RawMessage(`"` + string(huge) + `"`)}

	var buf bytes.Buffer
	err := WriteFrame(&buf, f)
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindFrameTooLarge))
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf.Write(lenBuf[:])

	_, err := NewReader(&buf).ReadFrame()
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindFrameTooLarge))
}

func TestReadFrameResumesAfterPartialRead(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteFrame(&full, &Frame{V: 1, Type: "list_agents", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, WriteFrame(&full, &Frame{V: 1, Type: "shutdown", Payload: json.RawMessage(`{}`)}))

	pr, pw := io.Pipe()
	go func() {
		data := full.Bytes()
		// Write in small chunks to exercise buffering across partial reads.
		for i := 0; i < len(data); i += 3 {
			end := i + 3
			if end > len(data) {
				end = len(data)
			}
			_, _ = pw.Write(data[i:end])
		}
		pw.Close()
	}()

	r := NewReader(pr)
	f1, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "list_agents", f1.Type)

	f2, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "shutdown", f2.Type)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}
