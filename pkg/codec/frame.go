// Package codec implements the broker's control-channel wire format:
// 4-byte big-endian length-prefixed JSON frames. The codec is stateless
// per direction so parsing resumes cleanly after a partial read.
package codec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/agentmesh/brokerd/pkg/brokererr"
)

// MaxFrameSize is the largest payload (length-prefix value) accepted.
// Frames whose declared length exceeds this are rejected with
// brokererr.KindFrameTooLarge before any payload bytes are read.
const MaxFrameSize = 1 << 20 // 1 MiB

const lengthPrefixSize = 4

// Frame is the decoded shape of a single control-channel message.
type Frame struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	TS        int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// WriteFrame serializes f to JSON and writes it to w as a length-prefixed
// frame. It returns brokererr.KindFrameTooLarge if the encoded payload
// exceeds MaxFrameSize.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "marshal frame", err)
	}
	if len(body) > MaxFrameSize {
		return brokererr.New(brokererr.KindFrameTooLarge, "encoded frame exceeds maximum size")
	}

	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "write frame length", err)
	}
	if _, err := w.Write(body); err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "write frame body", err)
	}
	return nil
}

// Reader decodes a stream of length-prefixed frames from an underlying
// io.Reader, buffering across partial reads.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame blocks until one full frame has been read and decoded, or
// returns an error. io.EOF is returned verbatim when the stream ends
// cleanly between frames.
func (r *Reader) ReadFrame() (*Frame, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, brokererr.Wrap(brokererr.KindIOError, "truncated frame length prefix", err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, brokererr.New(brokererr.KindFrameTooLarge, "declared frame length exceeds maximum size")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "truncated frame body", err)
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "decode frame json", err)
	}
	return &f, nil
}
