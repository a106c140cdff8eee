package persistence

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/agentmesh/brokerd/pkg/brokererr"
)

const (
	captureLogDir      = "logs"
	captureRotateBytes = 10 * 1024 * 1024
)

// CaptureLog is a per-agent raw PTY output capture file, rotated once it
// exceeds 10MiB with a single retained predecessor (<agent>.log.1).
type CaptureLog struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	written int64
}

// OpenCaptureLog opens (creating if needed) the capture log for agent under
// dir/logs/<agent>.log.
func OpenCaptureLog(dir, agent string) (*CaptureLog, error) {
	logsDir := filepath.Join(dir, captureLogDir)
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "create logs dir", err)
	}

	path := filepath.Join(logsDir, agent+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "open capture log", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, brokererr.Wrap(brokererr.KindIOError, "stat capture log", err)
	}
	return &CaptureLog{path: path, f: f, written: info.Size()}, nil
}

// Write appends chunk to the capture log, rotating first if it would push
// the file past captureRotateBytes.
func (c *CaptureLog) Write(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.written+int64(len(chunk)) > captureRotateBytes {
		if err := c.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := c.f.Write(chunk)
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "write capture log", err)
	}
	c.written += int64(n)
	return nil
}

func (c *CaptureLog) rotateLocked() error {
	if err := c.f.Close(); err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "close capture log before rotate", err)
	}

	predecessor := c.path + ".1"
	_ = os.Remove(predecessor)
	if err := os.Rename(c.path, predecessor); err != nil && !os.IsNotExist(err) {
		return brokererr.Wrap(brokererr.KindIOError, "rotate capture log", err)
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "reopen capture log after rotate", err)
	}
	c.f = f
	c.written = 0
	return nil
}

// Close closes the underlying file handle.
func (c *CaptureLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
