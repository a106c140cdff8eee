// Package ptysuper is the PTY Supervisor: it spawns agent child processes
// attached to a pseudo-terminal, exposes blocking-with-timeout writes and a
// continuously-drained ring buffer for reads, and tears processes down
// through the SIGHUP/SIGTERM/SIGKILL release ladder.
package ptysuper

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/log"
)

const (
	defaultWriteTimeout = 500 * time.Millisecond
	defaultRingSize     = 256 * 1024

	releaseSighupGrace  = 2 * time.Second
	releaseSigtermGrace = 1 * time.Second
)

// RingBuffer is a fixed-size byte ring that discards the oldest bytes on
// overflow, reporting whether an overflow occurred so callers can emit
// output_truncated.
type RingBuffer struct {
	mu        sync.Mutex
	buf       []byte
	writeAt   int
	full      bool
	totalSeen int64
}

// NewRingBuffer allocates a ring of the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultRingSize
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write appends p to the ring, discarding the oldest bytes if it overflows.
// It returns true if an overflow occurred.
func (r *RingBuffer) Write(p []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	overflowed := false
	for _, b := range p {
		if r.full {
			overflowed = true
		}
		r.buf[r.writeAt] = b
		r.writeAt = (r.writeAt + 1) % len(r.buf)
		if r.writeAt == 0 {
			r.full = true
		}
	}
	r.totalSeen += int64(len(p))
	return overflowed
}

// Snapshot returns the buffer contents in chronological order.
func (r *RingBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]byte, r.writeAt)
		copy(out, r.buf[:r.writeAt])
		return out
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf[r.writeAt:])
	copy(out[len(r.buf)-r.writeAt:], r.buf[:r.writeAt])
	return out
}

// Offset returns the total number of bytes ever written, which the Output
// Scanner uses to anchor match offsets even past overflow.
func (r *RingBuffer) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalSeen
}

// SpawnRequest describes a new agent process to supervise.
type SpawnRequest struct {
	Name    string
	Argv    []string
	Cwd     string
	Env     []string
	RingCap int
}

// AttachHandle is the minimal persisted state needed to attempt reattachment
// to an already-running agent process across a broker restart.
type AttachHandle struct {
	Pid  int
	Pgid int
}

// Process is a single supervised agent: its PTY master, ring buffer, and
// lifecycle bookkeeping.
type Process struct {
	Name string
	Pid  int
	Pgid int

	ptm *os.File
	cmd *exec.Cmd

	Ring *RingBuffer

	mu       sync.Mutex
	released bool
	exitCode int
}

// Spawn allocates a PTY, places the child in a new session/process group,
// and starts req.Argv[0] with the remaining entries as arguments.
func Spawn(req SpawnRequest) (*Process, error) {
	if len(req.Argv) == 0 {
		return nil, brokererr.New(brokererr.KindSpawnFailed, "empty argv")
	}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = safeEnv(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptm, err := pty.Start(cmd)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindSpawnFailed, "start pty for "+req.Name, err)
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}

	p := &Process{
		Name: req.Name,
		Pid:  cmd.Process.Pid,
		Pgid: pgid,
		ptm:  ptm,
		cmd:  cmd,
		Ring: NewRingBuffer(req.RingCap),
	}

	log.WithAgent(req.Name).Info().Int("pid", p.Pid).Int("pgid", p.Pgid).Msg("agent spawned")
	return p, nil
}

// safeEnv returns a minimal, safe environment: the caller's explicit env
// plus TERM, with no broker-process environment leaking through.
func safeEnv(env []string) []string {
	out := make([]string, 0, len(env)+1)
	hasTerm := false
	for _, e := range env {
		out = append(out, e)
		if len(e) >= 5 && e[:5] == "TERM=" {
			hasTerm = true
		}
	}
	if !hasTerm {
		out = append(out, "TERM=xterm-256color")
	}
	return out
}

// Attach attempts to resume monitoring an already-running process from a
// persisted handle. Since a PTY master file descriptor cannot be reopened
// from a PID alone, reattachment can only validate liveness of the process
// group; it never adopts a stale PID into a fresh Process without a master
// fd, matching spec §4.3's "does not adopt a stale PID" requirement.
func Attach(handle AttachHandle) (*Process, error) {
	if err := syscall.Kill(handle.Pgid, 0); err != nil {
		return nil, brokererr.Wrap(brokererr.KindAgentGone, "process group no longer exists", err)
	}
	// The master side is gone with the previous broker process; there is
	// nothing left to read from or write to, so the caller must treat this
	// agent as gone and release its registry slot.
	return nil, brokererr.New(brokererr.KindAgentGone, "cannot reacquire pty master across restart")
}

// Write appends raw bytes to the PTY master, failing with
// brokererr.KindWriteBlocked if the write does not complete within timeout
// (0 uses the default of 500ms).
func (p *Process) Write(ctx context.Context, data []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.ptm.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return brokererr.Wrap(brokererr.KindWriteFailed, "pty write failed for "+p.Name, err)
		}
		return nil
	case <-time.After(timeout):
		return brokererr.New(brokererr.KindWriteBlocked, "pty write exceeded timeout for "+p.Name)
	case <-ctx.Done():
		return brokererr.Wrap(brokererr.KindCanceled, "write canceled for "+p.Name, ctx.Err())
	}
}

// ReadLoop continuously drains the PTY master into the ring buffer until
// the master is closed or ctx is canceled, invoking onChunk after each
// read with the overflow flag from RingBuffer.Write.
func (p *Process) ReadLoop(ctx context.Context, onChunk func(overflowed bool)) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := p.ptm.Read(buf)
		if n > 0 {
			overflowed := p.Ring.Write(buf[:n])
			if onChunk != nil {
				onChunk(overflowed)
			}
		}
		if err != nil {
			log.WithAgent(p.Name).Debug().Err(err).Msg("pty read loop ending")
			return
		}
	}
}

// Release runs the SIGHUP -> SIGTERM -> SIGKILL ladder against the process
// group, reaping the child in every path and recording its exit code.
func (p *Process) Release(grace time.Duration) int {
	p.mu.Lock()
	if p.released {
		code := p.exitCode
		p.mu.Unlock()
		return code
	}
	p.released = true
	p.mu.Unlock()

	sighupGrace := releaseSighupGrace
	sigtermGrace := releaseSigtermGrace
	if grace > 0 {
		sighupGrace = grace
	}

	waitCh := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(waitCh)
	}()

	signalGroup := func(sig syscall.Signal) {
		_ = syscall.Kill(-p.Pgid, sig)
	}

	signalGroup(syscall.SIGHUP)
	select {
	case <-waitCh:
	case <-time.After(sighupGrace):
		signalGroup(syscall.SIGTERM)
		select {
		case <-waitCh:
		case <-time.After(sigtermGrace):
			signalGroup(syscall.SIGKILL)
			<-waitCh
		}
	}

	_ = p.ptm.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	log.WithAgent(p.Name).Info().Int("exit_code", p.exitCode).Msg("agent released")
	return p.exitCode
}
