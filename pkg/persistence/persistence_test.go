package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAcquiresExclusiveLock(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(dir)
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindLockHeld))
}

func TestWriteAndLoadSnapshotRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	agents := []AgentSnapshot{
		{Name: "agent-a", Runtime: "claude-code", Pid: 111, Pgid: 111, Cwd: "/tmp", ConnectedAt: now},
	}
	require.NoError(t, s.WriteSnapshot(agents, now))

	loaded, err := LoadSnapshot(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "agent-a", loaded[0].Name)
	assert.Equal(t, 111, loaded[0].Pid)
}

func TestLoadSnapshotMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadSnapshot(dir)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestAppendAndReplayPending(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.AppendPending(PendingRecord{Kind: RecordEnqueue, MessageID: "m1", At: now}))
	require.NoError(t, s.AppendPending(PendingRecord{Kind: RecordAck, MessageID: "m1", At: now}))

	var seen []PendingRecord
	require.NoError(t, ReplayPending(dir, func(r PendingRecord) error {
		seen = append(seen, r)
		return nil
	}))

	require.Len(t, seen, 2)
	assert.Equal(t, RecordEnqueue, seen[0].Kind)
	assert.Equal(t, RecordAck, seen[1].Kind)
}

func TestCompactDropsOldTerminalDeliveries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	live := map[string]*types.PendingDelivery{
		"old-failed": {
			MessageID:  "old-failed",
			State:      types.DeliveryFailed,
			EnqueuedAt: now.Add(-48 * time.Hour),
		},
		"recent-failed": {
			MessageID:  "recent-failed",
			State:      types.DeliveryFailed,
			EnqueuedAt: now.Add(-1 * time.Hour),
		},
		"in-flight": {
			MessageID:  "in-flight",
			State:      types.DeliveryInjected,
			EnqueuedAt: now.Add(-48 * time.Hour),
		},
	}

	require.NoError(t, s.Compact(live, now))

	var seen []string
	require.NoError(t, ReplayPending(dir, func(r PendingRecord) error {
		seen = append(seen, r.MessageID)
		return nil
	}))

	assert.NotContains(t, seen, "old-failed")
	assert.Contains(t, seen, "recent-failed")
	assert.Contains(t, seen, "in-flight")
}

func TestNeedsCompactionTriggersOnSizeOrInterval(t *testing.T) {
	now := time.Now()
	assert.True(t, NeedsCompaction(CompactionSizeTrigger+1, now, now))
	assert.True(t, NeedsCompaction(0, now.Add(-CompactionInterval-time.Second), now))
	assert.False(t, NeedsCompaction(0, now, now))
}

func TestWriteFileAtomicLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")
	require.NoError(t, writeFileAtomic(target, []byte("{}"), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestCaptureLogRotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	cl, err := OpenCaptureLog(dir, "agent-a")
	require.NoError(t, err)
	defer cl.Close()

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'x'
	}

	// Force past the rotation threshold without writing 10MiB for real.
	cl.written = captureRotateBytes - 10
	require.NoError(t, cl.Write(big))

	predecessor := filepath.Join(dir, captureLogDir, "agent-a.log.1")
	_, err = os.Stat(predecessor)
	require.NoError(t, err)

	current := filepath.Join(dir, captureLogDir, "agent-a.log")
	data, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Equal(t, big, data)
}
