package scanner

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStripsAnsiWhitespaceAndQuotes(t *testing.T) {
	raw := "\x1b[32m  \"hello   world\"  \x1b[0m"
	assert.Equal(t, "hello world", Normalize(raw))
}

func TestScanEchoFindsNormalizedMatchWithinWindow(t *testing.T) {
	s := New(nil)
	buf := []byte("prefix noise \x1b[1mhello   world\x1b[0m trailing")
	offset, ok := s.ScanEcho("generic", buf, 0, 0, "hello world", 1024)
	require.True(t, ok)
	assert.GreaterOrEqual(t, offset, int64(0))
}

func TestScanEchoRespectsWindowBound(t *testing.T) {
	s := New(nil)
	buf := []byte("xxxxxxxxxxhello world")
	_, ok := s.ScanEcho("generic", buf, 0, 0, "hello world", 5)
	assert.False(t, ok)
}

func TestScanActivityAndIdleUseGenericFallback(t *testing.T) {
	s := New(nil)
	assert.True(t, s.ScanActivity("unknown-runtime", []byte("still thinking...")))
	assert.True(t, s.ScanIdle("unknown-runtime", []byte("user@host:~$ ")))
	assert.False(t, s.ScanIdle("unknown-runtime", []byte("no prompt here")))
}

func TestLoadPatternSetsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/patterns.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`
runtimes:
  - runtime: claude-code
    echo_normalize:
      - '\x1b\[[0-9;]*[a-zA-Z]'
    activity:
      - "(?i)esc to interrupt"
    idle:
      - '\? for shortcuts'
`), 0o644))

	sets, err := LoadPatternSets(path)
	require.NoError(t, err)
	require.Contains(t, sets, "claude-code")

	s := New(sets)
	assert.True(t, s.ScanActivity("claude-code", []byte("esc to interrupt")))
	assert.True(t, s.ScanIdle("claude-code", []byte("? for shortcuts")))
}
