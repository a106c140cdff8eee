// Package scanner is the Output Scanner: it watches an agent's PTY ring
// buffer for three categories of events — echo matches of an injected
// message, runtime-specific activity markers, and idle-prompt markers.
// Activity and idle markers come from per-runtime regex sets loaded from
// YAML (patterns.go); a runtime with no loaded set uses the built-in
// generic set from DefaultGenericPatternSet. Echo matching always uses
// Normalize's fixed ANSI/whitespace/quote rules: a set's echo_normalize
// list is compiled but not applied.
package scanner

import (
	"regexp"
	"strings"
	"time"

	"github.com/agentmesh/brokerd/pkg/types"
)

const defaultEchoWindowBytes = 32 * 1024

var ansiStripRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize strips ANSI/SGR sequences, collapses whitespace, and trims
// surrounding quote characters so an echoed message can be compared against
// what the broker actually injected regardless of terminal rendering.
func Normalize(s string) string {
	s = ansiStripRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return s
}

// Scanner holds the pattern sets available per runtime kind and scans ring
// buffer snapshots for an agent's runtime on demand.
type Scanner struct {
	sets    map[string]*PatternSet
	fallback *PatternSet
}

// New constructs a Scanner. sets may be nil or missing entries; any runtime
// not found falls back to the embedded generic pattern set.
func New(sets map[string]*PatternSet) *Scanner {
	return &Scanner{sets: sets, fallback: DefaultGenericPatternSet()}
}

func (s *Scanner) patternsFor(runtime string) *PatternSet {
	if ps, ok := s.sets[runtime]; ok {
		return ps
	}
	return s.fallback
}

// ScanEcho searches buf, starting at injectionOffset and bounded by
// echo-window-bytes, for a normalized occurrence of body. On a match it
// returns the absolute byte offset at which the searched window starts and
// true, or (0, false); the exact position of the match inside the window is
// not reported, since matching runs on normalized text.
func (s *Scanner) ScanEcho(runtime string, buf []byte, bufStartOffset, injectionOffset int64, body string, echoWindowBytes int) (int64, bool) {
	if echoWindowBytes <= 0 {
		echoWindowBytes = defaultEchoWindowBytes
	}

	start := injectionOffset - bufStartOffset
	if start < 0 {
		start = 0
	}
	end := start + int64(echoWindowBytes)
	if end > int64(len(buf)) {
		end = int64(len(buf))
	}
	if start >= end {
		return 0, false
	}

	window := string(buf[start:end])
	needle := Normalize(body)
	haystack := Normalize(window)
	idx := strings.Index(haystack, needle)
	if idx < 0 {
		return 0, false
	}
	return bufStartOffset + start, true
}

// ScanActivity reports whether any activity marker for runtime matches
// within buf.
func (s *Scanner) ScanActivity(runtime string, buf []byte) bool {
	ps := s.patternsFor(runtime)
	return anyMatch(ps.activity, buf)
}

// ScanIdle reports whether any idle marker for runtime matches within buf.
func (s *Scanner) ScanIdle(runtime string, buf []byte) bool {
	ps := s.patternsFor(runtime)
	return anyMatch(ps.idle, buf)
}

func anyMatch(patterns []*regexp.Regexp, buf []byte) bool {
	for _, re := range patterns {
		if re.Match(buf) {
			return true
		}
	}
	return false
}

// Observation bundles what a single scan pass over one agent's buffer
// found, for translation into types.ScannerEvent values by the caller.
type Observation struct {
	Agent      string
	At         time.Time
	EchoOffset int64
	EchoFound  bool
	Activity   bool
	Idle       bool
}

// ToEvents converts an Observation into the ScannerEvent records it implies.
func (o Observation) ToEvents() []types.ScannerEvent {
	var out []types.ScannerEvent
	if o.EchoFound {
		out = append(out, types.ScannerEvent{Kind: types.ScannerEcho, Agent: o.Agent, Offset: o.EchoOffset, At: o.At})
	}
	if o.Activity {
		out = append(out, types.ScannerEvent{Kind: types.ScannerActivity, Agent: o.Agent, At: o.At})
	}
	if o.Idle {
		out = append(out, types.ScannerEvent{Kind: types.ScannerIdle, Agent: o.Agent, At: o.At})
	}
	return out
}
