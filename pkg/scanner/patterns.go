package scanner

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/brokerd/pkg/brokererr"
)

// PatternSet is one runtime's regex configuration, as loaded from YAML.
// Patterns are data, not code (spec §4.4): operators reload a file to
// tune matching without a broker rebuild.
type PatternSet struct {
	Runtime       string   `yaml:"runtime"`
	EchoNormalize []string `yaml:"echo_normalize"`
	Activity      []string `yaml:"activity"`
	Idle          []string `yaml:"idle"`

	echoNormalize []*regexp.Regexp
	activity      []*regexp.Regexp
	idle          []*regexp.Regexp
}

// compile resolves every pattern string into a *regexp.Regexp, failing on
// the first invalid one so a broken pattern file is caught at load time.
func (p *PatternSet) compile() error {
	var err error
	if p.echoNormalize, err = compileAll(p.EchoNormalize); err != nil {
		return err
	}
	if p.activity, err = compileAll(p.Activity); err != nil {
		return err
	}
	if p.idle, err = compileAll(p.Idle); err != nil {
		return err
	}
	return nil
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.KindInternal, "compile pattern "+expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// patternFile is the top-level YAML document shape: one PatternSet per
// runtime kind.
type patternFile struct {
	Runtimes []PatternSet `yaml:"runtimes"`
}

// LoadPatternSets parses a YAML file at path into a runtime-keyed map of
// compiled pattern sets.
func LoadPatternSets(path string) (map[string]*PatternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "read pattern file "+path, err)
	}

	var doc patternFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "parse pattern file "+path, err)
	}

	out := make(map[string]*PatternSet, len(doc.Runtimes))
	for i := range doc.Runtimes {
		ps := doc.Runtimes[i]
		if err := ps.compile(); err != nil {
			return nil, err
		}
		out[ps.Runtime] = &ps
	}
	return out, nil
}

// DefaultGenericPatternSet is shipped embedded so the broker is usable with
// no activity_patterns_path configured. It recognizes common shell-ish
// prompts and a handful of widely used "thinking" indicators.
func DefaultGenericPatternSet() *PatternSet {
	ps := &PatternSet{
		Runtime: "generic",
		EchoNormalize: []string{
			`\x1b\[[0-9;]*[a-zA-Z]`, // strip ANSI/SGR sequences
		},
		Activity: []string{
			`(?i)thinking`,
			`(?i)working`,
			`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`, // braille spinner glyphs
			`\.\.\.\s*$`,
		},
		Idle: []string{
			`\$\s*$`,
			`>\s*$`,
			`#\s*$`,
		},
	}
	// Safe to ignore the error: every literal above is a valid regex,
	// guarded by scanner tests.
	_ = ps.compile()
	return ps
}
