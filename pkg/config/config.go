// Package config loads the broker's runtime configuration from environment
// variables, with cobra flags (wired in cmd/brokerd) layered on top as
// overrides. Precedence is flags > env > defaults.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/agentmesh/brokerd/pkg/log"
)

// Config is the full set of broker runtime options (spec §6, "Environment
// and configuration", plus the ambient logging fields every component in
// this repo needs).
type Config struct {
	StateDir             string
	CloudEndpoint        string
	CloudToken           string
	CloudTokenSource     string // "subprotocol" | "first_frame"; not read: the echo stream always uses the subprotocol
	ActivityPatternsPath string

	MaxQueueDepth int

	EchoWindowMs    int
	ActivityWindowMs int
	RetryBackoffMs  []int

	DedupCap   int
	DedupTTLMs int

	LogLevel log.Level
	LogJSON  bool
}

// Default returns the configuration baseline before env/flag overrides are
// applied, matching the defaults named throughout spec §4.
func Default() Config {
	return Config{
		StateDir:         ".broker",
		CloudTokenSource: "subprotocol",
		MaxQueueDepth:    256,
		EchoWindowMs:     3000,
		ActivityWindowMs: 5000,
		RetryBackoffMs:   []int{100, 400, 1600},
		DedupCap:         65536,
		DedupTTLMs:       10 * 60 * 1000,
		LogLevel:         log.InfoLevel,
		LogJSON:          false,
	}
}

// envPrefix namespaces every recognized environment variable.
const envPrefix = "BROKER_"

// FromEnv starts from Default and overlays any recognized BROKER_* environment
// variables that are set.
func FromEnv() Config {
	cfg := Default()

	if v, ok := lookupEnv("STATE_DIR"); ok {
		cfg.StateDir = v
	}
	if v, ok := lookupEnv("CLOUD_ENDPOINT"); ok {
		cfg.CloudEndpoint = v
	}
	if v, ok := lookupEnv("CLOUD_TOKEN"); ok {
		cfg.CloudToken = v
	}
	if v, ok := lookupEnv("CLOUD_TOKEN_SOURCE"); ok {
		cfg.CloudTokenSource = v
	}
	if v, ok := lookupEnv("ACTIVITY_PATTERNS_PATH"); ok {
		cfg.ActivityPatternsPath = v
	}
	if v, ok := lookupEnvInt("MAX_QUEUE_DEPTH"); ok {
		cfg.MaxQueueDepth = v
	}
	if v, ok := lookupEnvInt("ECHO_WINDOW_MS"); ok {
		cfg.EchoWindowMs = v
	}
	if v, ok := lookupEnvInt("ACTIVITY_WINDOW_MS"); ok {
		cfg.ActivityWindowMs = v
	}
	if v, ok := lookupEnvIntList("RETRY_BACKOFF_MS"); ok {
		cfg.RetryBackoffMs = v
	}
	if v, ok := lookupEnvInt("DEDUP_CAP"); ok {
		cfg.DedupCap = v
	}
	if v, ok := lookupEnvInt("DEDUP_TTL_MS"); ok {
		cfg.DedupTTLMs = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = log.Level(v)
	}
	if v, ok := lookupEnvBool("LOG_JSON"); ok {
		cfg.LogJSON = v
	}

	return cfg
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Logger.Warn().Str("var", envPrefix+name).Str("value", v).Msg("ignoring malformed integer env var")
		return 0, false
	}
	return n, true
}

func lookupEnvBool(name string) (bool, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Logger.Warn().Str("var", envPrefix+name).Str("value", v).Msg("ignoring malformed boolean env var")
		return false, false
	}
	return b, true
}

func lookupEnvIntList(name string) ([]int, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return nil, false
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			log.Logger.Warn().Str("var", envPrefix+name).Str("value", v).Msg("ignoring malformed integer list env var")
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
