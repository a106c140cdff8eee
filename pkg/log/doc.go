// Package log wraps zerolog with the broker's component/agent/message
// tagging conventions so every log line can be traced back to the
// delivery or agent it concerns.
package log
