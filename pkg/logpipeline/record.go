// Package logpipeline implements the Log Pipeline: append-only
// sequenced records keyed by (run_id, stream), buffered and flushed to the
// blob store, with a short-lived replay cache and a fan-out broker so
// pkg/wshub subscribers see new lines as they land.
package logpipeline

import "time"

// Stream selects which channel of a Run's output a Record belongs to.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// Key identifies one (run_id, stream) log.
type Key struct {
	RunID  string
	Stream Stream
}

// Record is one log line. Sequence is Worker-assigned and monotonic per Key.
type Record struct {
	RunID     string
	Stream    Stream
	Sequence  int64
	Timestamp time.Time
	Level     string
	Content   string
	Source    string
}
