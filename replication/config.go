package replication

import (
	"net/http"
	"time"
)

// Config is the set of replication options the lifecycle wires into the
// ChangeTracker and dispatcher on each run.
type Config struct {
	// Remote is the base URL of the remote replica, e.g.
	// "https://example.com/mydb/".
	Remote string
	// CheckpointKey identifies this (remote, filter) tuple in the
	// CheckpointStore.
	CheckpointKey string

	FilterName       string
	FilterParameters map[string]string
	DocIDs           []string
	Continuous       bool
	// Heartbeat is accepted only if >= 15s; smaller values are ignored
	// and the tracker omits the parameter entirely.
	Heartbeat      time.Duration
	RequestHeaders http.Header
	UserAgent      string
}

// heartbeatOrZero returns cfg.Heartbeat if it meets the minimum accepted
// value (15s), else 0 — a value the tracker config omits entirely.
func (c Config) heartbeatOrZero() time.Duration {
	if c.Heartbeat.Milliseconds() >= minHeartbeat {
		return c.Heartbeat
	}
	return 0
}
