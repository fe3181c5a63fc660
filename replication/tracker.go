package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// TrackerMode selects how the ChangeTracker transport consumes the
// remote's change feed.
type TrackerMode int

const (
	// ModeOneShot requests up to Limit entries, then ends.
	ModeOneShot TrackerMode = iota
	// ModeLongPoll hangs until at least one change is available, then
	// returns; the tracker itself then issues the next request.
	ModeLongPoll
)

// TrackerConfig configures one run of the ChangeTracker transport.
type TrackerConfig struct {
	Mode             TrackerMode
	Limit            int
	Continuous       bool
	FilterName       string
	FilterParameters map[string]string
	DocIDs           []string
	// Heartbeat is the long-poll heartbeat interval. Zero disables it.
	Heartbeat      time.Duration
	RequestHeaders http.Header
	LastSequence   RemoteSequenceID
}

// Tracker is the change-feed transport consumed by the pull replicator.
// Its wire protocol (HTTP long-poll, websocket, whatever the remote
// speaks) is out of scope for this package; only this interface matters.
type Tracker interface {
	// Configure applies cfg ahead of the next Start.
	Configure(cfg TrackerConfig)
	// Start begins consuming the change feed, invoking onChanges for
	// each batch of parsed entries (plus any driver-checkpoint patch the
	// remote attached to that batch, nil if none) and onStopped exactly
	// once when the tracker stops, successfully or not.
	Start(ctx context.Context, onChanges func([]ChangeEntry, json.RawMessage), onStopped func(error))
	// Stop requests the tracker shut down; onStopped will still be
	// invoked.
	Stop()
	// Retry asks a currently-running long-poll tracker to reconnect,
	// e.g. after a transient network blip observed elsewhere.
	Retry()
}
