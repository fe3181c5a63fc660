package replication

import "errors"

// ErrStopped is returned by operations attempted after Stop has completed.
var ErrStopped = errors.New("replicator stopped")

// ErrOffline marks an error as belonging to the transport/offline class:
// the lifecycle reacts to it by going offline rather than recording it as
// a user-visible replicator error.
var ErrOffline = errors.New("remote unreachable")

// ErrUpstreamProtocol marks a malformed-response condition from the
// remote, e.g. a fetched revision with generation > 1 but no revision
// history. The offending revision's sequence is not removed from the
// SequenceMap, so the checkpoint cannot cross it.
var ErrUpstreamProtocol = errors.New("upstream protocol error")

// offlineError wraps an underlying transport error so that errors.Is(err,
// ErrOffline) succeeds while errors.Unwrap still reaches the cause.
type offlineError struct{ cause error }

func (e *offlineError) Error() string { return "offline: " + e.cause.Error() }
func (e *offlineError) Unwrap() error { return e.cause }
func (e *offlineError) Is(target error) bool { return target == ErrOffline }

// AsOffline wraps cause so that errors.Is(AsOffline(cause), ErrOffline) is
// true, for transports to classify their own errors.
func AsOffline(cause error) error {
	if cause == nil {
		return nil
	}
	return &offlineError{cause: cause}
}
