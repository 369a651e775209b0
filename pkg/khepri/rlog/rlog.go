// Package rlog names the contract the store consumes from its
// replicated-log substrate, and provides Local, the in-process
// single-member implementation used for standalone stores and tests.
// A clustered deployment supplies a consensus-backed implementation of
// the same interface.
package rlog

import (
	"context"
	"sync/atomic"
	"time"
)

// Favor selects the consistency/latency trade-off of a query: read
// after quorum, leader read with periodic quorum checks, or a local
// possibly-stale read.
type Favor string

const (
	// Consistency ...
	Consistency Favor = "consistency"

	// Compromise ...
	Compromise Favor = "compromise"

	// LowLatency ...
	LowLatency Favor = "low_latency"
)

// ValidFavor ...
func ValidFavor(favor Favor) bool {
	switch favor {
	case Consistency, Compromise, LowLatency:
		return true
	}
	return false
}

// Applier is the commit callback the log drives: a deterministic
// function of the current state and the committed command.
type Applier interface {
	ApplyCommand(cmd interface{}) (interface{}, error)
}

// Snapshotter is implemented by appliers whose full state the log can
// capture and reinstall when members join or compact.
type Snapshotter interface {
	Snapshot() interface{}
	Restore(snapshot interface{}) error
}

// Correlation identifies an asynchronous command so its reply can be
// claimed later.
type Correlation uint64

var correlationCounter uint64

// NextCorrelation returns a process-unique correlation value.
func NextCorrelation() Correlation {
	return Correlation(atomic.AddUint64(&correlationCounter, 1))
}

// AppliedEntry is one entry of an {applied, [...]} delivery: the
// correlation of an asynchronous command together with its reply.
type AppliedEntry struct {
	Correlation Correlation
	Reply       interface{}
	Err         error
}

// Log is the replicated-log surface the store consumes. Commands
// appended to the log commit in a total order identical on every
// member; queries run against local state at the requested favor.
type Log interface {
	// Append submits a command and blocks until it commits and applies.
	// An expired context returns Timeout, but does not cancel the
	// command once accepted; it still applies.
	Append(ctx context.Context, cmd interface{}) (interface{}, error)

	// AppendAsync submits a command and returns immediately. The reply
	// is delivered under the correlation and claimed with WaitFor.
	// Priority tunes ordering against other asynchronous commands.
	AppendAsync(cmd interface{}, corr Correlation, priority int) error

	// WaitFor claims the reply of an asynchronous command, unwrapping
	// failures into the store's error taxonomy.
	WaitFor(corr Correlation, timeout time.Duration) (interface{}, error)

	// Query runs a read against state at the requested favor.
	Query(ctx context.Context, favor Favor, fn func() (interface{}, error)) (interface{}, error)

	// OnLeaderChange registers a leadership observer; it is called with
	// the current state on registration and on every change after.
	OnLeaderChange(fn func(leader bool))

	// IsLeader reports whether this member currently leads.
	IsLeader() bool

	// CommitIndex returns the index of the last applied command.
	CommitIndex() uint64

	// Snapshot captures the applier's full state; Restore reinstalls
	// one. Both fail when the applier cannot snapshot.
	Snapshot() (interface{}, error)
	Restore(snapshot interface{}) error

	Close() error
}
