package rlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/kerr"
)

type submission struct {
	cmd     interface{}
	corr    Correlation
	async   bool
	replyCh chan AppliedEntry
}

// Local is the single-member log: commands apply in submission order on
// one goroutine, which is the total order a cluster would provide. The
// local member always leads, and every query favor degrades to a local
// read of the one copy of the state.
type Local struct {
	applier     Applier
	submissions chan submission
	drained     chan struct{}

	mutex       sync.Mutex
	closed      bool
	commitIndex uint64
	waiters     map[Correlation]chan AppliedEntry
	applied     map[Correlation]AppliedEntry
	leaderObs   []func(bool)
}

// NewLocal starts a single-member log applying commands through the
// given applier.
func NewLocal(applier Applier) *Local {
	l := &Local{
		applier:     applier,
		submissions: make(chan submission, 64),
		drained:     make(chan struct{}),
		waiters:     map[Correlation]chan AppliedEntry{},
		applied:     map[Correlation]AppliedEntry{},
	}
	go l.run()
	return l
}

func (l *Local) run() {
	defer close(l.drained)
	for sub := range l.submissions {
		reply, err := l.applier.ApplyCommand(sub.cmd)

		l.mutex.Lock()
		l.commitIndex++
		index := l.commitIndex
		l.mutex.Unlock()
		log.TRACE("log: applied command at index %d", index)

		entry := AppliedEntry{Correlation: sub.corr, Reply: reply, Err: err}
		if sub.async {
			l.deliver(entry)
			continue
		}
		sub.replyCh <- entry
	}
}

func (l *Local) deliver(entry AppliedEntry) {
	l.mutex.Lock()
	waiter, ok := l.waiters[entry.Correlation]
	if ok {
		delete(l.waiters, entry.Correlation)
	} else {
		l.applied[entry.Correlation] = entry
	}
	l.mutex.Unlock()

	if ok {
		waiter <- entry
	}
}

// Append ...
func (l *Local) Append(ctx context.Context, cmd interface{}) (interface{}, error) {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return nil, kerr.NewNotLeader()
	}
	l.mutex.Unlock()

	replyCh := make(chan AppliedEntry, 1)
	select {
	case l.submissions <- submission{cmd: cmd, replyCh: replyCh}:
	case <-ctx.Done():
		return nil, kerr.NewTimeout("append")
	}

	// Once accepted, the command applies regardless; an expired wait
	// only abandons the reply.
	select {
	case entry := <-replyCh:
		return entry.Reply, entry.Err
	case <-ctx.Done():
		return nil, kerr.NewTimeout("append")
	}
}

// AppendAsync ...
func (l *Local) AppendAsync(cmd interface{}, corr Correlation, _ int) error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return kerr.NewNotLeader()
	}
	l.mutex.Unlock()

	l.submissions <- submission{cmd: cmd, corr: corr, async: true}
	return nil
}

// WaitFor ...
func (l *Local) WaitFor(corr Correlation, timeout time.Duration) (interface{}, error) {
	l.mutex.Lock()
	if entry, ok := l.applied[corr]; ok {
		delete(l.applied, corr)
		l.mutex.Unlock()
		return entry.Reply, entry.Err
	}
	waiter := make(chan AppliedEntry, 1)
	l.waiters[corr] = waiter
	l.mutex.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entry := <-waiter:
		return entry.Reply, entry.Err
	case <-timer.C:
		l.mutex.Lock()
		delete(l.waiters, corr)
		l.mutex.Unlock()
		return nil, kerr.NewTimeout("wait_for")
	}
}

// Query ...
func (l *Local) Query(ctx context.Context, favor Favor, fn func() (interface{}, error)) (interface{}, error) {
	if !ValidFavor(favor) {
		return nil, kerr.NewUnexpectedOption("favor", string(favor))
	}
	if err := ctx.Err(); err != nil {
		return nil, kerr.NewTimeout("query")
	}
	// Every favor reads the single local copy here; a clustered log
	// implements the quorum and leader paths.
	return fn()
}

// OnLeaderChange ...
func (l *Local) OnLeaderChange(fn func(leader bool)) {
	l.mutex.Lock()
	l.leaderObs = append(l.leaderObs, fn)
	l.mutex.Unlock()
	fn(true)
}

// IsLeader ...
func (l *Local) IsLeader() bool {
	return true
}

// CommitIndex ...
func (l *Local) CommitIndex() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.commitIndex
}

// Snapshot ...
func (l *Local) Snapshot() (interface{}, error) {
	snapshotter, ok := l.applier.(Snapshotter)
	if !ok {
		return nil, fmt.Errorf("applier %T cannot snapshot", l.applier)
	}
	return snapshotter.Snapshot(), nil
}

// Restore ...
func (l *Local) Restore(snapshot interface{}) error {
	snapshotter, ok := l.applier.(Snapshotter)
	if !ok {
		return fmt.Errorf("applier %T cannot snapshot", l.applier)
	}
	return snapshotter.Restore(snapshot)
}

// Close stops accepting commands and waits for the queue to drain.
func (l *Local) Close() error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return nil
	}
	l.closed = true
	l.mutex.Unlock()

	close(l.submissions)
	<-l.drained
	return nil
}
