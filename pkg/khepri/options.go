package khepri

import (
	"time"

	"github.com/triptych/khepri/pkg/khepri/keepwhile"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/rlog"
)

// TxMode classifies a transaction function.
type TxMode string

const (
	// ReadOnly evaluates the function outside consensus against a
	// consistent snapshot; mutating primitives are denied
	ReadOnly TxMode = "read_only"

	// ReadWrite evaluates the function inside the state machine, so
	// every replica recomputes it identically
	ReadWrite TxMode = "read_write"

	// Auto asks the store to classify the function itself. Function
	// bodies cannot be introspected here, so Auto always fails with
	// UnanalyzableTxFun; pass an explicit mode.
	Auto TxMode = "auto"
)

type callOptions struct {
	timeout            time.Duration
	async              bool
	correlation        rlog.Correlation
	priority           int
	favor              rlog.Favor
	keepWhile          keepwhile.Conditions
	propsToReturn      []string
	hasProps           bool
	expectSpecificNode bool
	includeRootProps   bool
}

// Option tunes a single store operation.
type Option func(*callOptions)

// WithTimeout bounds the time spent waiting for the reply. The default
// comes from the store configuration. An elapsed timeout abandons the
// reply; it does not cancel a command the log already accepted.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// Async makes the command return immediately; the reply is delivered
// under the correlation and claimed with Store.WaitFor.
func Async(corr rlog.Correlation, priority int) Option {
	return func(o *callOptions) {
		o.async = true
		o.correlation = corr
		o.priority = priority
	}
}

// WithFavor selects the consistency/latency trade-off of a query.
func WithFavor(favor rlog.Favor) Option {
	return func(o *callOptions) {
		o.favor = favor
	}
}

// KeepWhile installs lifetime conditions atomically with a mutation:
// the written node stays alive only while every keyed path satisfies
// its condition. Keys are concrete path strings.
func KeepWhile(conds map[string]path.Component) Option {
	return func(o *callOptions) {
		o.keepWhile = keepwhile.Conditions(conds)
	}
}

// PropsToReturn selects the node properties carried in replies. Passing
// no names requests an empty projection.
func PropsToReturn(names ...string) Option {
	return func(o *callOptions) {
		o.propsToReturn = names
		if names == nil {
			o.propsToReturn = []string{}
		}
		o.hasProps = true
	}
}

// ExpectSpecificNode fails a query when its pattern matches more than
// one node.
func ExpectSpecificNode() Option {
	return func(o *callOptions) {
		o.expectSpecificNode = true
	}
}

// IncludeRootProps also matches the root node where the pattern admits
// it.
func IncludeRootProps() Option {
	return func(o *callOptions) {
		o.includeRootProps = true
	}
}

func (s *Store) collectOptions(opts []Option) callOptions {
	o := callOptions{
		timeout: time.Duration(s.cfg.Store.CommandTimeout),
		favor:   rlog.Favor(s.cfg.Store.QueryFavor),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
