// Package khepri is the public operation layer of the store: it maps
// caller-facing operations onto commands and queries, enforces the
// specificity precondition for single-target mutations, normalizes
// string-form patterns, and handles per-call options.
package khepri

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/triptych/khepri/internal/config"
	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/machine"
	"github.com/triptych/khepri/pkg/khepri/natsbridge"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/rlog"
	"github.com/triptych/khepri/pkg/khepri/tree"
	"github.com/triptych/khepri/pkg/khepri/view"
)

// Pattern and Path alias the path package's types for callers that
// build addresses programmatically instead of parsing strings.
type (
	// Pattern ...
	Pattern = path.Pattern

	// Path ...
	Path = path.Path
)

// Store is one khepri store: a state machine behind a log, plus the
// node-local view tables and event sinks.
type Store struct {
	cfg     *config.Config
	machine *machine.Machine
	rl      rlog.Log
	views   *view.Registry
	bridge  *natsbridge.Bridge

	mutex  sync.Mutex
	closed bool
}

// StoreOption tunes Open.
type StoreOption func(*Store)

// WithConfig supplies a configuration instead of the defaults.
func WithConfig(cfg *config.Config) StoreOption {
	return func(s *Store) {
		s.cfg = cfg
	}
}

// WithSink registers an additional change-event sink.
func WithSink(sink machine.EventSink) StoreOption {
	return func(s *Store) {
		s.machine.AddSink(sink)
	}
}

// Open starts a store backed by the in-process log. Clustered
// deployments swap the log implementation; everything above it is
// unchanged.
func Open(opts ...StoreOption) (*Store, error) {
	views := view.NewRegistry()
	s := &Store{
		cfg:     config.Default(),
		machine: machine.New(views),
		views:   views,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Debug {
		log.DebugOn = true
	}
	if s.cfg.Logging.Trace {
		log.TraceOn = true
	}

	if s.cfg.Bridge.Enabled {
		bridge, err := natsbridge.New(s.cfg.Bridge)
		if err != nil {
			return nil, err
		}
		s.bridge = bridge
		s.machine.AddSink(bridge)
	}

	s.rl = rlog.NewLocal(s.machine)
	log.DEBUG("store %s open", s.cfg.Store.Name)
	return s, nil
}

// Name returns the store identifier.
func (s *Store) Name() string {
	return s.cfg.Store.Name
}

// Close shuts the store down: the log drains, the view tables are
// destroyed, and the bridge disconnects.
func (s *Store) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	s.mutex.Unlock()

	err := s.rl.Close()
	s.fireTriggers()
	s.views.Close()
	if s.bridge != nil {
		s.bridge.Close()
	}
	log.DEBUG("store %s closed", s.cfg.Store.Name)
	return err
}

// Metrics returns a snapshot of the state machine's counters.
func (s *Store) Metrics() machine.Metrics {
	return s.machine.Metrics()
}

func normalizePattern(pattern interface{}) (path.Pattern, error) {
	switch p := pattern.(type) {
	case string:
		return path.ParseString(p)
	case path.Pattern:
		return p, nil
	case path.Path:
		return p.Pattern(), nil
	case path.NodeID:
		return path.Pattern{p}, nil
	}
	return nil, fmt.Errorf("unsupported pattern type %T", pattern)
}

func asPayload(value interface{}) tree.Payload {
	switch v := value.(type) {
	case tree.Payload:
		return v
	case *tree.StoredProc:
		return tree.Sproc(v)
	default:
		return tree.Data(v)
	}
}

func requireSpecific(pat path.Pattern) error {
	if _, ok := pat.IsSpecific(); !ok {
		return kerr.NewNotSpecific(pat.String())
	}
	return nil
}

// command submits a command through the log, honoring the async and
// timeout options, and fires any trigger activations the command
// queued.
func (s *Store) command(cmd machine.Command, o callOptions) (machine.Reply, error) {
	if o.async {
		if err := s.rl.AppendAsync(cmd, o.correlation, o.priority); err != nil {
			return machine.Reply{}, err
		}
		return machine.Reply{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	raw, err := s.rl.Append(ctx, cmd)
	s.fireTriggers()
	if err != nil {
		return machine.Reply{}, err
	}
	reply, _ := raw.(machine.Reply)
	return reply, nil
}

func (s *Store) commandOptions(o callOptions) machine.CommandOptions {
	opts := machine.CommandOptions{
		KeepWhile:        o.keepWhile,
		IncludeRootProps: o.includeRootProps,
	}
	if o.hasProps {
		opts.PropsToReturn = o.propsToReturn
	}
	return opts
}

// Put writes a payload at the single node a specific pattern targets,
// creating the node and any missing parents.
func (s *Store) Put(pattern interface{}, value interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	if err := requireSpecific(pat); err != nil {
		return err
	}
	_, err = s.command(machine.Put{
		Pattern: pat,
		Payload: asPayload(value),
		Options: s.commandOptions(o),
	}, o)
	return err
}

// PutMany writes a payload on every existing node the pattern matches.
func (s *Store) PutMany(pattern interface{}, value interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	_, err = s.command(machine.PutMany{
		Pattern: pat,
		Payload: asPayload(value),
		Options: s.commandOptions(o),
	}, o)
	return err
}

// Create writes a payload like Put, but only if the target does not
// exist yet; an existing node fails MismatchingNode.
func (s *Store) Create(pattern interface{}, value interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	if err := requireSpecific(pat); err != nil {
		return err
	}
	_, err = s.command(machine.Put{
		Pattern: pat.Combine(path.NodeExists{Exists: false}),
		Payload: asPayload(value),
		Options: s.commandOptions(o),
	}, o)
	return err
}

// Update writes a payload like Put, but only if the target already
// exists; a missing node fails NodeNotFound.
func (s *Store) Update(pattern interface{}, value interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	if err := requireSpecific(pat); err != nil {
		return err
	}
	_, err = s.command(machine.Put{
		Pattern: pat.Combine(path.NodeExists{Exists: true}),
		Payload: asPayload(value),
		Options: s.commandOptions(o),
	}, o)
	return err
}

// CompareAndSwap writes a payload only if the target's current data
// matches the given structural pattern.
func (s *Store) CompareAndSwap(pattern interface{}, dataPattern interface{}, value interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	if err := requireSpecific(pat); err != nil {
		return err
	}
	_, err = s.command(machine.Put{
		Pattern: pat.Combine(path.DataMatches{Pattern: dataPattern}),
		Payload: asPayload(value),
		Options: s.commandOptions(o),
	}, o)
	return err
}

// Delete removes the single node a specific pattern targets, along
// with its subtree. Deleting an absent node succeeds as a no-op.
func (s *Store) Delete(pattern interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	if err := requireSpecific(pat); err != nil {
		return err
	}
	_, err = s.command(machine.Delete{Pattern: pat, Options: s.commandOptions(o)}, o)
	return err
}

// DeleteMany removes every node the pattern matches, returning how many
// nodes went away (descendants included).
func (s *Store) DeleteMany(pattern interface{}, opts ...Option) (int, error) {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return 0, err
	}
	reply, err := s.command(machine.DeleteMany{Pattern: pat, Options: s.commandOptions(o)}, o)
	if err != nil {
		return 0, err
	}
	return reply.Deleted, nil
}

// DeletePayload clears the payload of the targeted node, leaving the
// node and its children in place.
func (s *Store) DeletePayload(pattern interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	if err := requireSpecific(pat); err != nil {
		return err
	}
	_, err = s.command(machine.DeletePayload{Pattern: pat, Options: s.commandOptions(o)}, o)
	return err
}

// query runs a read at the requested favor.
func (s *Store) query(o callOptions, fn func(t *tree.Tree) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	return s.rl.Query(ctx, o.favor, func() (interface{}, error) {
		return s.machine.Query(fn)
	})
}

// Get returns the properties of the node a specific pattern targets.
func (s *Store) Get(pattern interface{}, opts ...Option) (map[string]interface{}, error) {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return nil, err
	}

	var want []string
	if o.hasProps {
		want = o.propsToReturn
	}
	raw, err := s.query(o, func(t *tree.Tree) (interface{}, error) {
		target, node, err := t.ResolveSpecific(pat)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, kerr.NewNodeNotFound(target.String())
		}
		return node.Props(want), nil
	})
	if err != nil {
		return nil, err
	}
	return raw.(map[string]interface{}), nil
}

// GetData returns the data payload of the targeted node. A node without
// a data payload reports NodeNotFound.
func (s *Store) GetData(pattern interface{}, opts ...Option) (interface{}, error) {
	props, err := s.Get(pattern, opts...)
	if err != nil {
		return nil, err
	}
	data, ok := props[tree.PropData]
	if !ok {
		pat, _ := normalizePattern(pattern)
		return nil, kerr.NewNodeNotFound(pat.String())
	}
	return data, nil
}

// GetOr returns the targeted node's data, or the default when the node
// is absent or carries no data.
func (s *Store) GetOr(pattern interface{}, fallback interface{}, opts ...Option) (interface{}, error) {
	data, err := s.GetData(pattern, opts...)
	if err != nil {
		if kerr.Is(err, kerr.NodeNotFound) {
			return fallback, nil
		}
		return nil, err
	}
	return data, nil
}

// GetMany returns the matching nodes' properties keyed by rendered
// path.
func (s *Store) GetMany(pattern interface{}, opts ...Option) (map[string]map[string]interface{}, error) {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return nil, err
	}

	walkOpts := tree.WalkOptions{
		IncludeRootProps:   o.includeRootProps,
		ExpectSpecificNode: o.expectSpecificNode,
	}
	if o.hasProps {
		walkOpts.PropsToReturn = o.propsToReturn
	}

	raw, err := s.query(o, func(t *tree.Tree) (interface{}, error) {
		matches, err := t.Walk(pat, walkOpts)
		if err != nil {
			return nil, err
		}
		out := make(map[string]map[string]interface{}, len(matches))
		for _, match := range matches {
			out[match.Path.String()] = match.Props
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return raw.(map[string]map[string]interface{}), nil
}

// Exists reports whether the targeted node exists.
func (s *Store) Exists(pattern interface{}, opts ...Option) (bool, error) {
	_, err := s.Get(pattern, append(opts, PropsToReturn())...)
	if err != nil {
		if kerr.Is(err, kerr.NodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasData reports whether the targeted node carries a data payload.
func (s *Store) HasData(pattern interface{}, opts ...Option) (bool, error) {
	props, err := s.Get(pattern, append(opts, PropsToReturn(tree.PropHasData))...)
	if err != nil {
		if kerr.Is(err, kerr.NodeNotFound) {
			return false, nil
		}
		return false, err
	}
	has, _ := props[tree.PropHasData].(bool)
	return has, nil
}

// IsSproc reports whether the targeted node carries a stored procedure.
func (s *Store) IsSproc(pattern interface{}, opts ...Option) (bool, error) {
	props, err := s.Get(pattern, append(opts, PropsToReturn(tree.PropIsSproc))...)
	if err != nil {
		if kerr.Is(err, kerr.NodeNotFound) {
			return false, nil
		}
		return false, err
	}
	is, _ := props[tree.PropIsSproc].(bool)
	return is, nil
}

// Count returns the cardinality of the pattern's match set.
func (s *Store) Count(pattern interface{}, opts ...Option) (int, error) {
	nodes, err := s.GetMany(pattern, append(opts, PropsToReturn())...)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// RunSproc invokes the stored procedure at the targeted node with the
// given arguments.
func (s *Store) RunSproc(pattern interface{}, args ...interface{}) (interface{}, error) {
	props, err := s.Get(pattern, PropsToReturn(tree.PropSproc))
	if err != nil {
		return nil, err
	}
	sp, ok := props[tree.PropSproc].(*tree.StoredProc)
	if !ok {
		pat, _ := normalizePattern(pattern)
		return nil, kerr.NewMismatchingNode(pat.String(), "has_sproc")
	}
	return sp.Invoke(args...)
}

// Transaction evaluates a transaction function. Read-only transactions
// run outside consensus against a consistent snapshot; read-write
// transactions run inside the state machine. Auto classification is
// refused: function bodies cannot be introspected here.
func (s *Store) Transaction(fun machine.TxFunc, mode TxMode, opts ...Option) (interface{}, error) {
	o := s.collectOptions(opts)
	switch mode {
	case ReadOnly:
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		return s.rl.Query(ctx, o.favor, func() (interface{}, error) {
			return s.machine.RunReadOnly(fun)
		})
	case ReadWrite:
		reply, err := s.command(machine.RunTransaction{Fun: fun}, o)
		if err != nil {
			return nil, err
		}
		return reply.Value, nil
	case Auto:
		return nil, kerr.NewUnanalyzableTxFun()
	}
	return nil, kerr.NewUnexpectedOption("mode", string(mode))
}

// RegisterTrigger binds the stored procedure at sprocPath to an event
// filter. A duplicate id fails Exists.
func (s *Store) RegisterTrigger(id string, filter machine.EventFilter, sprocPath interface{}, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(sprocPath)
	if err != nil {
		return err
	}
	target, ok := pat.IsSpecific()
	if !ok {
		return kerr.NewNotSpecific(pat.String())
	}
	_, err = s.command(machine.RegisterTrigger{
		ID:        id,
		Filter:    filter,
		SprocPath: target,
	}, o)
	return err
}

// RegisterProjection installs a projection over a pattern and replays
// the currently matching subtree through it. A duplicate name fails
// Exists.
func (s *Store) RegisterProjection(name string, pattern interface{}, spec machine.ProjectionSpec, opts ...Option) error {
	o := s.collectOptions(opts)
	pat, err := normalizePattern(pattern)
	if err != nil {
		return err
	}
	if spec.Options == nil {
		// Table tuning defaults come from the store configuration when
		// the caller does not choose.
		spec.Options = map[string]interface{}{
			"read_concurrency":  s.cfg.Views.ReadConcurrency,
			"write_concurrency": s.cfg.Views.WriteConcurrency,
		}
	}
	_, err = s.command(machine.RegisterProjection{
		Name:    name,
		Pattern: pat,
		Spec:    spec,
	}, o)
	return err
}

// UnregisterProjection removes a projection and drops its view table.
func (s *Store) UnregisterProjection(name string, opts ...Option) error {
	o := s.collectOptions(opts)
	_, err := s.command(machine.UnregisterProjection{Name: name}, o)
	return err
}

// HasProjection reports whether a projection is registered.
func (s *Store) HasProjection(name string) bool {
	return s.machine.HasProjection(name)
}

// ProjectionTable returns the view table backing a projection, for
// node-local reads.
func (s *Store) ProjectionTable(name string) (*view.Table, bool) {
	return s.views.Get(name)
}

// WaitFor claims the reply of an asynchronous command, unwrapping
// failures into the store's error taxonomy.
func (s *Store) WaitFor(corr rlog.Correlation, timeout time.Duration) (machine.Reply, error) {
	raw, err := s.rl.WaitFor(corr, timeout)
	s.fireTriggers()
	if err != nil {
		return machine.Reply{}, err
	}
	reply, _ := raw.(machine.Reply)
	return reply, nil
}

// fireTriggers executes the trigger activations queued by dispatched
// events. Triggers run on the leader only; their effects live outside
// the replicated state, and delivery is at-least-once.
func (s *Store) fireTriggers() {
	if !s.rl.IsLeader() {
		return
	}
	for _, act := range s.machine.PendingActivations() {
		s.runActivation(act)
	}
}

func (s *Store) runActivation(act machine.TriggerActivation) {
	defer func() {
		if r := recover(); r != nil {
			log.PrintfStdErr("trigger %s raised on %s of %s: %v\n%s",
				act.TriggerID, act.Event.Action, act.Event.Path, r, debug.Stack())
		}
	}()

	raw, err := s.machine.Query(func(t *tree.Tree) (interface{}, error) {
		node, ok := t.Get(act.SprocPath)
		if !ok {
			return nil, kerr.NewNodeNotFound(act.SprocPath.String())
		}
		sp, ok := node.Sproc()
		if !ok {
			return nil, kerr.NewMismatchingNode(act.SprocPath.String(), "has_sproc")
		}
		return sp, nil
	})
	if err != nil {
		log.PrintfStdErr("trigger %s cannot resolve stored procedure %s: %s\n",
			act.TriggerID, act.SprocPath, err)
		return
	}

	arg := act.Event.Map()
	arg["trigger_id"] = act.TriggerID
	if _, err := raw.(*tree.StoredProc).Invoke(arg); err != nil {
		log.PrintfStdErr("trigger %s failed on %s of %s: %s\n",
			act.TriggerID, act.Event.Action, act.Event.Path, err)
	}
}
