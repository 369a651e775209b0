// Package machine implements the deterministic core of the store: the
// state machine applying committed commands to the tree, the keep-while
// cascade, the transaction evaluator, and the trigger/projection
// dispatcher.
package machine

import (
	"fmt"
	"sync"

	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/keepwhile"
	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
	"github.com/triptych/khepri/pkg/khepri/view"
)

// Metrics counts what the machine has done since it started. Counters
// are node-local observability, not replicated state; they are guarded
// by the machine's own lock.
type Metrics struct {
	CommandsApplied  uint64
	EventsEmitted    uint64
	TriggersQueued   uint64
	CascadeDeletions uint64
}

// Machine is the single source of truth for one store: the tree, the
// keep-while graph, and the trigger/projection registries. Commands are
// applied one at a time under the log's total order; reads run
// concurrently against the same state under a read lock.
type Machine struct {
	mutex sync.RWMutex

	tree        *tree.Tree
	kw          *keepwhile.Graph
	triggers    []*Trigger
	projections []*Projection
	views       *view.Registry

	// Trigger activations queued by dispatch, drained by the store and
	// executed on the leader only, outside the deterministic core.
	pending []TriggerActivation

	sinks   []EventSink
	metrics Metrics
}

// New ...
func New(views *view.Registry) *Machine {
	if views == nil {
		views = view.NewRegistry()
	}
	return &Machine{
		tree:  tree.New(),
		kw:    keepwhile.New(),
		views: views,
	}
}

// Views returns the registry backing this machine's projections.
func (m *Machine) Views() *view.Registry {
	return m.views
}

// Metrics returns a snapshot of the machine's counters.
func (m *Machine) Metrics() Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.metrics
}

// AddSink registers a change-event sink. Sinks observe events after the
// owning command has fully applied.
func (m *Machine) AddSink(sink EventSink) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Query runs a read-only function against a consistent view of the
// tree. Queries never modify state.
func (m *Machine) Query(fn func(t *tree.Tree) (interface{}, error)) (interface{}, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return fn(m.tree)
}

// Snapshot is the machine state the log captures and reinstalls. The
// trigger and projection registries hold function values and travel by
// re-registration, not by snapshot.
type Snapshot struct {
	Tree      *tree.Tree
	KeepWhile *keepwhile.Graph
}

// Snapshot captures the replicated state.
func (m *Machine) Snapshot() interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return &Snapshot{
		Tree:      m.tree.Clone(),
		KeepWhile: m.kw.Clone(),
	}
}

// Restore reinstalls a previously captured state.
func (m *Machine) Restore(snapshot interface{}) error {
	snap, ok := snapshot.(*Snapshot)
	if !ok {
		return fmt.Errorf("unknown snapshot type %T", snapshot)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.tree = snap.Tree.Clone()
	m.kw = snap.KeepWhile.Clone()
	return nil
}

// ApplyCommand satisfies the log's commit callback.
func (m *Machine) ApplyCommand(cmd interface{}) (interface{}, error) {
	command, ok := cmd.(Command)
	if !ok {
		return Reply{}, fmt.Errorf("unknown command type %T", cmd)
	}
	return m.Apply(command)
}

// Apply applies one committed command. Effects on the tree, the
// keep-while graph, and the event stream are applied atomically under
// the machine's write lock; events are fully dispatched before Apply
// returns.
func (m *Machine) Apply(cmd Command) (Reply, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	log.DEBUG("applying %s command", cmd.CommandName())
	defer log.DEBUG("done applying %s command", cmd.CommandName())

	m.metrics.CommandsApplied++

	switch c := cmd.(type) {
	case Put:
		return m.applyPut(c)
	case PutMany:
		return m.applyPutMany(c)
	case Delete:
		return m.applyDelete(c)
	case DeleteMany:
		return m.applyDeleteMany(c)
	case DeletePayload:
		return m.applyDeletePayload(c)
	case RegisterTrigger:
		return m.applyRegisterTrigger(c)
	case RegisterProjection:
		return m.applyRegisterProjection(c)
	case UnregisterProjection:
		return m.applyUnregisterProjection(c)
	case RunTransaction:
		return m.applyTransaction(c)
	}
	return Reply{}, fmt.Errorf("unknown command type %T", cmd)
}

func (m *Machine) applyPut(c Put) (Reply, error) {
	if len(c.Pattern) == 0 {
		return Reply{}, kerr.NewDeniedUpdate("/")
	}
	if err := tree.ValidateProps(c.Options.PropsToReturn); err != nil {
		return Reply{}, err
	}

	target, node, err := m.tree.ResolveSpecific(c.Pattern)
	if err != nil {
		return Reply{}, err
	}

	var oldProps map[string]interface{}
	if node != nil {
		oldProps = node.Props(nil)
	}

	res, err := m.tree.Insert(target, c.Payload, true)
	if err != nil {
		return Reply{}, err
	}

	var events []Event
	changed := []path.Path{}
	for _, created := range res.Created {
		n, _ := m.tree.Get(created)
		events = append(events, Event{
			Path:     created,
			Action:   ActionCreate,
			NewProps: n.Props(nil),
		})
		changed = append(changed, created, created.Parent())
	}
	if res.Updated {
		n, _ := m.tree.Get(target)
		events = append(events, Event{
			Path:     target,
			Action:   ActionUpdate,
			OldProps: oldProps,
			NewProps: n.Props(nil),
		})
		changed = append(changed, target)
	}

	if c.Options.KeepWhile != nil {
		if err := m.kw.Put(target, c.Options.KeepWhile); err != nil {
			return Reply{}, err
		}
		// A keep-while violated at install time deletes the fresh
		// watcher in the same command.
		changed = append(changed, keepWhilePaths(c.Options.KeepWhile)...)
	}

	events = append(events, m.cascade(changed)...)
	m.dispatch(events)

	reply := Reply{Path: target}
	if c.Options.PropsToReturn != nil {
		if n, ok := m.tree.Get(target); ok {
			reply.Props = n.Props(c.Options.PropsToReturn)
		}
	}
	return reply, nil
}

func keepWhilePaths(conds keepwhile.Conditions) []path.Path {
	var out []path.Path
	for rendered := range conds {
		if p, err := path.ParsePath(rendered); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (m *Machine) applyPutMany(c PutMany) (Reply, error) {
	if err := tree.ValidateProps(c.Options.PropsToReturn); err != nil {
		return Reply{}, err
	}
	matches, err := m.tree.Walk(c.Pattern, tree.WalkOptions{
		IncludeRootProps: c.Options.IncludeRootProps,
	})
	if err != nil {
		return Reply{}, err
	}

	var events []Event
	var changed []path.Path
	nodes := map[string]map[string]interface{}{}
	for _, match := range matches {
		if len(match.Path) == 0 {
			return Reply{}, kerr.NewDeniedUpdate("/")
		}
		node, _ := m.tree.Get(match.Path)
		oldProps := node.Props(nil)
		if _, err := m.tree.Insert(match.Path, c.Payload, false); err != nil {
			return Reply{}, err
		}
		events = append(events, Event{
			Path:     match.Path,
			Action:   ActionUpdate,
			OldProps: oldProps,
			NewProps: node.Props(nil),
		})
		changed = append(changed, match.Path)
		if c.Options.PropsToReturn != nil {
			nodes[match.Path.String()] = node.Props(c.Options.PropsToReturn)
		}
	}

	events = append(events, m.cascade(changed)...)
	m.dispatch(events)

	return Reply{Nodes: nodes, Deleted: 0}, nil
}

func (m *Machine) applyDelete(c Delete) (Reply, error) {
	if len(c.Pattern) == 0 {
		return Reply{}, kerr.NewDeniedUpdate("/")
	}

	target, node, err := m.tree.ResolveSpecific(c.Pattern)
	if err != nil {
		return Reply{}, err
	}
	if node == nil {
		// Deleting an absent node is a no-op.
		return Reply{Path: target}, nil
	}

	events, removed := m.removeSubtree(target)
	changed := append(removed, target.Parent())
	events = append(events, m.cascade(changed)...)
	m.dispatch(events)

	return Reply{Path: target, Deleted: len(removed)}, nil
}

func (m *Machine) applyDeleteMany(c DeleteMany) (Reply, error) {
	matches, err := m.tree.Walk(c.Pattern, tree.WalkOptions{
		IncludeRootProps: c.Options.IncludeRootProps,
	})
	if err != nil {
		return Reply{}, err
	}

	var events []Event
	var changed []path.Path
	deleted := 0
	for _, match := range matches {
		if len(match.Path) == 0 {
			continue
		}
		if _, ok := m.tree.Get(match.Path); !ok {
			// Already gone as part of an earlier match's subtree.
			continue
		}
		evs, removed := m.removeSubtree(match.Path)
		events = append(events, evs...)
		deleted += len(removed)
		changed = append(changed, removed...)
		changed = append(changed, match.Path.Parent())
	}

	events = append(events, m.cascade(changed)...)
	m.dispatch(events)

	return Reply{Deleted: deleted}, nil
}

func (m *Machine) applyDeletePayload(c DeletePayload) (Reply, error) {
	if len(c.Pattern) == 0 {
		return Reply{}, kerr.NewDeniedUpdate("/")
	}
	if err := tree.ValidateProps(c.Options.PropsToReturn); err != nil {
		return Reply{}, err
	}

	target, node, err := m.tree.ResolveSpecific(c.Pattern)
	if err != nil {
		return Reply{}, err
	}
	if node == nil {
		return Reply{}, kerr.NewNodeNotFound(target.String())
	}

	oldProps := node.Props(nil)
	cleared, err := m.tree.ClearPayload(target)
	if err != nil {
		return Reply{}, err
	}

	var events []Event
	if cleared {
		events = append(events, Event{
			Path:     target,
			Action:   ActionUpdate,
			OldProps: oldProps,
			NewProps: node.Props(nil),
		})
		events = append(events, m.cascade([]path.Path{target})...)
	}
	m.dispatch(events)

	reply := Reply{Path: target}
	if c.Options.PropsToReturn != nil {
		reply.Props = node.Props(c.Options.PropsToReturn)
	}
	return reply, nil
}

// removeSubtree captures delete events for a node and its descendants,
// removes them from the tree, and forgets them as keep-while watchers.
// Events list descendants before their ancestors.
func (m *Machine) removeSubtree(target path.Path) ([]Event, []path.Path) {
	oldProps := map[string]map[string]interface{}{}
	node, _ := m.tree.Get(target)
	var collect func(n *tree.Node, at path.Path)
	collect = func(n *tree.Node, at path.Path) {
		n.EachChild(func(id path.NodeID, child *tree.Node) bool {
			collect(child, at.Child(id))
			return true
		})
		oldProps[at.String()] = n.Props(nil)
	}
	collect(node, target)

	removed, _ := m.tree.Remove(target)
	events := make([]Event, 0, len(removed))
	for _, p := range removed {
		m.kw.Remove(p)
		events = append(events, Event{
			Path:     p,
			Action:   ActionDelete,
			OldProps: oldProps[p.String()],
		})
	}
	return events, removed
}

// lookup adapts tree lookups to the keep-while condition evaluator. The
// nil interface for absent nodes is deliberate.
func (m *Machine) lookup(p path.Path) path.NodeView {
	node, ok := m.tree.Get(p)
	if !ok {
		return nil
	}
	return node
}

// cascade re-evaluates every watcher referencing a changed path and
// deletes the expired ones, iterating until the worklist drains. The
// visited set guards against re-entry; deletions only remove edges, so
// the cascade terminates.
func (m *Machine) cascade(changed []path.Path) []Event {
	var events []Event
	visited := map[string]bool{}
	worklist := changed

	for len(worklist) > 0 {
		affected := m.kw.AffectedBy(worklist)
		worklist = nil

		for _, watcher := range affected {
			rendered := watcher.String()
			if visited[rendered] {
				continue
			}
			visited[rendered] = true

			expired, err := m.kw.Expired(watcher, m.lookup)
			if err != nil {
				log.PrintfStdErr("keep-while condition on %s failed to evaluate: %s\n",
					rendered, err)
				continue
			}
			if !expired {
				continue
			}
			if _, ok := m.tree.Get(watcher); !ok {
				continue
			}

			log.DEBUG("keep-while cascade deletes %s", rendered)
			evs, removed := m.removeSubtree(watcher)
			events = append(events, evs...)
			worklist = append(worklist, removed...)
			worklist = append(worklist, watcher.Parent())

			m.metrics.CascadeDeletions += uint64(len(removed))
		}
	}
	return events
}
