package machine

import (
	"runtime/debug"

	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
)

// TxFunc is a transaction function. It observes the tree as of the
// transaction's starting log index through the Tx handle, and its
// return value becomes the transaction's result. Read-write functions
// are re-evaluated on every replica and must stay deterministic: no
// clocks, no process identity, no I/O.
type TxFunc func(tx *Tx) (interface{}, error)

// Tx is a transaction's view of the tree. Mutations stage against a
// private copy; nothing is visible outside until the transaction
// commits.
type Tx struct {
	tree     *tree.Tree
	readOnly bool

	events  []Event
	changed []path.Path
}

// Get returns the properties of the node a specific pattern targets.
func (tx *Tx) Get(pat path.Pattern) (map[string]interface{}, error) {
	_, node, err := tx.tree.ResolveSpecific(pat)
	if err != nil {
		return nil, err
	}
	if node == nil {
		target, _ := pat.IsSpecific()
		return nil, kerr.NewNodeNotFound(target.String())
	}
	return node.Props(nil), nil
}

// GetData returns the data payload of the targeted node.
func (tx *Tx) GetData(pat path.Pattern) (interface{}, error) {
	props, err := tx.Get(pat)
	if err != nil {
		return nil, err
	}
	data, ok := props[tree.PropData]
	if !ok {
		target, _ := pat.IsSpecific()
		return nil, kerr.NewNodeNotFound(target.String())
	}
	return data, nil
}

// GetOr returns the targeted node's data, or the default when the node
// is absent or carries no data.
func (tx *Tx) GetOr(pat path.Pattern, fallback interface{}) (interface{}, error) {
	data, err := tx.GetData(pat)
	if err != nil {
		if kerr.Is(err, kerr.NodeNotFound) {
			return fallback, nil
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether the targeted node exists.
func (tx *Tx) Exists(pat path.Pattern) (bool, error) {
	_, node, err := tx.tree.ResolveSpecific(pat)
	if err != nil {
		if kerr.Is(err, kerr.NodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return node != nil, nil
}

// Put creates or updates the targeted node's payload inside the
// transaction. Fails StoreUpdateDenied in a read-only transaction.
func (tx *Tx) Put(pat path.Pattern, payload tree.Payload) error {
	if tx.readOnly {
		return kerr.NewStoreUpdateDenied("put")
	}
	if len(pat) == 0 {
		return kerr.NewDeniedUpdate("/")
	}

	target, node, err := tx.tree.ResolveSpecific(pat)
	if err != nil {
		return err
	}
	var oldProps map[string]interface{}
	if node != nil {
		oldProps = node.Props(nil)
	}

	res, err := tx.tree.Insert(target, payload, true)
	if err != nil {
		return err
	}
	for _, created := range res.Created {
		n, _ := tx.tree.Get(created)
		tx.events = append(tx.events, Event{
			Path:     created,
			Action:   ActionCreate,
			NewProps: n.Props(nil),
		})
		tx.changed = append(tx.changed, created, created.Parent())
	}
	if res.Updated {
		n, _ := tx.tree.Get(target)
		tx.events = append(tx.events, Event{
			Path:     target,
			Action:   ActionUpdate,
			OldProps: oldProps,
			NewProps: n.Props(nil),
		})
		tx.changed = append(tx.changed, target)
	}
	return nil
}

// Delete removes the targeted node and its subtree inside the
// transaction. Fails StoreUpdateDenied in a read-only transaction.
func (tx *Tx) Delete(pat path.Pattern) error {
	if tx.readOnly {
		return kerr.NewStoreUpdateDenied("delete")
	}
	if len(pat) == 0 {
		return kerr.NewDeniedUpdate("/")
	}

	target, node, err := tx.tree.ResolveSpecific(pat)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}

	oldProps := map[string]map[string]interface{}{}
	var collect func(n *tree.Node, at path.Path)
	collect = func(n *tree.Node, at path.Path) {
		n.EachChild(func(id path.NodeID, child *tree.Node) bool {
			collect(child, at.Child(id))
			return true
		})
		oldProps[at.String()] = n.Props(nil)
	}
	collect(node, target)

	removed, err := tx.tree.Remove(target)
	if err != nil {
		return err
	}
	for _, p := range removed {
		tx.events = append(tx.events, Event{
			Path:     p,
			Action:   ActionDelete,
			OldProps: oldProps[p.String()],
		})
	}
	tx.changed = append(tx.changed, removed...)
	tx.changed = append(tx.changed, target.Parent())
	return nil
}

// Abort builds the error a transaction function returns to abort itself
// with a reason. The transaction's staged mutations are discarded.
func (tx *Tx) Abort(reason interface{}) error {
	return kerr.NewAbort(reason)
}

// runTxFunc evaluates a transaction function, converting a panic into
// an Exception error that preserves the raised value and stack trace.
func runTxFunc(fun TxFunc, tx *Tx) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.DEBUG("transaction function raised: %v", r)
			err = kerr.NewException("error", r, string(debug.Stack()))
		}
	}()
	return fun(tx)
}

// applyTransaction evaluates a read-write transaction inside command
// application. The function runs against a private copy of the tree;
// only a successful return swaps the copy in and dispatches the staged
// events. Read-write transactions therefore see each other serialized
// by log order, and an abort or exception rolls everything back.
func (m *Machine) applyTransaction(c RunTransaction) (Reply, error) {
	tx := &Tx{tree: m.tree.Clone()}

	value, err := runTxFunc(c.Fun, tx)
	if err != nil {
		return Reply{}, err
	}

	m.tree = tx.tree
	events := tx.events
	events = append(events, m.cascade(tx.changed)...)
	m.dispatch(events)

	return Reply{Value: value}, nil
}

// RunReadOnly evaluates a transaction function against a consistent
// snapshot, outside consensus. Any mutating primitive fails
// StoreUpdateDenied.
func (m *Machine) RunReadOnly(fun TxFunc) (interface{}, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	tx := &Tx{tree: m.tree, readOnly: true}
	return runTxFunc(fun, tx)
}
