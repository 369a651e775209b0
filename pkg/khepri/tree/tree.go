package tree

import (
	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
)

// Tree is the mutable ownership-tree. It is not safe for concurrent
// mutation; the state machine serializes every write, and readers use
// Clone for consistent snapshots.
type Tree struct {
	root *Node
}

// New returns a tree holding only the root node.
func New() *Tree {
	return &Tree{root: newNode(None())}
}

// Root returns the root node. The root always exists and never carries a
// payload.
func (t *Tree) Root() *Node {
	return t.root
}

// Get returns the node at a concrete path.
func (t *Tree) Get(p path.Path) (*Node, bool) {
	cur := t.root
	for _, id := range p {
		cur = cur.Child(id)
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Len counts the nodes in the tree, the root excluded.
func (t *Tree) Len() int {
	count := -1
	var walk func(n *Node)
	walk = func(n *Node) {
		count++
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
	return count
}

// Clone returns a deep, independent copy of the tree. Payload terms are
// shared; they are treated as immutable by every layer above.
func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root.clone()}
}

// InsertResult reports what an insert changed: the paths of nodes that
// did not exist before (missing intermediates included, shallow first)
// and whether an existing target had its payload replaced.
type InsertResult struct {
	Created []path.Path
	Updated bool
}

// Insert sets the payload at a concrete path, creating the node if
// needed. Missing intermediate nodes are created with no payload when
// createMissing is set; otherwise their absence fails the insert. Every
// payload write on an existing node bumps its payload version, identical
// payloads included.
func (t *Tree) Insert(p path.Path, payload Payload, createMissing bool) (InsertResult, error) {
	if len(p) == 0 {
		return InsertResult{}, kerr.NewDeniedUpdate(p.String())
	}

	var res InsertResult
	cur := t.root
	for i, id := range p {
		child := cur.Child(id)
		last := i == len(p)-1
		if child == nil {
			if !last && !createMissing {
				return InsertResult{}, kerr.NewNodeNotFound(path.Path(p[:i+1]).String())
			}
			if last {
				child = newNode(payload)
			} else {
				child = newNode(None())
			}
			cur.children[id] = child
			cur.childListVersion++
			res.Created = append(res.Created, p[:i+1].Copy())
		} else if last {
			child.payload = payload
			child.payloadVersion++
			res.Updated = true
		}
		cur = child
	}
	return res, nil
}

// ClearPayload removes the payload at a concrete path, leaving the node
// in place. Clearing a node that has no payload is a no-op.
func (t *Tree) ClearPayload(p path.Path) (bool, error) {
	if len(p) == 0 {
		return false, kerr.NewDeniedUpdate(p.String())
	}
	node, ok := t.Get(p)
	if !ok {
		return false, kerr.NewNodeNotFound(p.String())
	}
	if !node.HasPayload() {
		return false, nil
	}
	node.payload = None()
	node.payloadVersion++
	return true, nil
}

// Remove deletes the node at a concrete path together with its subtree,
// returning every removed path with descendants before their ancestors.
// Removing an absent node is a no-op.
func (t *Tree) Remove(p path.Path) ([]path.Path, error) {
	if len(p) == 0 {
		return nil, kerr.NewDeniedUpdate(p.String())
	}

	parent, ok := t.Get(p.Parent())
	if !ok {
		return nil, nil
	}
	id := p[len(p)-1]
	node := parent.Child(id)
	if node == nil {
		return nil, nil
	}

	var removed []path.Path
	var collect func(n *Node, at path.Path)
	collect = func(n *Node, at path.Path) {
		n.EachChild(func(cid path.NodeID, child *Node) bool {
			collect(child, at.Child(cid))
			return true
		})
		removed = append(removed, at)
	}
	collect(node, p.Copy())

	delete(parent.children, id)
	parent.childListVersion++
	return removed, nil
}
