package tree

import (
	"sort"

	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
)

// Projectable property names accepted in props_to_return subsets. The
// tokens 'payload' and 'has_payload' are synonyms for the
// payload-variant-dependent fields.
const (
	PropData             = "data"
	PropSproc            = "sproc"
	PropRawPayload       = "raw_payload"
	PropHasData          = "has_data"
	PropIsSproc          = "is_sproc"
	PropHasPayload       = "has_payload"
	PropPayloadVersion   = "payload_version"
	PropChildListVersion = "child_list_version"
	PropChildListLength  = "child_list_length"
	PropChildNames       = "child_names"
)

var knownProps = map[string]bool{
	PropData:             true,
	PropSproc:            true,
	PropRawPayload:       true,
	PropHasData:          true,
	PropIsSproc:          true,
	PropHasPayload:       true,
	PropPayloadVersion:   true,
	PropChildListVersion: true,
	PropChildListLength:  true,
	PropChildNames:       true,
	"payload":            true,
}

// ValidateProps checks a props_to_return subset against the known
// property tokens.
func ValidateProps(want []string) error {
	for _, name := range want {
		if !knownProps[name] {
			return kerr.NewUnexpectedOption("props_to_return", name)
		}
	}
	return nil
}

// Node is one entity of the tree: a payload, its version counters, and
// the children keyed by identifier.
type Node struct {
	payload          Payload
	payloadVersion   uint64
	childListVersion uint64
	children         map[path.NodeID]*Node
}

func newNode(payload Payload) *Node {
	return &Node{
		payload:          payload,
		payloadVersion:   1,
		childListVersion: 1,
		children:         map[path.NodeID]*Node{},
	}
}

// Payload ...
func (n *Node) Payload() Payload {
	return n.payload
}

// PayloadVersion ...
func (n *Node) PayloadVersion() uint64 {
	return n.payloadVersion
}

// ChildListVersion ...
func (n *Node) ChildListVersion() uint64 {
	return n.childListVersion
}

// ChildCount ...
func (n *Node) ChildCount() int {
	return len(n.children)
}

// HasPayload ...
func (n *Node) HasPayload() bool {
	return !n.payload.IsNone()
}

// HasData ...
func (n *Node) HasData() bool {
	return n.payload.Kind() == PayloadData
}

// IsSproc ...
func (n *Node) IsSproc() bool {
	return n.payload.Kind() == PayloadSproc
}

// Data returns the node's data term and whether it carries one.
func (n *Node) Data() (interface{}, bool) {
	return n.payload.Data()
}

// Sproc returns the node's stored procedure and whether it carries one.
func (n *Node) Sproc() (*StoredProc, bool) {
	return n.payload.Sproc()
}

// Child returns the direct child under id, or nil.
func (n *Node) Child(id path.NodeID) *Node {
	return n.children[id]
}

// ChildNames returns the direct child identifiers in identifier order.
func (n *Node) ChildNames() []path.NodeID {
	names := make([]path.NodeID, 0, len(n.children))
	for id := range n.children {
		names = append(names, id)
	}
	sort.Slice(names, func(i, j int) bool {
		return names[i].Less(names[j])
	})
	return names
}

// EachChild visits the direct children in identifier order.
func (n *Node) EachChild(visit func(id path.NodeID, child *Node) bool) {
	for _, id := range n.ChildNames() {
		if !visit(id, n.children[id]) {
			return
		}
	}
}

func (n *Node) clone() *Node {
	out := &Node{
		payload:          n.payload,
		payloadVersion:   n.payloadVersion,
		childListVersion: n.childListVersion,
		children:         make(map[path.NodeID]*Node, len(n.children)),
	}
	for id, child := range n.children {
		out.children[id] = child.clone()
	}
	return out
}

// Props projects the node's properties into a map. A nil subset selects
// the default set: payload fields plus the version counters and the
// child list length. An empty subset yields an empty map.
func (n *Node) Props(want []string) map[string]interface{} {
	if want == nil {
		want = []string{
			PropData, PropSproc,
			PropPayloadVersion, PropChildListVersion, PropChildListLength,
		}
	}

	props := map[string]interface{}{}
	for _, name := range want {
		switch name {
		case PropData:
			if data, ok := n.Data(); ok {
				props[PropData] = data
			}
		case PropSproc:
			if sp, ok := n.Sproc(); ok {
				props[PropSproc] = sp
			}
		case "payload", PropRawPayload:
			// Synonyms for the payload-variant-dependent fields.
			if data, ok := n.Data(); ok {
				props[PropData] = data
			}
			if sp, ok := n.Sproc(); ok {
				props[PropSproc] = sp
			}
		case PropHasData:
			props[PropHasData] = n.HasData()
		case PropIsSproc:
			props[PropIsSproc] = n.IsSproc()
		case PropHasPayload:
			props[PropHasPayload] = n.HasPayload()
		case PropPayloadVersion:
			props[PropPayloadVersion] = n.payloadVersion
		case PropChildListVersion:
			props[PropChildListVersion] = n.childListVersion
		case PropChildListLength:
			props[PropChildListLength] = len(n.children)
		case PropChildNames:
			props[PropChildNames] = n.ChildNames()
		}
	}
	return props
}
