package machine

import (
	"github.com/triptych/khepri/pkg/khepri/keepwhile"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
)

// CommandOptions is the per-command option set the machine honors.
// Submission-side options (timeout, async, favor) are consumed by the
// log layer before a command reaches the machine.
type CommandOptions struct {
	// PropsToReturn selects the properties carried in the reply. Nil
	// keeps replies minimal.
	PropsToReturn []string

	// IncludeRootProps also matches the root node where the pattern
	// admits it.
	IncludeRootProps bool

	// KeepWhile is installed atomically with the mutation: the written
	// node stays alive only while every keyed path satisfies its
	// condition.
	KeepWhile keepwhile.Conditions
}

// Command is a deterministic state transition applied under the log's
// total order.
type Command interface {
	CommandName() string
}

// Put resolves a specific pattern and creates or updates the target
// node's payload, creating missing parents.
type Put struct {
	Pattern path.Pattern
	Payload tree.Payload
	Options CommandOptions
}

// CommandName ...
func (Put) CommandName() string { return "put" }

// PutMany updates the payload of every existing node the pattern
// matches. It never creates nodes.
type PutMany struct {
	Pattern path.Pattern
	Payload tree.Payload
	Options CommandOptions
}

// CommandName ...
func (PutMany) CommandName() string { return "put_many" }

// Delete removes the single node a specific pattern targets, along with
// its subtree. Deleting an absent node is a no-op.
type Delete struct {
	Pattern path.Pattern
	Options CommandOptions
}

// CommandName ...
func (Delete) CommandName() string { return "delete" }

// DeleteMany removes every node the pattern matches, along with their
// subtrees.
type DeleteMany struct {
	Pattern path.Pattern
	Options CommandOptions
}

// CommandName ...
func (DeleteMany) CommandName() string { return "delete_many" }

// DeletePayload clears the payload of the targeted node, leaving the
// node and its children in place.
type DeletePayload struct {
	Pattern path.Pattern
	Options CommandOptions
}

// CommandName ...
func (DeletePayload) CommandName() string { return "delete_payload" }

// RegisterTrigger binds a stored procedure to an event filter.
type RegisterTrigger struct {
	ID        string
	Filter    EventFilter
	SprocPath path.Path
}

// CommandName ...
func (RegisterTrigger) CommandName() string { return "register_trigger" }

// RegisterProjection installs a projection and retroactively replays the
// currently matching subtree through it.
type RegisterProjection struct {
	Name    string
	Pattern path.Pattern
	Spec    ProjectionSpec
}

// CommandName ...
func (RegisterProjection) CommandName() string { return "register_projection" }

// UnregisterProjection removes a projection and drops its view table.
type UnregisterProjection struct {
	Name string
}

// CommandName ...
func (UnregisterProjection) CommandName() string { return "unregister_projection" }

// RunTransaction evaluates a read-write transaction function inside
// command application, so every replica recomputes it identically.
type RunTransaction struct {
	Fun TxFunc
}

// CommandName ...
func (RunTransaction) CommandName() string { return "run_transaction" }

// Reply carries a command's result. Which fields are set depends on the
// command: single-node replies fill Path/Props, many-node replies fill
// Nodes, deletions fill Deleted, transactions fill Value.
type Reply struct {
	Path    path.Path
	Props   map[string]interface{}
	Nodes   map[string]map[string]interface{}
	Deleted int
	Value   interface{}
}
