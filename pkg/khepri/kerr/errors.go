// Package kerr carries the error taxonomy shared by every layer of the
// store. Failures cross package and wire boundaries as a kind, a stable
// info map, and an optional cause.
package kerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorizes a store failure.
type Kind string

const (
	// NodeNotFound indicates a path that resolved to no tree node
	NodeNotFound Kind = "node_not_found"

	// MismatchingNode indicates a structural condition failed on a node
	// that otherwise exists
	MismatchingNode Kind = "mismatching_node"

	// NotSpecific indicates a pattern that may match more than one node
	// was given to a single-target mutation
	NotSpecific Kind = "not_specific"

	// DeniedUpdate indicates a mutation on a node that refuses updates,
	// such as the root payload
	DeniedUpdate Kind = "denied_update"

	// StoreUpdateDenied indicates a read-only transaction attempted a write
	StoreUpdateDenied Kind = "store_update_denied"

	// UnanalyzableTxFun indicates a transaction function whose read/write
	// classification could not be determined
	UnanalyzableTxFun Kind = "unanalyzable_tx_fun"

	// FunctionClause indicates a stored procedure, trigger or projection
	// function that did not match its inputs
	FunctionClause Kind = "function_clause"

	// Exists indicates a duplicate trigger or projection registration
	Exists Kind = "exists"

	// Timeout indicates an elapsed deadline waiting for a reply
	Timeout Kind = "timeout"

	// UnexpectedOption indicates an unrecognized option name or value
	UnexpectedOption Kind = "unexpected_option"

	// NotLeader indicates a leader-only operation reached a follower
	NotLeader Kind = "not_leader"

	// NoQuorum indicates the log could not reach a quorum of members
	NoQuorum Kind = "no_quorum"

	// Exception indicates a raised error escaped a user-supplied function
	Exception Kind = "exception"

	// Aborted indicates a transaction aborted itself on purpose
	Aborted Kind = "aborted"
)

// Error is the store's failure value: a kind, a human message, and a map
// of stable identifying keys.
type Error struct {
	Kind    Kind
	Message string
	Info    map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if len(e.Info) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	keys := make([]string, 0, len(e.Info))
	for k := range e.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Info[k]))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(parts, " "))
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind Kind, message string, info map[string]interface{}) *Error {
	return &Error{Kind: kind, Message: message, Info: info}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind carried by err, or the empty string when err
// is not a store error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// InfoOf returns the info map carried by err, or nil.
func InfoOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Info
	}
	return nil
}

// NewNodeNotFound ...
func NewNodeNotFound(path string) *Error {
	return New(NodeNotFound, "node not found", map[string]interface{}{"path": path})
}

// NewMismatchingNode ...
func NewMismatchingNode(path string, condition string) *Error {
	return New(MismatchingNode, "node exists but does not match the given conditions",
		map[string]interface{}{"path": path, "condition": condition})
}

// NewNotSpecific ...
func NewNotSpecific(pattern string) *Error {
	return New(NotSpecific, "pattern may match more than one node",
		map[string]interface{}{"pattern": pattern})
}

// NewDeniedUpdate ...
func NewDeniedUpdate(path string) *Error {
	return New(DeniedUpdate, "node denies updates", map[string]interface{}{"path": path})
}

// NewStoreUpdateDenied ...
func NewStoreUpdateDenied(op string) *Error {
	return New(StoreUpdateDenied, "mutation attempted inside a read-only transaction",
		map[string]interface{}{"operation": op})
}

// NewUnanalyzableTxFun ...
func NewUnanalyzableTxFun() *Error {
	return New(UnanalyzableTxFun,
		"cannot classify the transaction function; pass an explicit read-only or read-write mode", nil)
}

// NewFunctionClause ...
func NewFunctionClause(what string, name string) *Error {
	return New(FunctionClause, "no function clause matching",
		map[string]interface{}{what: name})
}

// NewExists ...
func NewExists(what string, name string) *Error {
	return New(Exists, fmt.Sprintf("%s already registered", what),
		map[string]interface{}{what: name})
}

// NewTimeout ...
func NewTimeout(op string) *Error {
	return New(Timeout, "timed out waiting for a reply",
		map[string]interface{}{"operation": op})
}

// NewUnexpectedOption ...
func NewUnexpectedOption(option string, value interface{}) *Error {
	return New(UnexpectedOption, "unrecognized option",
		map[string]interface{}{"option": option, "value": value})
}

// NewNotLeader ...
func NewNotLeader() *Error {
	return New(NotLeader, "operation requires the cluster leader", nil)
}

// NewNoQuorum ...
func NewNoQuorum() *Error {
	return New(NoQuorum, "no quorum of log members reachable", nil)
}

// NewException wraps a value raised by a user-supplied function, keeping
// the raised value and the stack trace it escaped with.
func NewException(class string, value interface{}, trace string) *Error {
	return New(Exception, fmt.Sprintf("%s raised: %v", class, value),
		map[string]interface{}{"class": class, "value": value, "trace": trace})
}

// NewAbort carries the reason a transaction aborted itself with.
func NewAbort(reason interface{}) *Error {
	return New(Aborted, fmt.Sprintf("transaction aborted: %v", reason),
		map[string]interface{}{"reason": reason})
}
