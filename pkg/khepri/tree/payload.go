// Package tree holds the in-memory hierarchical node structure: payload
// variants, per-node versions, tree mutation primitives, and the pattern
// walker.
package tree

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/triptych/khepri/pkg/khepri/kerr"
)

// PayloadKind discriminates the payload variants a node may carry.
type PayloadKind int

const (
	// PayloadNone is the payload of a node that only structures the tree
	PayloadNone PayloadKind = iota

	// PayloadData carries an opaque caller-chosen term
	PayloadData

	// PayloadSproc carries a stored procedure
	PayloadSproc
)

// String ...
func (k PayloadKind) String() string {
	switch k {
	case PayloadData:
		return "data"
	case PayloadSproc:
		return "sproc"
	default:
		return "none"
	}
}

// Payload is the tagged content of a tree node: absent, a data term, or
// a stored procedure.
type Payload struct {
	kind  PayloadKind
	data  interface{}
	sproc *StoredProc
}

// None returns the absent payload.
func None() Payload {
	return Payload{}
}

// Data wraps a caller-chosen term as a node payload.
func Data(value interface{}) Payload {
	return Payload{kind: PayloadData, data: value}
}

// Sproc wraps a stored procedure as a node payload.
func Sproc(sp *StoredProc) Payload {
	return Payload{kind: PayloadSproc, sproc: sp}
}

// Kind ...
func (p Payload) Kind() PayloadKind {
	return p.kind
}

// IsNone ...
func (p Payload) IsNone() bool {
	return p.kind == PayloadNone
}

// Data returns the data term and whether the payload carries one.
func (p Payload) Data() (interface{}, bool) {
	if p.kind != PayloadData {
		return nil, false
	}
	return p.data, true
}

// Sproc returns the stored procedure and whether the payload carries one.
func (p Payload) Sproc() (*StoredProc, bool) {
	if p.kind != PayloadSproc {
		return nil, false
	}
	return p.sproc, true
}

// Equal compares payloads structurally.
func (p Payload) Equal(other Payload) bool {
	if p.kind != other.kind {
		return false
	}
	switch p.kind {
	case PayloadData:
		return reflect.DeepEqual(p.data, other.data)
	case PayloadSproc:
		return p.sproc.Name == other.sproc.Name
	}
	return true
}

// String ...
func (p Payload) String() string {
	switch p.kind {
	case PayloadData:
		return fmt.Sprintf("data(%v)", p.data)
	case PayloadSproc:
		return fmt.Sprintf("sproc(%s)", p.sproc.Name)
	}
	return "none"
}

// Func is the shape of a registered stored procedure body.
type Func func(args ...interface{}) (interface{}, error)

// StoredProc is a relocatable reference to a registered function body.
// Only the symbolic name and arity travel with the payload, so a payload
// survives snapshot and restore as long as the process has the same
// functions registered.
type StoredProc struct {
	Name  string
	Arity int
}

var (
	funcRegistryMutex sync.RWMutex
	funcRegistry      = map[string]registeredFunc{}
)

type registeredFunc struct {
	arity int
	fn    Func
}

// RegisterFunc registers a function body under a symbolic name and
// returns the stored-procedure handle referencing it. Re-registering a
// name replaces the body; payloads referencing it pick up the new body.
func RegisterFunc(name string, arity int, fn Func) *StoredProc {
	funcRegistryMutex.Lock()
	funcRegistry[name] = registeredFunc{arity: arity, fn: fn}
	funcRegistryMutex.Unlock()
	return &StoredProc{Name: name, Arity: arity}
}

// UnregisterFunc removes a registered function body.
func UnregisterFunc(name string) {
	funcRegistryMutex.Lock()
	delete(funcRegistry, name)
	funcRegistryMutex.Unlock()
}

// Invoke resolves the referenced body and calls it. A missing
// registration or an argument count that does not fit the declared arity
// fails with a function clause error.
func (sp *StoredProc) Invoke(args ...interface{}) (interface{}, error) {
	funcRegistryMutex.RLock()
	reg, ok := funcRegistry[sp.Name]
	funcRegistryMutex.RUnlock()

	if !ok {
		return nil, kerr.NewFunctionClause("function", sp.Name)
	}
	if reg.arity >= 0 && len(args) != reg.arity {
		return nil, kerr.NewFunctionClause("function", sp.Name)
	}
	return reg.fn(args...)
}
