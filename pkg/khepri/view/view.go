// Package view implements the process-local tables that back
// projections. Tables are caches: they live outside the replicated
// state, are created when a projection registers, and are dropped when
// the store shuts down.
package view

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/triptych/khepri/pkg/khepri/kerr"
)

// TableType selects the row semantics of a table.
type TableType string

const (
	// SetTable keeps one row per key
	SetTable TableType = "set"

	// BagTable keeps any number of rows per key
	BagTable TableType = "bag"
)

// Options configures a table. Concurrency hints are accepted for
// compatibility with callers tuning their views; the implementation
// keeps one lock per table either way.
type Options struct {
	Type             TableType
	ReadConcurrency  bool
	WriteConcurrency bool
}

// ParseOptions validates a caller-supplied option map. The type option
// accepts 'set' and 'bag'; 'bag' is only valid for extended projection
// functions, which manage their own rows. Anything unrecognized is
// rejected rather than passed through.
func ParseOptions(raw map[string]interface{}, extended bool) (Options, error) {
	opts := Options{Type: SetTable}
	for name, value := range raw {
		switch name {
		case "type":
			s, ok := value.(string)
			if !ok {
				return opts, kerr.NewUnexpectedOption("type", value)
			}
			switch TableType(s) {
			case SetTable:
				opts.Type = SetTable
			case BagTable:
				if !extended {
					return opts, kerr.NewUnexpectedOption("type", s)
				}
				opts.Type = BagTable
			default:
				return opts, kerr.NewUnexpectedOption("type", s)
			}
		case "read_concurrency":
			b, ok := value.(bool)
			if !ok {
				return opts, kerr.NewUnexpectedOption("read_concurrency", value)
			}
			opts.ReadConcurrency = b
		case "write_concurrency":
			b, ok := value.(bool)
			if !ok {
				return opts, kerr.NewUnexpectedOption("write_concurrency", value)
			}
			opts.WriteConcurrency = b
		default:
			return opts, kerr.NewUnexpectedOption(name, value)
		}
	}
	return opts, nil
}

// Row is one table entry.
type Row struct {
	Key   interface{}
	Value interface{}
}

// Table is one projection's materialized view.
type Table struct {
	name string
	opts Options

	mutex sync.RWMutex
	rows  map[string][]Row
}

func newTable(name string, opts Options) *Table {
	return &Table{
		name: name,
		opts: opts,
		rows: map[string][]Row{},
	}
}

// Name ...
func (t *Table) Name() string {
	return t.name
}

// Type ...
func (t *Table) Type() TableType {
	return t.opts.Type
}

func keyString(key interface{}) string {
	return fmt.Sprintf("%#v", key)
}

// Put writes a row. Set tables replace the key's row; bag tables append.
func (t *Table) Put(key, value interface{}) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	k := keyString(key)
	if t.opts.Type == SetTable {
		t.rows[k] = []Row{{Key: key, Value: value}}
		return
	}
	t.rows[k] = append(t.rows[k], Row{Key: key, Value: value})
}

// Get returns the value stored under key in a set table. For bag tables
// it returns the first row's value.
func (t *Table) Get(key interface{}) (interface{}, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	rows := t.rows[keyString(key)]
	if len(rows) == 0 {
		return nil, false
	}
	return rows[0].Value, true
}

// GetAll returns every value stored under key.
func (t *Table) GetAll(key interface{}) []interface{} {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	rows := t.rows[keyString(key)]
	out := make([]interface{}, len(rows))
	for i, row := range rows {
		out[i] = row.Value
	}
	return out
}

// DeleteKey removes every row under key.
func (t *Table) DeleteKey(key interface{}) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.rows, keyString(key))
}

// DeleteRow removes one row matching both key and value. Bag tables drop
// a single occurrence.
func (t *Table) DeleteRow(key, value interface{}) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	k := keyString(key)
	rows := t.rows[k]
	for i, row := range rows {
		if reflect.DeepEqual(row.Value, value) {
			t.rows[k] = append(rows[:i:i], rows[i+1:]...)
			if len(t.rows[k]) == 0 {
				delete(t.rows, k)
			}
			return
		}
	}
}

// Rows returns every row, ordered by rendered key for stable iteration.
func (t *Table) Rows() []Row {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Row
	for _, k := range keys {
		out = append(out, t.rows[k]...)
	}
	return out
}

// Len counts the rows in the table.
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	count := 0
	for _, rows := range t.rows {
		count += len(rows)
	}
	return count
}

// Clear drops every row.
func (t *Table) Clear() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.rows = map[string][]Row{}
}

// Registry owns the view tables of one store.
type Registry struct {
	mutex  sync.RWMutex
	tables map[string]*Table
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{tables: map[string]*Table{}}
}

// Create makes the table backing a projection. A duplicate name fails
// with Exists and leaves the existing table untouched.
func (r *Registry) Create(name string, opts Options) (*Table, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.tables[name]; ok {
		return nil, kerr.NewExists("projection", name)
	}
	tbl := newTable(name, opts)
	r.tables[name] = tbl
	return tbl, nil
}

// Get returns a table by projection name.
func (r *Registry) Get(name string) (*Table, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tbl, ok := r.tables[name]
	return tbl, ok
}

// Drop destroys a projection's table.
func (r *Registry) Drop(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.tables, name)
}

// Close destroys every table; called when the store shuts down.
func (r *Registry) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.tables = map[string]*Table{}
}
