package machine

import (
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
	"github.com/triptych/khepri/pkg/khepri/view"
)

// Trigger binds a stored procedure to an event filter.
type Trigger struct {
	ID        string
	Filter    EventFilter
	SprocPath path.Path

	regIndex int
}

// TriggerActivation is one queued trigger firing. Activations are
// executed on the current leader only, outside the deterministic core,
// with at-least-once delivery; the referenced stored procedure must be
// idempotent.
type TriggerActivation struct {
	TriggerID string
	SprocPath path.Path
	Event     Event
}

// SimpleFunc is a projection applied on create and update; the returned
// key/value pair is written to the view table, and a delete removes the
// key the path last projected to.
type SimpleFunc func(p path.Path, data interface{}) (key, value interface{}, err error)

// ExtendedFunc is a projection that mutates its view table itself, from
// the old and new properties of the changed node.
type ExtendedFunc func(tbl *view.Table, p path.Path, oldProps, newProps map[string]interface{}) error

// ProjectionSpec is the caller-facing description of a projection
// function and its view-table options.
type ProjectionSpec struct {
	Simple   SimpleFunc
	Extended ExtendedFunc
	Options  map[string]interface{}
}

// Projection is a registered projection and its node-local table.
type Projection struct {
	Name    string
	Pattern path.Pattern

	simple   SimpleFunc
	extended ExtendedFunc
	table    *view.Table

	// last key projected per path, so deletes and key changes can be
	// undone without re-running the function
	pathKeys map[string]interface{}
}

// Table exposes the projection's view table.
func (p *Projection) Table() *view.Table {
	return p.table
}

func (m *Machine) applyRegisterTrigger(c RegisterTrigger) (Reply, error) {
	for _, trig := range m.triggers {
		if trig.ID == c.ID {
			return Reply{}, kerr.NewExists("trigger", c.ID)
		}
	}
	m.triggers = append(m.triggers, &Trigger{
		ID:        c.ID,
		Filter:    c.Filter,
		SprocPath: c.SprocPath,
		regIndex:  len(m.triggers),
	})
	log.DEBUG("registered trigger %s -> %s", c.ID, c.SprocPath)
	return Reply{}, nil
}

func (m *Machine) applyRegisterProjection(c RegisterProjection) (Reply, error) {
	if c.Spec.Simple == nil && c.Spec.Extended == nil {
		return Reply{}, kerr.NewFunctionClause("projection", c.Name)
	}
	for _, proj := range m.projections {
		if proj.Name == c.Name {
			return Reply{}, kerr.NewExists("projection", c.Name)
		}
	}

	opts, err := view.ParseOptions(c.Spec.Options, c.Spec.Extended != nil)
	if err != nil {
		return Reply{}, err
	}
	table, err := m.views.Create(c.Name, opts)
	if err != nil {
		return Reply{}, err
	}

	proj := &Projection{
		Name:     c.Name,
		Pattern:  c.Pattern,
		simple:   c.Spec.Simple,
		extended: c.Spec.Extended,
		table:    table,
		pathKeys: map[string]interface{}{},
	}
	m.projections = append(m.projections, proj)

	// Retroactivity: replay the currently matching subtree as synthetic
	// create events, so the view looks as if the projection had always
	// existed.
	matches, err := m.tree.Walk(c.Pattern, tree.WalkOptions{})
	if err != nil {
		m.dropProjection(c.Name)
		return Reply{}, err
	}
	for _, match := range matches {
		m.projectEvent(proj, Event{
			Path:     match.Path,
			Action:   ActionCreate,
			NewProps: match.Props,
		})
	}

	log.DEBUG("registered projection %s on %s (%d retroactive match(es))",
		c.Name, c.Pattern, len(matches))
	return Reply{}, nil
}

func (m *Machine) applyUnregisterProjection(c UnregisterProjection) (Reply, error) {
	for i, proj := range m.projections {
		if proj.Name == c.Name {
			m.projections = append(m.projections[:i:i], m.projections[i+1:]...)
			m.views.Drop(c.Name)
			return Reply{}, nil
		}
	}
	return Reply{}, kerr.NewNodeNotFound(c.Name)
}

func (m *Machine) dropProjection(name string) {
	for i, proj := range m.projections {
		if proj.Name == name {
			m.projections = append(m.projections[:i:i], m.projections[i+1:]...)
			break
		}
	}
	m.views.Drop(name)
}

// HasProjection reports whether a projection is registered.
func (m *Machine) HasProjection(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, proj := range m.projections {
		if proj.Name == name {
			return true
		}
	}
	return false
}

// PendingActivations drains the queued trigger activations.
func (m *Machine) PendingActivations() []TriggerActivation {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// dispatch routes a command's change events to projections, triggers
// and sinks, in event order. Dispatch happens inside Apply, so command
// N's events are fully dispatched before command N+1 applies.
func (m *Machine) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	m.metrics.EventsEmitted += uint64(len(events))

	for _, ev := range events {
		for _, proj := range m.projections {
			if proj.Pattern.MatchesPath(ev.Path) {
				m.projectEvent(proj, ev)
			}
		}

		var selected []*Trigger
		for _, trig := range m.triggers {
			if trig.Filter.Matches(ev) {
				selected = append(selected, trig)
			}
		}
		sort.SliceStable(selected, func(i, j int) bool {
			if selected[i].Filter.Priority != selected[j].Filter.Priority {
				return selected[i].Filter.Priority > selected[j].Filter.Priority
			}
			return selected[i].regIndex < selected[j].regIndex
		})
		for _, trig := range selected {
			m.pending = append(m.pending, TriggerActivation{
				TriggerID: trig.ID,
				SprocPath: trig.SprocPath,
				Event:     ev,
			})
			m.metrics.TriggersQueued++
		}

		for _, sink := range m.sinks {
			sink.HandleEvent(ev)
		}
	}
}

// projectEvent applies one event to one projection. A failing projection
// function is logged with its name, the event, and the reason; it never
// rolls back the mutation or crashes the machine.
func (m *Machine) projectEvent(proj *Projection, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.PrintfStdErr("projection %s failed on %s of %s: %v\n%s",
				proj.Name, ev.Action, ev.Path, r, debug.Stack())
		}
	}()

	// Stored-procedure payloads are skipped entirely; projections only
	// react to data payloads.
	if propsHaveSproc(ev.NewProps) || (ev.NewProps == nil && propsHaveSproc(ev.OldProps)) {
		return
	}

	if proj.extended != nil {
		if err := proj.extended(proj.table, ev.Path, ev.OldProps, ev.NewProps); err != nil {
			m.reportProjectionError(proj, ev, err)
		}
		return
	}

	rendered := ev.Path.String()
	switch ev.Action {
	case ActionCreate, ActionUpdate:
		data, ok := eventData(ev.NewProps)
		if !ok {
			// An update away from data drops the stale key.
			if key, had := proj.pathKeys[rendered]; had {
				proj.table.DeleteKey(key)
				delete(proj.pathKeys, rendered)
			}
			return
		}
		key, value, err := proj.simple(ev.Path, data)
		if err != nil {
			m.reportProjectionError(proj, ev, err)
			return
		}
		if prev, had := proj.pathKeys[rendered]; had && keyChanged(prev, key) {
			proj.table.DeleteKey(prev)
		}
		proj.table.Put(key, value)
		proj.pathKeys[rendered] = key

	case ActionDelete:
		if key, had := proj.pathKeys[rendered]; had {
			proj.table.DeleteKey(key)
			delete(proj.pathKeys, rendered)
		}
	}
}

func (m *Machine) reportProjectionError(proj *Projection, ev Event, err error) {
	reason := err.Error()
	if kerr.Is(err, kerr.FunctionClause) {
		reason = "no function clause matching"
	}
	log.PrintfStdErr("projection %s failed on %s of %s: %s\n",
		proj.Name, ev.Action, ev.Path, reason)
}

func propsHaveSproc(props map[string]interface{}) bool {
	if props == nil {
		return false
	}
	_, ok := props[tree.PropSproc]
	return ok
}

func eventData(props map[string]interface{}) (interface{}, bool) {
	if props == nil {
		return nil, false
	}
	data, ok := props[tree.PropData]
	return data, ok
}

func keyChanged(a, b interface{}) bool {
	return fmt.Sprintf("%#v", a) != fmt.Sprintf("%#v", b)
}
