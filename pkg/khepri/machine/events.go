package machine

import (
	"github.com/triptych/khepri/pkg/khepri/path"
)

// Action classifies a change event.
type Action string

const (
	// ActionCreate ...
	ActionCreate Action = "create"

	// ActionUpdate ...
	ActionUpdate Action = "update"

	// ActionDelete ...
	ActionDelete Action = "delete"
)

// Event is one tree change, emitted in command order. OldProps is absent
// on create; NewProps is absent on delete.
type Event struct {
	Path     path.Path
	Action   Action
	OldProps map[string]interface{}
	NewProps map[string]interface{}
}

// Map renders the event in the wire schema handed to triggers and
// external sinks.
func (e Event) Map() map[string]interface{} {
	out := map[string]interface{}{
		"path":      e.Path.String(),
		"on_action": string(e.Action),
	}
	if e.OldProps != nil {
		out["old_props"] = e.OldProps
	}
	if e.NewProps != nil {
		out["new_props"] = e.NewProps
	}
	return out
}

// EventSink receives every dispatched change event. Sink effects are
// node-local and intentionally outside the replicated state.
type EventSink interface {
	HandleEvent(Event)
}

// EventFilter selects the change events a trigger is interested in: a
// path pattern, the actions of interest (empty means all), and a firing
// priority (higher fires first).
type EventFilter struct {
	Pattern  path.Pattern
	Actions  []Action
	Priority int
}

// Matches ...
func (f EventFilter) Matches(ev Event) bool {
	if !f.Pattern.MatchesPath(ev.Path) {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == ev.Action {
			return true
		}
	}
	return false
}
