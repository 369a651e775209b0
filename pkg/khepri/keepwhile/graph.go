// Package keepwhile tracks lifetime dependencies between tree nodes: a
// watcher path stays alive only while every path it watches satisfies
// its associated condition. The graph answers which watchers a set of
// changed paths may have invalidated; the state machine drives the
// resulting deletion cascade.
package keepwhile

import (
	"sort"

	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/path"
)

// Conditions maps a watched path to the condition the watcher requires
// of it.
type Conditions map[string]path.Component

// Graph is the bidirectional watcher/watched index. It is owned by the
// state machine and accessed only under its command serialization.
type Graph struct {
	// watcher -> watched -> condition
	forward map[string]map[string]path.Component
	// watched -> watchers
	reverse map[string]map[string]bool
	// rendered -> parsed, for every path appearing on either side
	paths map[string]path.Path
}

// New ...
func New() *Graph {
	return &Graph{
		forward: map[string]map[string]path.Component{},
		reverse: map[string]map[string]bool{},
		paths:   map[string]path.Path{},
	}
}

// Clone returns an independent copy of the graph, for snapshots.
func (g *Graph) Clone() *Graph {
	out := New()
	for watcher, watched := range g.forward {
		out.forward[watcher] = make(map[string]path.Component, len(watched))
		for k, cond := range watched {
			out.forward[watcher][k] = cond
		}
	}
	for watched, watchers := range g.reverse {
		out.reverse[watched] = make(map[string]bool, len(watchers))
		for w := range watchers {
			out.reverse[watched][w] = true
		}
	}
	for rendered, p := range g.paths {
		out.paths[rendered] = p.Copy()
	}
	return out
}

// Len returns the number of watchers with live conditions.
func (g *Graph) Len() int {
	return len(g.forward)
}

// Put installs (or replaces) the conditions a watcher lives by. Watched
// keys are concrete path strings in the pattern grammar.
func (g *Graph) Put(watcher path.Path, conds Conditions) error {
	g.drop(watcher.String())
	if len(conds) == 0 {
		return nil
	}

	w := watcher.String()
	g.paths[w] = watcher.Copy()
	g.forward[w] = map[string]path.Component{}
	for watched, cond := range conds {
		parsed, err := path.ParsePath(watched)
		if err != nil {
			g.drop(w)
			return err
		}
		k := parsed.String()
		g.paths[k] = parsed
		g.forward[w][k] = cond
		if g.reverse[k] == nil {
			g.reverse[k] = map[string]bool{}
		}
		g.reverse[k][w] = true
	}
	log.TRACE("keep-while: %s now watches %d path(s)", w, len(g.forward[w]))
	return nil
}

// Remove forgets a deleted path: it stops being a watcher. Edges that
// watch the removed path stay in place; their watchers are re-evaluated
// by the cascade and fail their existence conditions there.
func (g *Graph) Remove(p path.Path) {
	g.drop(p.String())
}

func (g *Graph) drop(watcher string) {
	watched, ok := g.forward[watcher]
	if !ok {
		return
	}
	delete(g.forward, watcher)
	for k := range watched {
		delete(g.reverse[k], watcher)
		if len(g.reverse[k]) == 0 {
			delete(g.reverse, k)
		}
	}
}

// CondsFor returns the watcher's conditions keyed by parsed watched
// path, or nil when the path is not a watcher.
func (g *Graph) CondsFor(watcher path.Path) map[string]path.Component {
	return g.forward[watcher.String()]
}

// WatchedPath resolves a rendered watched path back to its parsed form.
func (g *Graph) WatchedPath(rendered string) path.Path {
	return g.paths[rendered]
}

// AffectedBy returns the watchers holding a condition on any of the
// changed paths, ordered for deterministic cascade processing:
// identifier-lexicographic, descendants before the paths they extend.
func (g *Graph) AffectedBy(changed []path.Path) []path.Path {
	hit := map[string]bool{}
	for _, p := range changed {
		for watcher := range g.reverse[p.String()] {
			hit[watcher] = true
		}
	}

	out := make([]path.Path, 0, len(hit))
	for watcher := range hit {
		out = append(out, g.paths[watcher])
	}
	sort.Slice(out, func(i, j int) bool {
		return path.Compare(out[i], out[j]) < 0
	})
	return out
}

// Expired re-evaluates a watcher's conditions against the current tree
// state, supplied through lookup (which returns nil for absent nodes).
// The watcher is expired as soon as any watched condition fails.
func (g *Graph) Expired(watcher path.Path, lookup func(path.Path) path.NodeView) (bool, error) {
	for rendered, cond := range g.forward[watcher.String()] {
		watched := g.paths[rendered]
		var id path.NodeID
		if len(watched) > 0 {
			id = watched[len(watched)-1]
		}
		node := lookup(watched)
		ok, err := cond.Match(id, node)
		if err != nil {
			return false, err
		}
		if !ok {
			log.DEBUG("keep-while: %s expired, %s no longer satisfies %s",
				watcher, rendered, cond)
			return true, nil
		}
	}
	return false, nil
}
