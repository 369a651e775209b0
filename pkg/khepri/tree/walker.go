package tree

import (
	"github.com/triptych/khepri/log"
	"github.com/triptych/khepri/pkg/khepri/kerr"
	"github.com/triptych/khepri/pkg/khepri/path"
)

// WalkOptions tunes a pattern walk.
type WalkOptions struct {
	// PropsToReturn selects the properties projected for each match. A
	// nil slice selects the default set; an empty one projects nothing.
	PropsToReturn []string

	// IncludeRootProps also emits the root node when the pattern can
	// match it by consuming zero components.
	IncludeRootProps bool

	// ExpectSpecificNode fails the walk when more than one node matches.
	ExpectSpecificNode bool
}

// Match is one node matched by a walk.
type Match struct {
	Path  path.Path
	Props map[string]interface{}
}

// Walk evaluates a pattern against the tree, emitting matches in
// depth-first order with children visited in identifier order. The
// any-depth wildcard branches zero-levels-first, so a node is emitted
// before its descendants. The walk never mutates the tree.
func (t *Tree) Walk(pat path.Pattern, opts WalkOptions) ([]Match, error) {
	if err := ValidateProps(opts.PropsToReturn); err != nil {
		return nil, err
	}

	log.TRACE("walking %s", pat)

	allowRoot := len(pat) == 0 || opts.IncludeRootProps
	var matches []Match
	seen := map[string]bool{}

	var walk func(n *Node, here path.Path, comps path.Pattern) error
	walk = func(n *Node, here path.Path, comps path.Pattern) error {
		if len(comps) == 0 {
			if len(here) == 0 && !allowRoot {
				return nil
			}
			rendered := here.String()
			if seen[rendered] {
				return nil
			}
			seen[rendered] = true
			matches = append(matches, Match{
				Path:  here.Copy(),
				Props: n.Props(opts.PropsToReturn),
			})
			return nil
		}

		if _, ok := comps[0].(path.WildcardMany); ok {
			// Zero more levels, then descend one level without
			// consuming the component.
			if err := walk(n, here, comps[1:]); err != nil {
				return err
			}
			var walkErr error
			n.EachChild(func(id path.NodeID, child *Node) bool {
				walkErr = walk(child, here.Child(id), comps)
				return walkErr == nil
			})
			return walkErr
		}

		var walkErr error
		n.EachChild(func(id path.NodeID, child *Node) bool {
			ok, err := comps[0].Match(id, child)
			if err != nil {
				walkErr = err
				return false
			}
			if ok {
				walkErr = walk(child, here.Child(id), comps[1:])
			}
			return walkErr == nil
		})
		return walkErr
	}

	if err := walk(t.root, path.Path{}, pat); err != nil {
		return nil, err
	}

	if opts.ExpectSpecificNode && len(matches) > 1 {
		return nil, kerr.NewNotSpecific(pat.String())
	}

	log.TRACE("walk of %s matched %d node(s)", pat, len(matches))
	return matches, nil
}

// ResolveSpecific resolves a specific pattern down to its single target,
// verifying every component's conditions along the way. The returned
// node is nil when the target does not exist but its absence satisfies
// the final component (a creation target). Condition failures on an
// existing node report MismatchingNode; absence that the pattern does
// not admit reports NodeNotFound.
func (t *Tree) ResolveSpecific(pat path.Pattern) (path.Path, *Node, error) {
	target, ok := pat.IsSpecific()
	if !ok {
		return nil, nil, kerr.NewNotSpecific(pat.String())
	}

	cur := t.root
	for i, id := range target {
		var child *Node
		if cur != nil {
			child = cur.Child(id)
		}
		ok, err := pat[i].Match(id, child)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			at := path.Path(target[:i+1]).String()
			if child == nil {
				return nil, nil, kerr.NewNodeNotFound(at)
			}
			return nil, nil, kerr.NewMismatchingNode(at, pat[i].String())
		}
		cur = child
	}
	return target, cur, nil
}
