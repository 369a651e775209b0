package path

import (
	"strings"
)

// Pattern is an ordered sequence of components, each matching one path
// level (WildcardMany matches any number of levels, including zero). The
// empty pattern denotes the root.
type Pattern []Component

// String renders the pattern in the grammar understood by ParseString.
// Only literal identifiers and wildcards round-trip; condition components
// render in a descriptive bracket form.
func (p Pattern) String() string {
	if len(p) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, comp := range p {
		sb.WriteByte('/')
		sb.WriteString(comp.String())
	}
	return sb.String()
}

// Copy returns an independent copy of the pattern.
func (p Pattern) Copy() Pattern {
	out := make(Pattern, len(p))
	copy(out, p)
	return out
}

// Combine folds extra conditions onto the final component of the
// pattern. A literal identifier becomes an All over the identifier and
// the conditions, preserving specificity. Combining onto the root (empty
// pattern) is a no-op; the root's presence is never in question.
func (p Pattern) Combine(conds ...Component) Pattern {
	if len(p) == 0 || len(conds) == 0 {
		return p
	}
	out := p.Copy()
	last := out[len(out)-1]
	if all, ok := last.(All); ok {
		merged := make(All, 0, len(all)+len(conds))
		merged = append(merged, all...)
		merged = append(merged, conds...)
		out[len(out)-1] = merged
		return out
	}
	merged := make(All, 0, 1+len(conds))
	merged = append(merged, last)
	merged = append(merged, conds...)
	out[len(out)-1] = merged
	return out
}

// IsSpecific reports whether the pattern can match at most one node, and
// returns the concrete path it targets.
func (p Pattern) IsSpecific() (Path, bool) {
	target := make(Path, len(p))
	for i, comp := range p {
		id, ok := comp.Specific()
		if !ok {
			return nil, false
		}
		target[i] = id
	}
	return target, true
}

// MatchesPath reports whether the pattern matches a concrete path,
// considering identifiers only. Conditions that would need to inspect
// node state (data, payload, versions) are treated as matching; event
// filters are path-centric and the caller applies any further state
// checks itself.
func (p Pattern) MatchesPath(target Path) bool {
	return matchesPathFrom(p, target, 0, 0)
}

func matchesPathFrom(pat Pattern, target Path, pi, ti int) bool {
	if pi == len(pat) {
		return ti == len(target)
	}

	if _, ok := pat[pi].(WildcardMany); ok {
		// Zero levels consumed, or descend one and keep the component.
		if matchesPathFrom(pat, target, pi+1, ti) {
			return true
		}
		if ti < len(target) {
			return matchesPathFrom(pat, target, pi, ti+1)
		}
		return false
	}

	if ti == len(target) {
		return false
	}
	if !matchesID(pat[pi], target[ti]) {
		return false
	}
	return matchesPathFrom(pat, target, pi+1, ti+1)
}

func matchesID(comp Component, id NodeID) bool {
	switch c := comp.(type) {
	case NodeID:
		return c == id
	case WildcardOne, WildcardMany:
		return true
	case NameRegex:
		re, err := compiledRegex(anchored(c.Regex))
		if err != nil {
			return false
		}
		return re.MatchString(id.Name)
	case NodeExists:
		return c.Exists
	case All:
		for _, sub := range c {
			if !matchesID(sub, id) {
				return false
			}
		}
		return true
	case AnyOf:
		for _, sub := range c {
			if matchesID(sub, id) {
				return true
			}
		}
		return false
	case Not:
		// Inverted state conditions cannot be decided from the path
		// alone; only invert what is decidable by identifier.
		switch c.Cond.(type) {
		case NodeID, NameRegex:
			return !matchesID(c.Cond, id)
		}
		return true
	default:
		// State-dependent condition; permissive in path-only matching.
		return true
	}
}
