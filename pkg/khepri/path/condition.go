package path

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/starkandwayne/goutils/tree"
)

// Component is one element of a path pattern: either a literal NodeID or
// a condition. Match is evaluated against a candidate identifier and the
// node it names; node is nil when no node exists under that identifier,
// which lets conditions such as NodeExists{Exists: false} match absence.
type Component interface {
	Match(id NodeID, node NodeView) (bool, error)
	// Specific returns the single identifier this component can match,
	// if it pins exactly one sibling per depth.
	Specific() (NodeID, bool)
	String() string
}

// Match on a literal identifier is plain equality; absence of the node is
// acceptable (creation targets match before the node exists).
func (id NodeID) Match(candidate NodeID, _ NodeView) (bool, error) {
	return id == candidate, nil
}

// Specific ...
func (id NodeID) Specific() (NodeID, bool) {
	return id, true
}

// WildcardOne matches any single identifier at its depth.
type WildcardOne struct{}

// Match ...
func (WildcardOne) Match(_ NodeID, node NodeView) (bool, error) {
	return node != nil, nil
}

// Specific ...
func (WildcardOne) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (WildcardOne) String() string {
	return "*"
}

// WildcardMany matches any number of path levels, including zero. The
// walker gives it its multi-level semantics; Match covers a single level.
type WildcardMany struct{}

// Match ...
func (WildcardMany) Match(_ NodeID, node NodeView) (bool, error) {
	return node != nil, nil
}

// Specific ...
func (WildcardMany) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (WildcardMany) String() string {
	return "**"
}

var (
	regexCacheMutex sync.RWMutex
	regexCache      = map[string]*regexp.Regexp{}
)

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	regexCacheMutex.RLock()
	re, ok := regexCache[pattern]
	regexCacheMutex.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCacheMutex.Lock()
	regexCache[pattern] = re
	regexCacheMutex.Unlock()
	return re, nil
}

// NameRegex matches identifiers whose name matches an anchored regular
// expression.
type NameRegex struct {
	Regex string
}

// Match ...
func (c NameRegex) Match(id NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	re, err := compiledRegex(anchored(c.Regex))
	if err != nil {
		return false, fmt.Errorf("invalid name regex '%s': %s", c.Regex, err)
	}
	return re.MatchString(id.Name), nil
}

// Specific ...
func (c NameRegex) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c NameRegex) String() string {
	return fmt.Sprintf("<name=~%s>", c.Regex)
}

func anchored(expr string) string {
	if !strings.HasPrefix(expr, "^") {
		expr = "^" + expr
	}
	if !strings.HasSuffix(expr, "$") {
		expr = expr + "$"
	}
	return expr
}

// AnyData is the placeholder accepted anywhere inside a DataMatches
// pattern; it matches any value at that position.
type anyData struct{}

func (anyData) String() string { return "_" }

// AnyData ...
var AnyData = anyData{}

// DataMatches matches nodes carrying a data payload whose value matches
// the given structural pattern. Maps match when every patterned key is
// present and matches; lists match elementwise; AnyData matches anything.
type DataMatches struct {
	Pattern interface{}
}

// Match ...
func (c DataMatches) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	data, ok := node.Data()
	if !ok {
		return false, nil
	}
	return dataMatches(c.Pattern, data), nil
}

// Specific ...
func (c DataMatches) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c DataMatches) String() string {
	return fmt.Sprintf("<data=~%v>", c.Pattern)
}

func dataMatches(pattern, data interface{}) bool {
	if _, ok := pattern.(anyData); ok {
		return true
	}

	switch pat := pattern.(type) {
	case map[string]interface{}:
		m, ok := asStringMap(data)
		if !ok {
			return false
		}
		for k, sub := range pat {
			v, present := m[k]
			if !present || !dataMatches(sub, v) {
				return false
			}
		}
		return true

	case []interface{}:
		l, ok := data.([]interface{})
		if !ok || len(l) != len(pat) {
			return false
		}
		for i := range pat {
			if !dataMatches(pat[i], l[i]) {
				return false
			}
		}
		return true

	default:
		return looseEqual(pattern, data)
	}
}

func asStringMap(data interface{}) (map[string]interface{}, bool) {
	switch m := data.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[fmt.Sprintf("%v", k)] = v
		}
		return out, true
	}
	return nil, false
}

// looseEqual compares scalars with numeric leniency, so that an int
// pattern matches an int64 or float64 of the same value.
func looseEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// DataAt matches nodes whose data payload carries the expected value at
// the given sub-document cursor (dot-separated, tree.Cursor syntax).
type DataAt struct {
	Field string
	Value interface{}
}

// Match ...
func (c DataAt) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	data, ok := node.Data()
	if !ok {
		return false, nil
	}
	cursor, err := tree.ParseCursor(c.Field)
	if err != nil {
		return false, fmt.Errorf("invalid data cursor '%s': %s", c.Field, err)
	}
	v, err := cursor.Resolve(data)
	if err != nil {
		return false, nil
	}
	return looseEqual(c.Value, v), nil
}

// Specific ...
func (c DataAt) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c DataAt) String() string {
	return fmt.Sprintf("<data.%s==%v>", c.Field, c.Value)
}

// DataExpr matches nodes whose data payload satisfies a boolean
// expression. Top-level map fields of the data are bound as expression
// parameters, and the whole value is bound as 'data'.
type DataExpr struct {
	Expr string
}

// Match ...
func (c DataExpr) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	data, ok := node.Data()
	if !ok {
		return false, nil
	}

	expression, err := govaluate.NewEvaluableExpression(c.Expr)
	if err != nil {
		return false, fmt.Errorf("invalid data expression '%s': %s", c.Expr, err)
	}

	params := map[string]interface{}{"data": data}
	if m, ok := asStringMap(data); ok {
		for k, v := range m {
			params[k] = v
		}
	}

	result, err := expression.Evaluate(params)
	if err != nil {
		// Unresolvable parameters mean the data does not have the shape
		// the expression expects; that is a non-match, not a failure.
		return false, nil
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("data expression '%s' did not evaluate to a boolean", c.Expr)
	}
	return b, nil
}

// Specific ...
func (c DataExpr) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c DataExpr) String() string {
	return fmt.Sprintf("<data?%s>", c.Expr)
}

// NodeExists matches on the presence (or absence) of the node itself.
type NodeExists struct {
	Exists bool
}

// Match ...
func (c NodeExists) Match(_ NodeID, node NodeView) (bool, error) {
	return (node != nil) == c.Exists, nil
}

// Specific ...
func (c NodeExists) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c NodeExists) String() string {
	return fmt.Sprintf("<exists=%v>", c.Exists)
}

// HasData matches nodes that carry (or do not carry) a data payload.
type HasData struct {
	HasData bool
}

// Match ...
func (c HasData) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	return node.HasData() == c.HasData, nil
}

// Specific ...
func (c HasData) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c HasData) String() string {
	return fmt.Sprintf("<has_data=%v>", c.HasData)
}

// HasSproc matches nodes that carry (or do not carry) a stored procedure.
type HasSproc struct {
	HasSproc bool
}

// Match ...
func (c HasSproc) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	return node.IsSproc() == c.HasSproc, nil
}

// Specific ...
func (c HasSproc) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c HasSproc) String() string {
	return fmt.Sprintf("<has_sproc=%v>", c.HasSproc)
}

// HasPayload matches nodes that carry (or do not carry) any payload.
type HasPayload struct {
	HasPayload bool
}

// Match ...
func (c HasPayload) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	return node.HasPayload() == c.HasPayload, nil
}

// Specific ...
func (c HasPayload) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c HasPayload) String() string {
	return fmt.Sprintf("<has_payload=%v>", c.HasPayload)
}

// PayloadVersionIs matches nodes at an exact payload version.
type PayloadVersionIs struct {
	Version uint64
}

// Match ...
func (c PayloadVersionIs) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	return node.PayloadVersion() == c.Version, nil
}

// Specific ...
func (c PayloadVersionIs) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c PayloadVersionIs) String() string {
	return fmt.Sprintf("<payload_version=%d>", c.Version)
}

// ChildListVersionIs matches nodes at an exact child list version.
type ChildListVersionIs struct {
	Version uint64
}

// Match ...
func (c ChildListVersionIs) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	return node.ChildListVersion() == c.Version, nil
}

// Specific ...
func (c ChildListVersionIs) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c ChildListVersionIs) String() string {
	return fmt.Sprintf("<child_list_version=%d>", c.Version)
}

// ChildCountIs matches nodes with an exact number of direct children.
type ChildCountIs struct {
	Count int
}

// Match ...
func (c ChildCountIs) Match(_ NodeID, node NodeView) (bool, error) {
	if node == nil {
		return false, nil
	}
	return node.ChildCount() == c.Count, nil
}

// Specific ...
func (c ChildCountIs) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c ChildCountIs) String() string {
	return fmt.Sprintf("<child_count=%d>", c.Count)
}

// All matches when every member matches. An empty All matches existing
// nodes unconditionally.
type All []Component

// Match ...
func (c All) Match(id NodeID, node NodeView) (bool, error) {
	for _, cond := range c {
		ok, err := cond.Match(id, node)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Specific is satisfied when any member pins a single identifier.
func (c All) Specific() (NodeID, bool) {
	for _, cond := range c {
		if id, ok := cond.Specific(); ok {
			return id, true
		}
	}
	return NodeID{}, false
}

func (c All) String() string {
	parts := make([]string, len(c))
	for i, cond := range c {
		parts[i] = cond.String()
	}
	return fmt.Sprintf("<all:%s>", strings.Join(parts, ","))
}

// AnyOf matches when at least one member matches. An empty AnyOf never
// matches.
type AnyOf []Component

// Match ...
func (c AnyOf) Match(id NodeID, node NodeView) (bool, error) {
	for _, cond := range c {
		ok, err := cond.Match(id, node)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Specific is satisfied only when every branch pins the same identifier.
func (c AnyOf) Specific() (NodeID, bool) {
	var pinned NodeID
	for i, cond := range c {
		id, ok := cond.Specific()
		if !ok {
			return NodeID{}, false
		}
		if i == 0 {
			pinned = id
		} else if id != pinned {
			return NodeID{}, false
		}
	}
	return pinned, len(c) > 0
}

func (c AnyOf) String() string {
	parts := make([]string, len(c))
	for i, cond := range c {
		parts[i] = cond.String()
	}
	return fmt.Sprintf("<any:%s>", strings.Join(parts, ","))
}

// Not inverts a condition.
type Not struct {
	Cond Component
}

// Match ...
func (c Not) Match(id NodeID, node NodeView) (bool, error) {
	ok, err := c.Cond.Match(id, node)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Specific ...
func (c Not) Specific() (NodeID, bool) {
	return NodeID{}, false
}

func (c Not) String() string {
	return fmt.Sprintf("<not:%s>", c.Cond)
}
