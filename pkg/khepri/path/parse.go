package path

import (
	"bytes"
	"fmt"
)

// ParseString parses the Unix-like pattern grammar: components separated
// by '/', a leading ':' marking an atom identifier, '*' the single-level
// wildcard and '**' the any-depth wildcard. The empty string and "/"
// denote the root. Redundant separators are ignored.
func ParseString(s string) (Pattern, error) {
	var comps []Component
	node := bytes.NewBuffer([]byte{})

	push := func() error {
		if node.Len() == 0 {
			return nil
		}
		text := node.String()
		node.Reset()

		switch text {
		case "*":
			comps = append(comps, WildcardOne{})
			return nil
		case "**":
			comps = append(comps, WildcardMany{})
			return nil
		case ":":
			return fmt.Errorf("empty atom name in '%s'", s)
		}
		if text[0] == ':' {
			comps = append(comps, Atom(text[1:]))
			return nil
		}
		comps = append(comps, Bin(text))
		return nil
	}

	for _, c := range s {
		if c == '/' {
			if err := push(); err != nil {
				return nil, err
			}
			continue
		}
		node.WriteRune(c)
	}
	if err := push(); err != nil {
		return nil, err
	}

	return Pattern(comps), nil
}

// ParsePath parses a string in the pattern grammar that must name a
// single concrete path: no wildcards, no conditions.
func ParsePath(s string) (Path, error) {
	pat, err := ParseString(s)
	if err != nil {
		return nil, err
	}
	target, ok := pat.IsSpecific()
	if !ok {
		return nil, fmt.Errorf("'%s' is a pattern, not a concrete path", s)
	}
	return target, nil
}

// MustParse parses a pattern and panics on grammar errors. For use with
// literal strings.
func MustParse(s string) Pattern {
	pat, err := ParseString(s)
	if err != nil {
		panic(err)
	}
	return pat
}

// MustParsePath parses a concrete path and panics on grammar errors. For
// use with literal strings.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}
