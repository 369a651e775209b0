package khepri

import (
	"fmt"
	"io"
	"sort"

	"github.com/geofffranks/yaml"

	"github.com/triptych/khepri/pkg/khepri/path"
	"github.com/triptych/khepri/pkg/khepri/tree"
)

// Reserved keys used when a node carries both a payload and children,
// or a stored procedure, in the exported document form.
const (
	exportDataKey  = "_data"
	exportSprocKey = "_sproc"
	exportArityKey = "_arity"
)

// Export writes the tree as a nested YAML document. Identifiers become
// map keys in the pattern grammar (atoms keep their leading colon);
// leaf data payloads become plain values; stored procedures export as
// their symbolic reference.
func (s *Store) Export(w io.Writer) error {
	raw, err := s.query(s.collectOptions(nil), func(t *tree.Tree) (interface{}, error) {
		return exportNode(t.Root()), nil
	})
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("unable to convert tree to YAML: %s", err)
	}
	_, err = w.Write(out)
	return err
}

func exportNode(n *tree.Node) interface{} {
	children := map[interface{}]interface{}{}
	n.EachChild(func(id path.NodeID, child *tree.Node) bool {
		children[id.String()] = exportNode(child)
		return true
	})

	if sp, ok := n.Sproc(); ok {
		children[exportSprocKey] = sp.Name
		children[exportArityKey] = sp.Arity
		return children
	}
	if data, ok := n.Data(); ok {
		if len(children) == 0 {
			return data
		}
		children[exportDataKey] = data
		return children
	}
	return children
}

// Import merges a nested YAML document into the tree through ordinary
// put commands, so events, keep-while evaluation and projections all
// observe the loaded nodes.
func (s *Store) Import(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var doc map[interface{}]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unable to parse document: %s", err)
	}
	return s.importChildren(path.Path{}, doc)
}

func (s *Store) importChildren(at path.Path, doc map[interface{}]interface{}) error {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, fmt.Sprintf("%v", k))
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := doc[key]
		if key == exportDataKey || key == exportSprocKey || key == exportArityKey {
			continue
		}

		id := path.Bin(key)
		if len(key) > 1 && key[0] == ':' {
			id = path.Atom(key[1:])
		}
		child := at.Child(id)

		m, isMap := value.(map[interface{}]interface{})
		if !isMap {
			if err := s.Put(child, value); err != nil {
				return err
			}
			continue
		}

		payload := tree.None()
		if name, ok := m[exportSprocKey]; ok {
			arity := -1
			if a, ok := m[exportArityKey].(int); ok {
				arity = a
			}
			payload = tree.Sproc(&tree.StoredProc{
				Name:  fmt.Sprintf("%v", name),
				Arity: arity,
			})
		} else if data, ok := m[exportDataKey]; ok {
			payload = tree.Data(data)
		}
		if err := s.Put(child, payload); err != nil {
			return err
		}
		if err := s.importChildren(child, m); err != nil {
			return err
		}
	}
	return nil
}
