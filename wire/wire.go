// This package provides typed field extraction over the generic JSON
// documents the Chime service returns. Every accessor reports explicitly
// whether the field was present with the expected type; callers decide
// whether a missing field is a protocol violation.
package wire

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// A Node is a read-only view over a JSON value or subtree.
type Node struct {
	r gjson.Result
}

// Parse validates b as JSON and returns the root node.
func Parse(b []byte) (Node, error) {
	if !gjson.ValidBytes(b) {
		return Node{}, fmt.Errorf("wire: invalid json document")
	}
	return Node{gjson.ParseBytes(b)}, nil
}

func (n Node) Exists() bool {
	return n.r.Exists()
}

// Get descends into a child node by gjson path.
func (n Node) Get(path string) Node {
	return Node{n.r.Get(path)}
}

// String returns the named child if it is present and a JSON string.
func (n Node) String(name string) (string, bool) {
	c := n.r.Get(name)
	if c.Type != gjson.String {
		return "", false
	}
	return c.Str, true
}

// Int returns the named child if it is present and a JSON number.
func (n Node) Int(name string) (int64, bool) {
	c := n.r.Get(name)
	if c.Type != gjson.Number {
		return 0, false
	}
	return c.Int(), true
}

// Array returns the elements of the named child if it is a JSON array.
func (n Node) Array(name string) ([]Node, bool) {
	c := n.r.Get(name)
	if !c.IsArray() {
		return nil, false
	}
	elems := c.Array()
	nodes := make([]Node, len(elems))
	for i, e := range elems {
		nodes[i] = Node{e}
	}
	return nodes, true
}

// Time returns the named child parsed as an ISO 8601 timestamp, along
// with its raw string form. Chime reports message times with sub-second
// precision, so ties are meaningful down to the microsecond.
func (n Node) Time(name string) (time.Time, string, bool) {
	s, ok := n.String(name)
	if !ok {
		return time.Time{}, "", false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, "", false
	}
	return t, s, true
}

// Raw returns the raw JSON text of the node.
func (n Node) Raw() string {
	return n.r.Raw
}
