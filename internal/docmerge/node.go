// Package docmerge merges structured configuration documents (JSON, YAML) key by key.
//
// Documents are represented as a small tagged tree: objects keep their key order,
// arrays and scalars are opaque leaves as far as merging is concerned.
package docmerge

import "reflect"

// Kind tags a Node variant
type Kind int

const (
	KindScalar Kind = iota
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "scalar"
	}
}

// Node is one value in a structured document
type Node struct {
	Kind   Kind
	Keys   []string         // object key order
	Fields map[string]*Node // object members
	Items  []*Node          // array elements
	Value  any              // scalar payload (nil means null)
}

// NewObject returns an empty object node
func NewObject() *Node {
	return &Node{Kind: KindObject, Fields: map[string]*Node{}}
}

// NewArray returns an array node holding items
func NewArray(items ...*Node) *Node {
	return &Node{Kind: KindArray, Items: items}
}

// Scalar wraps a leaf value
func Scalar(v any) *Node {
	return &Node{Kind: KindScalar, Value: v}
}

// Set adds or replaces an object member. A replaced key keeps its original position.
func (n *Node) Set(key string, value *Node) *Node {
	if n.Fields == nil {
		n.Fields = map[string]*Node{}
	}
	if _, exists := n.Fields[key]; !exists {
		n.Keys = append(n.Keys, key)
	}
	n.Fields[key] = value
	return n
}

// Get returns an object member
func (n *Node) Get(key string) (*Node, bool) {
	if n == nil || n.Kind != KindObject {
		return nil, false
	}
	v, ok := n.Fields[key]
	return v, ok
}

// Clone deep-copies the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindObject:
		out := NewObject()
		for _, k := range n.Keys {
			out.Set(k, n.Fields[k].Clone())
		}
		return out
	case KindArray:
		items := make([]*Node, len(n.Items))
		for i, item := range n.Items {
			items[i] = item.Clone()
		}
		return NewArray(items...)
	default:
		return Scalar(n.Value)
	}
}

// Equal reports structural equality, including object key order.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindObject:
		if len(a.Keys) != len(b.Keys) {
			return false
		}
		for i, k := range a.Keys {
			if b.Keys[i] != k || !Equal(a.Fields[k], b.Fields[k]) {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a.Value, b.Value)
	}
}
