package docmerge

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a YAML document keeping mapping key order. Aliases are resolved.
// An empty document decodes to an empty object.
func ParseYAML(data []byte) (*Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if root.Kind == 0 {
		return NewObject(), nil
	}
	node, err := fromYAML(&root)
	if err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return node, nil
}

func fromYAML(y *yaml.Node) (*Node, error) {
	switch y.Kind {
	case yaml.DocumentNode:
		if len(y.Content) == 0 {
			return NewObject(), nil
		}
		return fromYAML(y.Content[0])
	case yaml.AliasNode:
		if y.Alias == nil {
			return nil, fmt.Errorf("dangling alias at line %d", y.Line)
		}
		return fromYAML(y.Alias)
	case yaml.MappingNode:
		return mappingFromYAML(y)
	case yaml.SequenceNode:
		arr := NewArray()
		for _, c := range y.Content {
			child, err := fromYAML(c)
			if err != nil {
				return nil, err
			}
			arr.Items = append(arr.Items, child)
		}
		return arr, nil
	case yaml.ScalarNode:
		var v any
		if err := y.Decode(&v); err != nil {
			return nil, err
		}
		return Scalar(v), nil
	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d", y.Kind)
	}
}

// mappingFromYAML builds an object, expanding "<<" merge keys. Keys written in the
// mapping win over merged ones, and earlier merge sources win over later ones.
func mappingFromYAML(y *yaml.Node) (*Node, error) {
	explicit := map[string]bool{}
	for i := 0; i+1 < len(y.Content); i += 2 {
		if !isMergeKey(y.Content[i]) {
			explicit[y.Content[i].Value] = true
		}
	}

	obj := NewObject()
	merged := map[string]bool{}
	for i := 0; i+1 < len(y.Content); i += 2 {
		key, value := y.Content[i], y.Content[i+1]
		if !isMergeKey(key) {
			child, err := fromYAML(value)
			if err != nil {
				return nil, err
			}
			obj.Set(key.Value, child)
			continue
		}

		sources := []*yaml.Node{value}
		if resolveAlias(value).Kind == yaml.SequenceNode {
			sources = resolveAlias(value).Content
		}
		for _, src := range sources {
			m, err := fromYAML(src)
			if err != nil {
				return nil, err
			}
			if m.Kind != KindObject {
				return nil, fmt.Errorf("merge key at line %d must reference a mapping", key.Line)
			}
			for _, k := range m.Keys {
				if explicit[k] || merged[k] {
					continue
				}
				merged[k] = true
				obj.Set(k, m.Fields[k])
			}
		}
	}
	return obj, nil
}

func isMergeKey(k *yaml.Node) bool {
	return k.Kind == yaml.ScalarNode && k.ShortTag() == "!!merge"
}

func resolveAlias(y *yaml.Node) *yaml.Node {
	for y.Kind == yaml.AliasNode && y.Alias != nil {
		y = y.Alias
	}
	return y
}

// EncodeYAML renders the document as YAML with two-space indentation.
func EncodeYAML(n *Node) ([]byte, error) {
	y, err := toYAML(n)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(y); err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

func toYAML(n *Node) (*yaml.Node, error) {
	if n == nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	}

	switch n.Kind {
	case KindObject:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range n.Keys {
			v, err := toYAML(n.Fields[k])
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, v)
		}
		return out, nil
	case KindArray:
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range n.Items {
			v, err := toYAML(item)
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content, v)
		}
		return out, nil
	default:
		if n.Value == nil {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
		}
		var out yaml.Node
		if err := out.Encode(n.Value); err != nil {
			return nil, fmt.Errorf("failed to encode %T: %w", n.Value, err)
		}
		return &out, nil
	}
}
