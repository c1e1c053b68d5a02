package vmstate

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MarshalYAML renders r as a mapping that keeps field order. Unused
// padding is omitted.
func (r *Record) MarshalYAML() (any, error) {
	fields := &yaml.Node{Kind: yaml.MappingNode}
	for _, v := range r.Fields {
		if v.Kind == KindUnused {
			continue
		}
		node, err := v.yamlNode()
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", r.Name, v.Name, err)
		}
		fields.Content = append(fields.Content, scalarNode(v.Name), node)
	}

	out := &yaml.Node{Kind: yaml.MappingNode}
	out.Content = append(out.Content,
		scalarNode("name"), scalarNode(r.Name),
		scalarNode("version"), scalarNode(strconv.Itoa(r.Version)),
		scalarNode("fields"), fields,
	)
	if len(r.Subsections) > 0 {
		subs := &yaml.Node{Kind: yaml.SequenceNode}
		for _, sub := range r.Subsections {
			node, err := sub.MarshalYAML()
			if err != nil {
				return nil, err
			}
			subs.Content = append(subs.Content, node.(*yaml.Node))
		}
		out.Content = append(out.Content, scalarNode("subsections"), subs)
	}
	return out, nil
}

func (v Value) yamlNode() (*yaml.Node, error) {
	switch v.Kind {
	case KindBool:
		return scalarNode(strconv.FormatBool(v.Uint != 0)), nil
	case KindUint8, KindUint32, KindUint64:
		return scalarNode(fmt.Sprintf("%#x", v.Uint)), nil
	case KindInt32:
		return scalarNode(strconv.FormatInt(v.Int, 10)), nil
	case KindUint32Array:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, e := range v.Array {
			seq.Content = append(seq.Content, scalarNode(fmt.Sprintf("%#x", e)))
		}
		return seq, nil
	case KindStruct:
		node, err := v.Struct.MarshalYAML()
		if err != nil {
			return nil, err
		}
		return node.(*yaml.Node), nil
	default:
		return nil, fmt.Errorf("cannot render kind %s", v.Kind)
	}
}

func scalarNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: s}
}
