package tsdl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrEmptyDocument = errors.New("tsdl: empty metadata document")

// UnmarshalYAML records the source line and whether the node carried a body,
// which distinguishes "struct foo {}" from a reference to "struct foo".
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	type plain Node
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = Node(p)
	n.Line = value.Line
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			switch value.Content[i].Value {
			case "body", "enumerators":
				n.HasBody = true
			}
		}
	}
	if n.Kind == "" {
		return fmt.Errorf("tsdl: line %d: node without kind", value.Line)
	}
	return nil
}

// MarshalYAML keeps empty bodies so that a round trip through YAML preserves
// HasBody.
func (n *Node) MarshalYAML() (interface{}, error) {
	type plain Node
	var out yaml.Node
	if err := out.Encode((*plain)(n)); err != nil {
		return nil, err
	}
	if n.HasBody && len(n.Body) == 0 && len(n.Enumerators) == 0 {
		out.Content = append(out.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "body"},
			&yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Style: yaml.FlowStyle},
		)
	}
	return &out, nil
}

func ParseYAML(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyDocument
		}
		return nil, fmt.Errorf("tsdl: decode: %w", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, ErrEmptyDocument
	}
	return &doc, nil
}

func LoadYAML(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := ParseYAML(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func (d *Document) MarshalYAMLBytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
