// Package graph holds execution graph templates and the per-job graphs bound
// from them.
//
// A Template is immutable: it keeps the raw document and a slot map naming
// the node inputs a job may write. Every job gets a fresh Graph from
// Template.Instantiate, so binding one job never leaks into another.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"upscaler/internal/pkg/errors"
)

// SlotKey names a bindable parameter.
type SlotKey string

const (
	SlotInput      SlotKey = "input"
	SlotResolution SlotKey = "resolution"
	SlotFrameRate  SlotKey = "frame_rate"
)

// SlotRef locates a slot inside the graph document.
type SlotRef struct {
	Node  string
	Input string
}

func (r SlotRef) String() string {
	return r.Node + ".inputs." + r.Input
}

// ErrMissingSlot matches template defects: slots that are not declared or
// point at nodes or inputs the document does not have.
var ErrMissingSlot = fmt.Errorf("template slot missing")

// Node is one node of an API-format graph document.
type Node struct {
	ClassType string          `json:"class_type"`
	Inputs    map[string]any  `json:"inputs"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// Template is a named, validated graph document.
type Template struct {
	name  string
	raw   []byte
	slots map[SlotKey]SlotRef
}

// Parse validates raw against slots and returns a Template. Every slot must
// reference an existing node input, which also serves as its default.
func Parse(name string, raw []byte, slots map[SlotKey]SlotRef) (*Template, error) {
	nodes, err := decode(raw)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "graph.parse", "template "+name+" is not a valid graph")
	}
	for key, ref := range slots {
		if err := checkSlot(nodes, key, ref); err != nil {
			return nil, errors.Wrap(err, "graph.parse", "template "+name)
		}
	}

	t := &Template{
		name:  name,
		raw:   append([]byte(nil), raw...),
		slots: make(map[SlotKey]SlotRef, len(slots)),
	}
	for k, v := range slots {
		t.slots[k] = v
	}
	return t, nil
}

func (t *Template) Name() string { return t.name }

// HasSlot reports whether the template declares key.
func (t *Template) HasSlot(key SlotKey) bool {
	_, ok := t.slots[key]
	return ok
}

// Slots returns the declared slot keys in sorted order.
func (t *Template) Slots() []SlotKey {
	keys := make([]SlotKey, 0, len(t.slots))
	for k := range t.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Instantiate decodes a fresh, independent Graph.
func (t *Template) Instantiate() (*Graph, error) {
	nodes, err := decode(t.raw)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "graph.instantiate", "template "+t.name)
	}
	return &Graph{template: t.name, nodes: nodes, slots: t.slots}, nil
}

// Graph is a job's private copy of a template.
type Graph struct {
	template string
	nodes    map[string]*Node
	slots    map[SlotKey]SlotRef
}

// Template returns the name of the template g came from.
func (g *Graph) Template() string { return g.template }

// Set writes v into the input referenced by key.
func (g *Graph) Set(key SlotKey, v any) error {
	ref, ok := g.slots[key]
	if !ok {
		return errors.WrapWithCode(ErrMissingSlot, errors.CodeInternal, "graph.set",
			fmt.Sprintf("template %s has no %s slot", g.template, key))
	}
	if err := checkSlot(g.nodes, key, ref); err != nil {
		return errors.Wrap(err, "graph.set", "template "+g.template)
	}
	g.nodes[ref.Node].Inputs[ref.Input] = v
	return nil
}

// Get reads the current value behind key.
func (g *Graph) Get(key SlotKey) (any, bool) {
	ref, ok := g.slots[key]
	if !ok {
		return nil, false
	}
	n, ok := g.nodes[ref.Node]
	if !ok {
		return nil, false
	}
	v, ok := n.Inputs[ref.Input]
	return v, ok
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// MarshalJSON encodes g as an API-format graph document.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.nodes)
}

func decode(raw []byte) (map[string]*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var nodes map[string]*Node
	if err := dec.Decode(&nodes); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}
	for id, n := range nodes {
		if n == nil || n.ClassType == "" {
			return nil, fmt.Errorf("node %s has no class_type", id)
		}
		if n.Inputs == nil {
			n.Inputs = map[string]any{}
		}
	}
	return nodes, nil
}

func checkSlot(nodes map[string]*Node, key SlotKey, ref SlotRef) error {
	n, ok := nodes[ref.Node]
	if !ok {
		return errors.WrapWithCode(ErrMissingSlot, errors.CodeInternal, "", fmt.Sprintf("slot %s: node %s not found", key, ref.Node))
	}
	if _, ok := n.Inputs[ref.Input]; !ok {
		return errors.WrapWithCode(ErrMissingSlot, errors.CodeInternal, "", fmt.Sprintf("slot %s: %s has no input %q", key, n.ClassType, ref.Input))
	}
	return nil
}
