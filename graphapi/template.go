package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// legacyNodeID is the sampler id of ComfyUI's stock text-to-image workflow. Old templates
// derived from it sometimes hide the sampler behind a custom class type.
const legacyNodeID = "3"

// Template is an API-format ComfyUI workflow: node id -> node. Node order follows the
// order of the JSON document, which is what every "first node" lookup relies on.
type Template struct {
	Nodes map[string]*TemplateNode
	Order []string
}

func (t *Template) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("workflow must be a JSON object")
	}

	t.Nodes = make(map[string]*TemplateNode)
	t.Order = make([]string, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		id := tok.(string)

		node := &TemplateNode{}
		if err := dec.Decode(node); err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		node.ID = id
		node.Role = classifyRole(node.ClassType)

		if _, dup := t.Nodes[id]; !dup {
			t.Order = append(t.Order, id)
		}
		t.Nodes[id] = node
	}

	// consume closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// MarshalJSON writes the nodes in template order
func (t *Template) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range t.Order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(t.Nodes[id])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (t *Template) Clone() *Template {
	retv := &Template{
		Nodes: make(map[string]*TemplateNode, len(t.Nodes)),
		Order: make([]string, len(t.Order)),
	}
	copy(retv.Order, t.Order)
	for id, n := range t.Nodes {
		retv.Nodes[id] = n.clone()
	}
	return retv
}

// GetNodeById returns the node with the given id, or nil
func (t *Template) GetNodeById(id string) *TemplateNode {
	val, ok := t.Nodes[id]
	if ok {
		return val
	}
	return nil
}

// GetNodesWithRole returns every node with the given role, in template order
func (t *Template) GetNodesWithRole(role NodeRole) []*TemplateNode {
	retv := make([]*TemplateNode, 0)
	for _, id := range t.Order {
		if n := t.Nodes[id]; n.Role == role {
			retv = append(retv, n)
		}
	}
	return retv
}

// HasRole reports whether any node has the given role
func (t *Template) HasRole(role NodeRole) bool {
	return len(t.GetNodesWithRole(role)) != 0
}

// PromptNode resolves the positive prompt input: the first text encoder whose title contains
// "positive" (any case), else the first text encoder.
func (t *Template) PromptNode() (*TemplateNode, error) {
	encoders := t.GetNodesWithRole(RolePromptInput)
	if len(encoders) == 0 {
		return nil, ErrNoPromptNode
	}
	for _, n := range encoders {
		if strings.Contains(strings.ToLower(n.Title()), "positive") {
			return n, nil
		}
	}
	return encoders[0], nil
}

// ImageNode resolves the first image loader
func (t *Template) ImageNode() (*TemplateNode, error) {
	loaders := t.GetNodesWithRole(RoleImageInput)
	if len(loaders) == 0 {
		return nil, ErrNoImageNode
	}
	return loaders[0], nil
}

// SeedTarget resolves where a fresh seed should be written. Lookup order: a dedicated seed
// node, then a sampler's seed input, then the legacy sampler id. A nil node means the
// workflow keeps its built-in seed.
func (t *Template) SeedTarget() (*TemplateNode, string) {
	for _, n := range t.GetNodesWithRole(RoleSeedSource) {
		if name := seedInputName(n); name != "" {
			return n, name
		}
	}
	for _, n := range t.GetNodesWithRole(RoleSampler) {
		if name := seedInputName(n); name != "" {
			return n, name
		}
	}
	if n := t.GetNodeById(legacyNodeID); n != nil && !n.IsLink("seed") {
		return n, "seed"
	}
	return nil, ""
}

func seedInputName(n *TemplateNode) string {
	for _, name := range []string{"seed", "noise_seed"} {
		if n.hasScalarInput(name) {
			return name
		}
	}
	return ""
}

// NewTemplateFromJsonReader decodes a template from an io.Reader
func NewTemplateFromJsonReader(r io.Reader) (*Template, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	tpl := &Template{}
	if err := json.Unmarshal(data, tpl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateDecode, err)
	}
	return tpl, nil
}

// NewTemplateFromJsonFile decodes a template from a JSON file
func NewTemplateFromJsonFile(path string) (*Template, error) {
	freader, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
		}
		return nil, err
	}
	defer freader.Close()

	return NewTemplateFromJsonReader(freader)
}

// NewTemplateFromJsonString decodes a template from a JSON string
func NewTemplateFromJsonString(data string) (*Template, error) {
	return NewTemplateFromJsonReader(strings.NewReader(data))
}
