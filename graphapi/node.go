package graphapi

import (
	"strings"
)

// NodeRole is the semantic role of a template node, inferred from its class type.
type NodeRole string

const (
	RoleOther        NodeRole = "other"
	RolePromptInput  NodeRole = "prompt_input"
	RoleImageInput   NodeRole = "image_input"
	RoleSampler      NodeRole = "sampler"
	RoleSeedSource   NodeRole = "seed_source"
	RoleVideoEncoder NodeRole = "video_encoder"
)

// class types that write a video (or animation) to the output folder
var videoEncoderTypes = map[string]bool{
	"VHS_VideoCombine": true,
	"SaveVideo":        true,
	"SaveAnimatedWEBP": true,
	"SaveAnimatedPNG":  true,
	"SaveWEBM":         true,
}

// text inputs a prompt may be written to, in order of preference
var promptInputNames = []string{"text", "prompt", "text_g", "text_l", "t5xxl", "clip_l"}

// TemplateNode is a single node of an API-format workflow
type TemplateNode struct {
	ID        string                 `json:"-"`
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
	Role      NodeRole               `json:"-"`
}

// NodeMeta carries the human annotations the ComfyUI frontend exports with a workflow
type NodeMeta struct {
	Title string `json:"title"`
}

// Title returns the node's title annotation, or an empty string
func (n *TemplateNode) Title() string {
	if n.Meta == nil {
		return ""
	}
	return n.Meta.Title
}

// IsLink reports whether the named input is wired to another node's output
// rather than holding a literal value. Links are encoded as ["<node id>", <slot>].
func (n *TemplateNode) IsLink(name string) bool {
	v, ok := n.Inputs[name]
	if !ok {
		return false
	}
	_, islink := v.([]interface{})
	return islink
}

// hasScalarInput reports whether the named input exists and holds a literal value
func (n *TemplateNode) hasScalarInput(name string) bool {
	_, ok := n.Inputs[name]
	return ok && !n.IsLink(name)
}

// SetInput sets a literal input value. Link inputs are left untouched and false is returned.
func (n *TemplateNode) SetInput(name string, value interface{}) bool {
	if n.IsLink(name) {
		return false
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]interface{})
	}
	n.Inputs[name] = value
	return true
}

// SetPromptText writes text into every prompt-like input the node carries.
// Nodes without any recognised text input get a "text" input.
func (n *TemplateNode) SetPromptText(text string) {
	set := false
	for _, name := range promptInputNames {
		if n.hasScalarInput(name) {
			n.Inputs[name] = text
			set = true
		}
	}
	if !set {
		n.SetInput("text", text)
	}
}

func (n *TemplateNode) clone() *TemplateNode {
	np := &TemplateNode{
		ID:        n.ID,
		ClassType: n.ClassType,
		Role:      n.Role,
	}
	if n.Meta != nil {
		m := *n.Meta
		np.Meta = &m
	}
	if n.Inputs != nil {
		np.Inputs = deepCopyValue(n.Inputs).(map[string]interface{})
	}
	return np
}

// classifyRole infers a node role from its class type. The checks are ordered; the first
// match wins.
func classifyRole(classType string) NodeRole {
	lower := strings.ToLower(classType)
	switch {
	case videoEncoderTypes[classType]:
		return RoleVideoEncoder
	case strings.Contains(classType, "TextEncode"):
		return RolePromptInput
	case strings.Contains(classType, "LoadImage"):
		return RoleImageInput
	case strings.Contains(classType, "Sampler") || classType == "RandomNoise":
		return RoleSampler
	case strings.Contains(lower, "seed"):
		return RoleSeedSource
	}
	return RoleOther
}

func deepCopyValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(value))
		for k, e := range value {
			m[k] = deepCopyValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(value))
		for i, e := range value {
			s[i] = deepCopyValue(e)
		}
		return s
	}
	return v
}
