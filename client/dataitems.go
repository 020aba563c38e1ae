package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// There may be other DataOutput types, text outputs for instance. Only file outputs are kept.

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ArtifactKind is the kind of media a job produced
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactVideo ArtifactKind = "video"
)

// Artifact identifies one produced output file on the backend
type Artifact struct {
	Filename  string       `json:"filename"`
	Subfolder string       `json:"subfolder"`
	Type      string       `json:"type"`
	Kind      ArtifactKind `json:"kind"`
	NodeID    string       `json:"node_id"`
}

// NodeOutput holds the files a single output node produced
type NodeOutput struct {
	NodeID string
	Images []DataOutput
	Gifs   []DataOutput
	Videos []DataOutput
}

// NodeOutputs is the per-node output map of a history entry, in the order the backend
// wrote it
type NodeOutputs []NodeOutput

func (no *NodeOutputs) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*no = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("outputs must be a JSON object")
	}

	retv := make(NodeOutputs, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		nodeID := tok.(string)

		var raw struct {
			Images []json.RawMessage `json:"images"`
			Gifs   []json.RawMessage `json:"gifs"`
			Videos []json.RawMessage `json:"videos"`
		}
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("outputs of node %s: %w", nodeID, err)
		}
		retv = append(retv, NodeOutput{
			NodeID: nodeID,
			Images: decodeDataOutputs(nodeID, raw.Images),
			Gifs:   decodeDataOutputs(nodeID, raw.Gifs),
			Videos: decodeDataOutputs(nodeID, raw.Videos),
		})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*no = retv
	return nil
}

// entries without a filename (text, booleans, ...) are skipped
func decodeDataOutputs(nodeID string, raw []json.RawMessage) []DataOutput {
	retv := make([]DataOutput, 0, len(raw))
	for _, r := range raw {
		var d DataOutput
		if err := json.Unmarshal(r, &d); err != nil || d.Filename == "" {
			slog.Debug("skipping output entry", "node", nodeID, "entry", string(r))
			continue
		}
		retv = append(retv, d)
	}
	return retv
}

// Artifacts returns every artifact of the given kind across all nodes, in encounter order.
// Videos are read from "gifs" (VideoHelperSuite) and "videos".
func (no NodeOutputs) Artifacts(kind ArtifactKind) []Artifact {
	retv := make([]Artifact, 0)
	add := func(nodeID string, outputs []DataOutput) {
		for _, o := range outputs {
			retv = append(retv, Artifact{
				Filename:  o.Filename,
				Subfolder: o.Subfolder,
				Type:      o.Type,
				Kind:      kind,
				NodeID:    nodeID,
			})
		}
	}
	for _, n := range no {
		switch kind {
		case ArtifactImage:
			add(n.NodeID, n.Images)
		case ArtifactVideo:
			add(n.NodeID, n.Gifs)
			add(n.NodeID, n.Videos)
		}
	}
	return retv
}

// HistoryStatus is the terminal status the backend records for a prompt
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// HistoryEntry is one prompt's record in /history
type HistoryEntry struct {
	PromptID string        `json:"-"`
	Status   HistoryStatus `json:"status"`
	Outputs  NodeOutputs   `json:"outputs"`
}

// Succeeded reports whether the entry has no failure status. Older backends omit the status.
func (h *HistoryEntry) Succeeded() bool {
	return h.Status.StatusStr == "" || h.Status.StatusStr == "success"
}

// QueueEntry is one job listed by /queue
type QueueEntry struct {
	Number   int
	PromptID string
	Outputs  map[string]json.RawMessage
}

// HasOutputs reports whether the entry carries a populated outputs object
func (e *QueueEntry) HasOutputs() bool {
	return len(e.Outputs) != 0
}

// UnmarshalJSON accepts both object entries ({"prompt_id": ..., "outputs": {...}}) and
// ComfyUI tuples ([number, prompt_id, prompt, extra_data, outputs_to_execute]).
// A tuple's last field is a list of node ids, not outputs, so it never counts as outputs.
func (e *QueueEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var tuple []json.RawMessage
		if err := json.Unmarshal(b, &tuple); err != nil {
			return err
		}
		if len(tuple) > 0 {
			_ = json.Unmarshal(tuple[0], &e.Number)
		}
		if len(tuple) > 1 {
			if err := json.Unmarshal(tuple[1], &e.PromptID); err != nil {
				return fmt.Errorf("queue entry prompt id: %w", err)
			}
		}
		if len(tuple) > 4 {
			e.Outputs = objectOrNil(tuple[4])
		}
		return nil
	}

	var obj struct {
		Number   int             `json:"number"`
		PromptID string          `json:"prompt_id"`
		Outputs  json.RawMessage `json:"outputs"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.Number = obj.Number
	e.PromptID = obj.PromptID
	e.Outputs = objectOrNil(obj.Outputs)
	return nil
}

func objectOrNil(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// QueueSnapshot is the decoded /queue response. A flat list response is reported as Running.
type QueueSnapshot struct {
	Running []QueueEntry `json:"queue_running"`
	Pending []QueueEntry `json:"queue_pending"`
	Done    []QueueEntry `json:"queue_done"`
}

func (q *QueueSnapshot) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var flat []QueueEntry
		if err := json.Unmarshal(b, &flat); err != nil {
			return err
		}
		q.Running = flat
		return nil
	}

	type alias QueueSnapshot
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*q = QueueSnapshot(a)
	return nil
}

// Find returns the entry for promptID in any sub-list, and whether it is running or done
func (q *QueueSnapshot) Find(promptID string) (entry *QueueEntry, active bool) {
	for _, list := range [][]QueueEntry{q.Running, q.Done} {
		for i := range list {
			if list[i].PromptID == promptID {
				return &list[i], true
			}
		}
	}
	for i := range q.Pending {
		if q.Pending[i].PromptID == promptID {
			return &q.Pending[i], false
		}
	}
	return nil, false
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError     `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}
