package comfy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"upscaler/internal/pkg/errors"
)

// Artifact categories in a stage output.
const (
	CategoryImages = "images"
	CategoryGifs   = "gifs"
)

// ErrNoOutput matches, via errors.Is, any resolution that found no artifact.
var ErrNoOutput = &errors.Error{Code: errors.CodeNoOutput, Message: "no output produced"}

// Artifact is one file a stage wrote.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	// FullPath is set by video nodes when the file is on the backend's disk.
	FullPath string `json:"fullpath,omitempty"`
	Format   string `json:"format,omitempty"`
}

// StageOutput is the output block of one graph node.
type StageOutput struct {
	Node       string
	categories map[string]json.RawMessage
}

// Artifacts decodes the artifacts listed under category. Categories that do
// not hold artifact lists yield nil.
func (s StageOutput) Artifacts(category string) []Artifact {
	raw, ok := s.categories[category]
	if !ok {
		return nil
	}
	var out []Artifact
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// ExecutionStatus is the backend's summary of a prompt run.
type ExecutionStatus struct {
	Status    string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// HistoryRecord is the execution record of one prompt. Stages keep the
// order in which the backend listed them.
type HistoryRecord struct {
	PromptID PromptID
	Stages   []StageOutput
	Status   ExecutionStatus
}

// FirstArtifact returns the first artifact of category, searching stages in
// order and then each stage's list in order.
func (h *HistoryRecord) FirstArtifact(category string) (Artifact, bool) {
	for _, s := range h.Stages {
		if arts := s.Artifacts(category); len(arts) > 0 {
			return arts[0], true
		}
	}
	return Artifact{}, false
}

// Resolve is FirstArtifact with the no-output outcome as an error.
func (h *HistoryRecord) Resolve(category string) (Artifact, error) {
	if a, ok := h.FirstArtifact(category); ok {
		return a, nil
	}
	msg := fmt.Sprintf("no %s output produced", category)
	if reason := h.ErrorMessage(); reason != "" {
		msg += ": " + reason
	}
	return Artifact{}, errors.NoOutput(msg).WithField("prompt_id", string(h.PromptID))
}

// ErrorMessage returns the exception message of an execution_error entry,
// or "" when the run did not fail.
func (h *HistoryRecord) ErrorMessage() string {
	if h.Status.Status != "error" {
		return ""
	}
	for _, raw := range h.Status.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil || name != "execution_error" {
			continue
		}
		var data struct {
			NodeID           string `json:"node_id"`
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &data); err != nil {
			continue
		}
		if data.NodeType != "" {
			return fmt.Sprintf("%s (node %s): %s", data.NodeType, data.NodeID, data.ExceptionMessage)
		}
		return data.ExceptionMessage
	}
	return "execution failed"
}

type rawRecord struct {
	Outputs json.RawMessage `json:"outputs"`
	Status  ExecutionStatus `json:"status"`
}

// ParseHistory decodes a /history/{id} response body and extracts the record
// for id.
func ParseHistory(r io.Reader, id PromptID) (*HistoryRecord, error) {
	var all map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&all); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	raw, ok := all[string(id)]
	if !ok {
		return nil, fmt.Errorf("no history for prompt %s", id)
	}

	var rec rawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode history record: %w", err)
	}

	stages, err := orderedStages(rec.Outputs)
	if err != nil {
		return nil, err
	}
	return &HistoryRecord{PromptID: id, Stages: stages, Status: rec.Status}, nil
}

// orderedStages walks the outputs object token by token so stage order
// survives decoding.
func orderedStages(raw json.RawMessage) ([]StageOutput, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("decode outputs: expected object, got %v", tok)
	}

	var stages []StageOutput
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
		node, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("decode outputs: unexpected key %v", tok)
		}
		var cats map[string]json.RawMessage
		if err := dec.Decode(&cats); err != nil {
			return nil, fmt.Errorf("decode outputs of node %s: %w", node, err)
		}
		stages = append(stages, StageOutput{Node: node, categories: cats})
	}
	return stages, nil
}
