package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OutputValue is one entry of the tool's `output -json` document.
type OutputValue struct {
	Value     any  `json:"value"`
	Type      any  `json:"type,omitempty"`
	Sensitive bool `json:"sensitive,omitempty"`
}

// decodeOutputs parses the `output -json` stdout strictly. Empty output
// (a destroy, or a module with no outputs) decodes to an empty map.
func decodeOutputs(data []byte) (map[string]OutputValue, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]OutputValue{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var outputs map[string]OutputValue
	if err := dec.Decode(&outputs); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	if outputs == nil {
		outputs = map[string]OutputValue{}
	}
	return outputs, nil
}

// MarshalOutputs renders outputs for the job row. Nil maps marshal as
// an empty document so the column stays valid JSON.
func MarshalOutputs(outputs map[string]OutputValue) (json.RawMessage, error) {
	if outputs == nil {
		outputs = map[string]OutputValue{}
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal outputs: %w", err)
	}
	return data, nil
}
