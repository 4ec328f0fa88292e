package models

import (
	"encoding/json"
	"fmt"
)

// ActionCall is one action the model requested in a reply.
type ActionCall struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

// ParameterValue is one collected parameter in a reply.
type ParameterValue struct {
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}

// StructuredResponse is the JSON object the model must return for
// every turn. Status is optional; persistence defaults it.
type StructuredResponse struct {
	Response   string           `json:"response"`
	Actions    []ActionCall     `json:"actions"`
	Parameters []ParameterValue `json:"parameters"`
	Status     string           `json:"status,omitempty"`
}

// ParseStructuredResponse parses a raw model reply. The reply is
// accepted only if it is a JSON object carrying all three required
// top-level keys; anything else is rejected so the caller can retry.
func ParseStructuredResponse(raw string) (StructuredResponse, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return StructuredResponse{}, fmt.Errorf("response is not a JSON object: %w", err)
	}
	for _, required := range []string{"response", "actions", "parameters"} {
		if _, ok := keys[required]; !ok {
			return StructuredResponse{}, fmt.Errorf("response is missing required key %q", required)
		}
	}
	var resp StructuredResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return StructuredResponse{}, fmt.Errorf("response does not match the expected shape: %w", err)
	}
	return resp, nil
}
