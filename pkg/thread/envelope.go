package thread

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the persistence payload for a thread: its state and, when
// present, its metadata side channel.
//
// Two wire/disk formats exist. The current format wraps both maps:
//
//	{"state": {...}, "metadata": {...}}
//
// The legacy format is a bare flat object interpreted entirely as state,
// with no metadata. The two are distinguished by the presence of a
// top-level "state" key.
type Envelope struct {
	State    map[string]any `json:"state,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ParseEnvelope decodes either envelope format. Empty input yields an
// empty envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Envelope{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if _, ok := raw["state"]; !ok {
		// Legacy flat format: the whole object is state.
		var state map[string]any
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parse legacy envelope: %w", err)
		}
		if len(state) == 0 {
			return &Envelope{}, nil
		}
		return &Envelope{State: state}, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes the envelope in the current format, omitting either
// side when empty. When metadata is present the state key is always
// emitted, even empty, so the format detector cannot mistake the result
// for a legacy flat object.
func (e *Envelope) Encode() ([]byte, error) {
	out := make(map[string]any, 2)
	if len(e.State) > 0 {
		out["state"] = e.State
	}
	if len(e.Metadata) > 0 {
		out["metadata"] = e.Metadata
		if _, ok := out["state"]; !ok {
			out["state"] = map[string]any{}
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Empty reports whether both sides are empty.
func (e *Envelope) Empty() bool {
	return len(e.State) == 0 && len(e.Metadata) == 0
}
