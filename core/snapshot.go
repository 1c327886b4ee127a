package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot is an instance's position in its state machine.
type Snapshot struct {
	State   string         `json:"state"`
	Context map[string]any `json:"context"`
}

// SnapshotOf reconstructs the snapshot from the persisted instance fields. An empty or null
// context decodes to an empty map.
func SnapshotOf(instance *Instance) (Snapshot, error) {
	s := Snapshot{
		State:   instance.CurrentState,
		Context: map[string]any{},
	}

	raw := bytes.TrimSpace(instance.Context)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return s, nil
	}

	if err := json.Unmarshal(raw, &s.Context); err != nil {
		return s, fmt.Errorf("decoding context of instance %s: %w", instance.ID, err)
	}

	if s.Context == nil {
		s.Context = map[string]any{}
	}

	return s, nil
}

// EncodeContext serializes the context for persistence.
func (s Snapshot) EncodeContext() (json.RawMessage, error) {
	if s.Context == nil {
		return json.RawMessage("{}"), nil
	}

	b, err := json.Marshal(s.Context)
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}

	return b, nil
}

// Clone returns a deep copy, so evaluation never mutates the caller's snapshot.
func (s Snapshot) Clone() (Snapshot, error) {
	c := Snapshot{State: s.State, Context: map[string]any{}}
	if len(s.Context) == 0 {
		return c, nil
	}

	b, err := json.Marshal(s.Context)
	if err != nil {
		return c, err
	}

	if err := json.Unmarshal(b, &c.Context); err != nil {
		return c, err
	}

	return c, nil
}
