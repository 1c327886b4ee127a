package core

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// MachineSpecVersion is the highest specification version this engine understands.
const MachineSpecVersion = 1

//go:embed machine.schema.json
var machineSchema []byte

var machineSchemaLoader = gojsonschema.NewBytesLoader(machineSchema)

// MachineSpec is the versioned transition table of a workflow definition. It is validated
// once when parsed and treated as read-only afterwards.
type MachineSpec struct {
	Version int                   `json:"version"`
	Initial string                `json:"initial"`
	States  map[string]*StateSpec `json:"states"`
}

type StateSpec struct {
	Terminal bool                       `json:"terminal,omitempty"`
	On       map[string]*TransitionSpec `json:"on,omitempty"`

	// Tasks are created whenever a transition enters this state.
	Tasks []*TaskTemplate `json:"tasks,omitempty"`
}

type TransitionSpec struct {
	Target string `json:"target"`

	// Assign is merged into the instance context when the transition is taken.
	Assign map[string]any `json:"assign,omitempty"`

	// PayloadKey stores the event payload under this context key.
	PayloadKey string `json:"payloadKey,omitempty"`

	Tasks []*TaskTemplate `json:"tasks,omitempty"`
}

// UnmarshalJSON accepts the `"EVENT": "target"` shorthand.
func (t *TransitionSpec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.Target)
	}

	type alias TransitionSpec
	return json.Unmarshal(b, (*alias)(t))
}

type TaskTemplate struct {
	Name  string          `json:"name"`
	Type  TaskType        `json:"type"`
	Input json.RawMessage `json:"input,omitempty"`

	// Delay is a duration (e.g. "15m") after evaluation time at which the task becomes runnable.
	Delay string     `json:"delay,omitempty"`
	RunAt *time.Time `json:"runAt,omitempty"`

	MaxAttempts     int    `json:"maxAttempts,omitempty"`
	IdempotencyKey  string `json:"idempotencyKey,omitempty"`
	CompletionEvent string `json:"completionEvent,omitempty"`
}

// ValidationError lists every problem found in a machine specification.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid state machine specification: " + strings.Join(e.Problems, "; ")
}

// ParseMachineSpec validates the document against the machine JSON schema, decodes it, and
// checks references between states.
func ParseMachineSpec(data []byte) (*MachineSpec, error) {
	result, err := gojsonschema.Validate(machineSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validating state machine specification: %w", err)
	}

	if !result.Valid() {
		ve := &ValidationError{}
		for _, re := range result.Errors() {
			ve.Problems = append(ve.Problems, re.String())
		}

		return nil, ve
	}

	var spec MachineSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decoding state machine specification: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Validate checks the semantic rules the JSON schema cannot express.
func (s *MachineSpec) Validate() error {
	if s == nil {
		return errors.New("state machine specification is missing")
	}

	if s.Version == 0 {
		s.Version = MachineSpecVersion
	}

	ve := &ValidationError{}

	if s.Version > MachineSpecVersion {
		ve.Problems = append(ve.Problems, fmt.Sprintf("unsupported version %d", s.Version))
	}

	if _, ok := s.States[s.Initial]; !ok {
		ve.Problems = append(ve.Problems, fmt.Sprintf("initial state %q is not defined", s.Initial))
	}

	names := make([]string, 0, len(s.States))
	for name := range s.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		state := s.States[name]
		if state == nil {
			ve.Problems = append(ve.Problems, fmt.Sprintf("state %q is empty", name))
			continue
		}

		ve.Problems = append(ve.Problems, validateTemplates(fmt.Sprintf("state %q", name), state.Tasks)...)

		events := make([]string, 0, len(state.On))
		for event := range state.On {
			events = append(events, event)
		}
		sort.Strings(events)

		for _, event := range events {
			tr := state.On[event]
			if tr == nil || tr.Target == "" {
				ve.Problems = append(ve.Problems, fmt.Sprintf("state %q: transition on %q has no target", name, event))
				continue
			}

			if _, ok := s.States[tr.Target]; !ok {
				ve.Problems = append(ve.Problems, fmt.Sprintf("state %q: transition on %q targets unknown state %q", name, event, tr.Target))
			}

			ve.Problems = append(ve.Problems, validateTemplates(fmt.Sprintf("state %q transition %q", name, event), tr.Tasks)...)
		}
	}

	if len(ve.Problems) > 0 {
		return ve
	}

	return nil
}

func validateTemplates(where string, templates []*TaskTemplate) []string {
	var problems []string
	for i, t := range templates {
		if t == nil || t.Name == "" {
			problems = append(problems, fmt.Sprintf("%s: task %d has no name", where, i))
			continue
		}

		if !t.Type.Valid() {
			problems = append(problems, fmt.Sprintf("%s: task %q has unknown type %q", where, t.Name, t.Type))
		}

		if t.Delay != "" {
			if _, err := time.ParseDuration(t.Delay); err != nil {
				problems = append(problems, fmt.Sprintf("%s: task %q has invalid delay %q", where, t.Name, t.Delay))
			}
		}
	}

	return problems
}

func (s *MachineSpec) HasState(name string) bool {
	_, ok := s.States[name]
	return ok
}

// IsTerminal returns true if the named state is marked terminal. Unknown states are not terminal.
func (s *MachineSpec) IsTerminal(name string) bool {
	state, ok := s.States[name]
	return ok && state != nil && state.Terminal
}
