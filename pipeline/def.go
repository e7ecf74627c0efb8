package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// - a trigger (a push with changed paths, or a manual invocation with
//   flags) starts a "Run" of a pipeline
// - a pipeline is a DAG of named stages; independent stages execute in
//   parallel, dependents wait for every dependency to reach a terminal
//   status
// - each stage carries a run-condition evaluated over the trigger's
//   flags and the terminal results of its declared dependencies; a
//   false condition skips the stage without invoking its body

type (
	// Pipeline is the structural representation of a pipeline file.
	Pipeline struct {
		Name   string     `yaml:"name"`
		Paths  StringList `yaml:"paths"` // watch list for push triggers
		Stages []Stage    `yaml:"stages"`
	}

	Stage struct {
		Name        string            `yaml:"name"`
		DependsOn   StringList        `yaml:"depends_on"`
		When        *Condition        `yaml:"when"` // nil means always
		Command     string            `yaml:"command"`
		Environment map[string]string `yaml:"environment"`
		Timeout     Duration          `yaml:"timeout"`
		Retries     int               `yaml:"retries"`

		// Body overrides Command when a pipeline is assembled in code.
		Body Body `yaml:"-"`
	}

	StringList []string
)

// Status is a stage's position in its lifecycle. Every stage of a
// completed run holds one of the terminal statuses; Running is only
// ever observed through status events, never by a dependent stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSkipped, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Outputs are the named string values a stage publishes on success.
// Skipped and failed stages publish none.
type Outputs map[string]string

// StageResult is the write-once outcome of a stage within a run.
type StageResult struct {
	Status  Status  `json:"status"`
	Outputs Outputs `json:"outputs,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Snapshot maps dependency names to their terminal results. The engine
// only hands a stage a snapshot once every declared dependency is
// terminal.
type Snapshot map[string]StageResult

// Body is the opaque executable action of a stage.
type Body interface {
	Execute(ctx context.Context, bc BodyContext) (Outputs, error)
}

// BodyFunc adapts a function to the Body interface.
type BodyFunc func(ctx context.Context, bc BodyContext) (Outputs, error)

func (f BodyFunc) Execute(ctx context.Context, bc BodyContext) (Outputs, error) {
	return f(ctx, bc)
}

// BodyContext carries everything a body may read: the trigger's flags,
// the terminal results of the stage's dependencies, and a sink for the
// stage's log output.
type BodyContext struct {
	Stage string
	Flags Flags
	Deps  Snapshot
	Log   io.Writer
}

// Output reads a named output of a dependency. Skipped and failed
// dependencies have no outputs, so ok is false for them.
func (bc BodyContext) Output(stage, key string) (string, bool) {
	res, found := bc.Deps[stage]
	if !found {
		return "", false
	}
	v, ok := res.Outputs[key]
	return v, ok
}

// FromFile parses a pipeline file. The file name doubles as the
// pipeline name unless the file sets one.
func FromFile(name string, contents []byte) (Pipeline, error) {
	var p Pipeline

	err := yaml.Unmarshal(contents, &p)
	if err != nil {
		return p, err
	}

	if p.Name == "" {
		p.Name = name
	}

	return p, nil
}

// Stage returns the named stage, if declared.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Duration wraps time.Duration with a yaml scalar representation
// ("90s", "5m"). The zero value means "no timeout".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.Duration.String(), nil
}

// ParseDefaultTimeout parses a configured fallback timeout. An empty
// string means "no default".
func ParseDefaultTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid default timeout %q: %w", raw, err)
	}
	return d, nil
}

// ApplyDefaultTimeout sets the timeout on every stage that declares
// none.
func (p *Pipeline) ApplyDefaultTimeout(d time.Duration) {
	if d == 0 {
		return
	}
	for i := range p.Stages {
		if p.Stages[i].Timeout.Duration == 0 {
			p.Stages[i].Timeout = Duration{d}
		}
	}
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
