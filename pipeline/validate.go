package pipeline

import (
	"fmt"
	"path"
	"strings"
)

// Construction-time errors. A pipeline that fails Validate never
// produces a run.

type UnknownDependencyError struct {
	Stage      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.Stage, e.Dependency)
}

type UndeclaredConditionRefError struct {
	Stage string
	Ref   string
}

func (e *UndeclaredConditionRefError) Error() string {
	return fmt.Sprintf("stage %q condition reads %q, which is not a declared dependency", e.Stage, e.Ref)
}

type DuplicateStageError struct {
	Stage string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("duplicate stage name %q", e.Stage)
}

type CycleError struct {
	Stages []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Stages, " -> "))
}

// Validate rejects pipelines whose stage graph is not a well-formed
// DAG: duplicate names, unknown dependencies, conditions reading
// undeclared dependencies, and dependency cycles.
func (p *Pipeline) Validate() error {
	byName := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if _, dup := byName[s.Name]; dup {
			return &DuplicateStageError{Stage: s.Name}
		}
		if s.Retries < 0 {
			return fmt.Errorf("stage %q has negative retries", s.Name)
		}
		byName[s.Name] = i
	}

	for _, s := range p.Stages {
		declared := make(map[string]struct{}, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return &UnknownDependencyError{Stage: s.Name, Dependency: dep}
			}
			declared[dep] = struct{}{}
		}
		for _, ref := range s.When.Refs() {
			if _, ok := declared[ref]; !ok {
				return &UndeclaredConditionRefError{Stage: s.Name, Ref: ref}
			}
		}
	}

	return p.checkAcyclic(byName)
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the current path
	colorBlack        // fully explored
)

func (p *Pipeline) checkAcyclic(byName map[string]int) error {
	color := make(map[string]int, len(p.Stages))
	var stack []string

	var visit func(name string) *CycleError
	visit = func(name string) *CycleError {
		color[name] = colorGray
		stack = append(stack, name)

		for _, dep := range p.Stages[byName[name]].DependsOn {
			switch color[dep] {
			case colorGray:
				// close the loop for the error message
				cycle := append(append([]string{}, stack...), dep)
				return &CycleError{Stages: cycle}
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = colorBlack
		return nil
	}

	for _, s := range p.Stages {
		if color[s.Name] == colorWhite {
			if err := visit(s.Name); err != nil {
				return err
			}
		}
	}

	return nil
}

// Diagnostics collect non-fatal findings from Analyze alongside any
// validation error, for surfacing in `windlass check`.
type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) AddWarning(stage string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{stage, kind, reason})
}

func (d *Diagnostics) AddError(stage string, err error) {
	d.Errors = append(d.Errors, Error{stage, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Stage string
	Err   error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Stage, e.Err.Error())
}

type Warning struct {
	Stage  string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Stage, w.Type, w.Reason)
}

type WarningKind string

var (
	NoAction         WarningKind = "no action"
	InvalidWatchPath WarningKind = "invalid watch path"
)

// Analyze runs Validate and adds lint-level warnings: stages with
// neither a command nor a body (they complete as trivial successes)
// and malformed watch patterns.
func (p *Pipeline) Analyze() Diagnostics {
	var d Diagnostics

	if err := p.Validate(); err != nil {
		d.AddError(p.Name, err)
	}

	for _, pattern := range p.Paths {
		if _, err := path.Match(pattern, ""); err != nil {
			d.AddWarning(p.Name, InvalidWatchPath, fmt.Sprintf("bad pattern %q", pattern))
		}
	}

	for _, s := range p.Stages {
		if s.Command == "" && s.Body == nil {
			d.AddWarning(s.Name, NoAction, "stage has no command and no body; it will succeed without doing anything")
		}
	}

	return d
}
