package pipeline

import "strconv"

// Flags are the named values a manual trigger carries. Push triggers
// have an empty flag set.
type Flags map[string]string

// Bool reads a flag as a boolean. Unset and unparsable flags are false.
func (f Flags) Bool(name string) bool {
	v, ok := f[name]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// EvalContext is what a run-condition may observe: the trigger's flags
// and a terminal snapshot of the stage's declared dependencies.
type EvalContext struct {
	Flags Flags
	Deps  Snapshot
}

// Condition is the declarative run-condition grammar. Every set clause
// must hold for the condition to hold; the zero value always holds.
//
//	when:
//	  any:
//	    - output: { stage: build, key: skip_tests, equals: "true" }
//	    - all:
//	        - succeeded: test-python
//	        - succeeded: test-packages
type Condition struct {
	Flag      string       `yaml:"flag"`      // trigger flag is truthy
	Succeeded string       `yaml:"succeeded"` // dependency ended succeeded
	Failed    string       `yaml:"failed"`    // dependency ended failed
	Skipped   string       `yaml:"skipped"`   // dependency ended skipped
	Output    *OutputMatch `yaml:"output"`    // dependency output equals a value

	All []Condition `yaml:"all"`
	Any []Condition `yaml:"any"`
	Not *Condition  `yaml:"not"`
}

// OutputMatch compares a named output of a dependency against a value.
// A dependency that published no outputs (skipped or failed) never
// matches.
type OutputMatch struct {
	Stage  string `yaml:"stage"`
	Key    string `yaml:"key"`
	Equals string `yaml:"equals"`
}

// Always is the condition that always holds.
func Always() *Condition { return &Condition{} }

func Succeeded(stage string) *Condition { return &Condition{Succeeded: stage} }

func FlagTrue(name string) *Condition { return &Condition{Flag: name} }

func OutputEquals(stage, key, value string) *Condition {
	return &Condition{Output: &OutputMatch{Stage: stage, Key: key, Equals: value}}
}

func All(conds ...*Condition) *Condition {
	c := &Condition{}
	for _, sub := range conds {
		c.All = append(c.All, *sub)
	}
	return c
}

func Any(conds ...*Condition) *Condition {
	c := &Condition{}
	for _, sub := range conds {
		c.Any = append(c.Any, *sub)
	}
	return c
}

func Not(cond *Condition) *Condition { return &Condition{Not: cond} }

// Holds evaluates the condition against ec. Evaluation is pure: it
// reads flags and the snapshot and nothing else.
func (c *Condition) Holds(ec EvalContext) bool {
	if c == nil {
		return true
	}

	if c.Flag != "" && !ec.Flags.Bool(c.Flag) {
		return false
	}
	if c.Succeeded != "" && !depStatusIs(ec, c.Succeeded, StatusSucceeded) {
		return false
	}
	if c.Failed != "" && !depStatusIs(ec, c.Failed, StatusFailed) {
		return false
	}
	if c.Skipped != "" && !depStatusIs(ec, c.Skipped, StatusSkipped) {
		return false
	}
	if c.Output != nil {
		res, ok := ec.Deps[c.Output.Stage]
		if !ok || res.Outputs[c.Output.Key] != c.Output.Equals {
			return false
		}
	}

	for _, sub := range c.All {
		if !sub.Holds(ec) {
			return false
		}
	}
	if len(c.Any) > 0 {
		matched := false
		for _, sub := range c.Any {
			if sub.Holds(ec) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if c.Not != nil && c.Not.Holds(ec) {
		return false
	}

	return true
}

func depStatusIs(ec EvalContext, stage string, want Status) bool {
	res, ok := ec.Deps[stage]
	return ok && res.Status == want
}

// Refs collects every stage name the condition reads. Validation
// requires each to be a declared dependency, otherwise the terminal
// snapshot guarantee would not cover it.
func (c *Condition) Refs() []string {
	if c == nil {
		return nil
	}

	var refs []string
	if c.Succeeded != "" {
		refs = append(refs, c.Succeeded)
	}
	if c.Failed != "" {
		refs = append(refs, c.Failed)
	}
	if c.Skipped != "" {
		refs = append(refs, c.Skipped)
	}
	if c.Output != nil && c.Output.Stage != "" {
		refs = append(refs, c.Output.Stage)
	}
	for i := range c.All {
		refs = append(refs, c.All[i].Refs()...)
	}
	for i := range c.Any {
		refs = append(refs, c.Any[i].Refs()...)
	}
	if c.Not != nil {
		refs = append(refs, c.Not.Refs()...)
	}
	return refs
}
