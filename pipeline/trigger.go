package pipeline

import (
	"errors"
	"path"
)

const (
	TriggerKindPush   string = "push"
	TriggerKindManual string = "manual"
)

var (
	ErrUnknownTriggerKind = errors.New("unknown trigger kind")
	ErrAmbiguousTrigger   = errors.New("trigger carries both a change-set and manual flags")
)

type (
	// Trigger starts a run. Exactly one of Push and Manual is set,
	// matching Kind; a trigger carrying both is rejected rather than
	// resolved in some priority order.
	Trigger struct {
		Kind   string         `json:"kind"`
		Push   *PushTrigger   `json:"push,omitempty"`
		Manual *ManualTrigger `json:"manual,omitempty"`
	}

	PushTrigger struct {
		ChangedPaths []string `json:"changed_paths"`
	}

	ManualTrigger struct {
		Flags Flags `json:"flags,omitempty"`
	}
)

func NewPushTrigger(changed ...string) Trigger {
	return Trigger{
		Kind: TriggerKindPush,
		Push: &PushTrigger{ChangedPaths: changed},
	}
}

func NewManualTrigger(flags Flags) Trigger {
	return Trigger{
		Kind:   TriggerKindManual,
		Manual: &ManualTrigger{Flags: flags},
	}
}

func (t *Trigger) Validate() error {
	if t.Push != nil && t.Manual != nil {
		return ErrAmbiguousTrigger
	}

	switch t.Kind {
	case TriggerKindPush:
		if t.Push == nil {
			return errors.New("push trigger carries no change-set")
		}
	case TriggerKindManual:
		if t.Manual == nil {
			return errors.New("manual trigger carries no flag set")
		}
	default:
		return ErrUnknownTriggerKind
	}

	return nil
}

// FlagSet returns the trigger's flags. Push triggers carry none.
func (t *Trigger) FlagSet() Flags {
	if t.Manual != nil {
		return t.Manual.Flags
	}
	return Flags{}
}

// Matches reports whether the trigger starts a run of this pipeline.
// Manual triggers always match. Push triggers match when any changed
// path matches any watch pattern; a pipeline with no watch list runs
// on every push.
func (p *Pipeline) Matches(t Trigger) bool {
	if t.Manual != nil {
		return true
	}

	if t.Push == nil {
		return false
	}

	if len(p.Paths) == 0 {
		return true
	}

	for _, pattern := range p.Paths {
		for _, changed := range t.Push.ChangedPaths {
			if ok, err := path.Match(pattern, changed); err == nil && ok {
				return true
			}
		}
	}

	return false
}
