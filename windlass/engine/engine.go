package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline"
	"windlass.sh/core/windlass/models"
)

// Reporter receives every status transition and terminal result as it
// happens. Implementations persist them (sqlite + event stream in the
// daemon) or drop them (NopReporter, one-shot CLI runs).
type Reporter interface {
	RunStatus(rid models.RunId, pipelineName string, status pipeline.Status, errMsg string) error
	StageStatus(rid models.RunId, pipelineName, stage string, status pipeline.Status, errMsg string) error
	StageResult(rid models.RunId, pipelineName, stage string, res pipeline.StageResult) error
}

type NopReporter struct{}

func (NopReporter) RunStatus(models.RunId, string, pipeline.Status, string) error { return nil }
func (NopReporter) StageStatus(models.RunId, string, string, pipeline.Status, string) error {
	return nil
}
func (NopReporter) StageResult(models.RunId, string, string, pipeline.StageResult) error { return nil }

// Engine drives a pipeline's stage graph to completion for one trigger.
type Engine struct {
	l        *slog.Logger
	reporter Reporter
	logDir   string
}

// New wires an engine. A nil reporter disables reporting; an empty
// logDir disables stage log files.
func New(ctx context.Context, reporter Reporter, logDir string) *Engine {
	l := log.SubLogger(log.FromContext(ctx), "engine")

	if reporter == nil {
		reporter = NopReporter{}
	}

	return &Engine{l: l, reporter: reporter, logDir: logDir}
}

// Run is one execution of a pipeline. Stages is write-once: a stage's
// entry appears when it reaches a terminal status and never changes.
type Run struct {
	ID         models.RunId
	Pipeline   string
	Trigger    pipeline.Trigger
	Stages     map[string]pipeline.StageResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed reports overall failure: any failed stage fails the run.
// Skipped stages do not.
func (r *Run) Failed() bool {
	for _, res := range r.Stages {
		if res.Status == pipeline.StatusFailed {
			return true
		}
	}
	return false
}

func (r *Run) Status() pipeline.Status {
	if r.Failed() {
		return pipeline.StatusFailed
	}
	return pipeline.StatusSucceeded
}

// Run executes every stage of p to a terminal status. Stage bodies run
// in parallel once their dependencies are terminal; a stage's condition
// is evaluated exactly once, over the fully-terminal snapshot of its
// declared dependencies. Body failures never abort the run; they only
// flow into downstream conditions. The returned error covers trigger
// or pipeline validation and reporter failures, not stage outcomes.
func (e *Engine) Run(ctx context.Context, rid models.RunId, p pipeline.Pipeline, trigger pipeline.Trigger) (*Run, error) {
	if err := trigger.Validate(); err != nil {
		return nil, fmt.Errorf("validating trigger: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating pipeline: %w", err)
	}

	startedAt := time.Now()
	e.l.Info("starting run", "run", rid, "pipeline", p.Name, "trigger", trigger.Kind)

	var runLogger *RunLogger
	if e.logDir != "" {
		var err error
		runLogger, err = NewRunLogger(e.logDir, rid)
		if err != nil {
			return nil, fmt.Errorf("opening run log: %w", err)
		}
		defer runLogger.Close()
	}

	for _, s := range p.Stages {
		if err := e.reporter.StageStatus(rid, p.Name, s.Name, pipeline.StatusPending, ""); err != nil {
			return nil, err
		}
	}
	if err := e.reporter.RunStatus(rid, p.Name, pipeline.StatusRunning, ""); err != nil {
		return nil, err
	}

	res := newResults(p.Stages)
	flags := trigger.FlagSet()

	g := errgroup.Group{}
	for _, s := range p.Stages {
		s := s
		g.Go(func() error {
			return e.runStage(ctx, rid, p.Name, s, flags, res, runLogger)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	run := &Run{
		ID:         rid,
		Pipeline:   p.Name,
		Trigger:    trigger,
		Stages:     res.all(),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}

	status := run.Status()
	if status == pipeline.StatusFailed {
		e.l.Error("run failed!", "run", rid, "pipeline", p.Name)
	} else {
		e.l.Info("run success!", "run", rid, "pipeline", p.Name)
	}

	return run, e.reporter.RunStatus(rid, p.Name, status, "")
}

func (e *Engine) runStage(
	ctx context.Context,
	rid models.RunId,
	pipelineName string,
	s pipeline.Stage,
	flags pipeline.Flags,
	res *results,
	runLogger *RunLogger,
) error {
	snap, err := res.await(ctx, s.DependsOn)
	if err != nil {
		// run context died before the dependencies were terminal
		result := pipeline.StageResult{Status: pipeline.StatusFailed, Error: err.Error()}
		res.complete(s.Name, result)
		return e.report(rid, pipelineName, s.Name, result)
	}

	ec := pipeline.EvalContext{Flags: flags, Deps: snap}

	if !s.When.Holds(ec) {
		e.l.Info("stage skipped", "run", rid, "stage", s.Name)
		result := pipeline.StageResult{Status: pipeline.StatusSkipped}
		res.complete(s.Name, result)
		return e.report(rid, pipelineName, s.Name, result)
	}

	if err := e.reporter.StageStatus(rid, pipelineName, s.Name, pipeline.StatusRunning, ""); err != nil {
		// dependents block on this stage's done channel; leave a
		// terminal result behind or the run never drains
		res.complete(s.Name, pipeline.StageResult{Status: pipeline.StatusFailed, Error: err.Error()})
		return err
	}
	e.l.Info("stage running", "run", rid, "stage", s.Name)

	var logw io.Writer = io.Discard
	if runLogger != nil {
		logw = runLogger.StageWriter(s.Name, "output")
	}

	outputs, err := e.invoke(ctx, s, ec, logw)

	var result pipeline.StageResult
	if err != nil {
		e.l.Error("stage failed!", "run", rid, "stage", s.Name, "error", err.Error())
		result = pipeline.StageResult{Status: pipeline.StatusFailed, Error: err.Error()}
	} else {
		e.l.Info("stage succeeded", "run", rid, "stage", s.Name)
		result = pipeline.StageResult{Status: pipeline.StatusSucceeded, Outputs: outputs}
	}

	// unblock dependents before reporting; they only ever see the
	// terminal result
	res.complete(s.Name, result)
	return e.report(rid, pipelineName, s.Name, result)
}

func (e *Engine) report(rid models.RunId, pipelineName, stage string, result pipeline.StageResult) error {
	if err := e.reporter.StageResult(rid, pipelineName, stage, result); err != nil {
		return err
	}
	return e.reporter.StageStatus(rid, pipelineName, stage, result.Status, result.Error)
}

// invoke runs the stage body with the stage's timeout and retry
// policy. A panicking body counts as a failure, not a crash.
func (e *Engine) invoke(ctx context.Context, s pipeline.Stage, ec pipeline.EvalContext, logw io.Writer) (pipeline.Outputs, error) {
	body := s.Body
	if body == nil {
		if s.Command != "" {
			body = &CommandBody{Command: s.Command, Environment: s.Environment}
		} else {
			body = nopBody{}
		}
	}

	bc := pipeline.BodyContext{
		Stage: s.Name,
		Flags: ec.Flags,
		Deps:  ec.Deps,
		Log:   logw,
	}

	stageCtx := ctx
	if s.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, s.Timeout.Duration)
		defer cancel()
	}

	var outputs pipeline.Outputs
	err := retry.Do(
		func() error {
			var execErr error
			outputs, execErr = safeExecute(stageCtx, body, bc)
			return execErr
		},
		retry.Attempts(uint(s.Retries)+1),
		retry.Context(stageCtx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			e.l.Warn("stage timed out", "stage", s.Name, "timeout", s.Timeout.Duration)
			return nil, ErrTimedOut
		}
		return nil, err
	}

	return outputs, nil
}

func safeExecute(ctx context.Context, body pipeline.Body, bc pipeline.BodyContext) (outputs pipeline.Outputs, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("stage body panicked: %v", r)
		}
	}()
	return body.Execute(ctx, bc)
}

// results is the run's write-once result store. complete closes the
// stage's done channel, so await never observes a non-terminal
// dependency.
type results struct {
	mu     sync.Mutex
	byName map[string]pipeline.StageResult
	done   map[string]chan struct{}
}

func newResults(stages []pipeline.Stage) *results {
	done := make(map[string]chan struct{}, len(stages))
	for _, s := range stages {
		done[s.Name] = make(chan struct{})
	}
	return &results{
		byName: make(map[string]pipeline.StageResult, len(stages)),
		done:   done,
	}
}

func (r *results) complete(name string, res pipeline.StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[name]; dup {
		return
	}
	r.byName[name] = res
	close(r.done[name])
}

func (r *results) await(ctx context.Context, deps []string) (pipeline.Snapshot, error) {
	for _, dep := range deps {
		select {
		case <-r.done[dep]:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	snap := make(pipeline.Snapshot, len(deps))
	r.mu.Lock()
	for _, dep := range deps {
		snap[dep] = r.byName[dep]
	}
	r.mu.Unlock()
	return snap, nil
}

func (r *results) all() map[string]pipeline.StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]pipeline.StageResult, len(r.byName))
	for name, res := range r.byName {
		out[name] = res
	}
	return out
}
