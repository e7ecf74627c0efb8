package release_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"windlass.sh/core/pipeline"
	"windlass.sh/core/release"
	"windlass.sh/core/windlass/engine"
	"windlass.sh/core/windlass/models"
)

type fakeBuilder struct {
	res   release.BuildResult
	err   error
	calls int
}

func (f *fakeBuilder) Build(ctx context.Context) (release.BuildResult, error) {
	f.calls++
	return f.res, f.err
}

type fakeTester struct {
	err   error
	calls int
	image string
}

func (f *fakeTester) Test(ctx context.Context, image string) error {
	f.calls++
	f.image = image
	return f.err
}

type fakeAuditor struct {
	report release.AuditReport
	err    error
	calls  int
}

func (f *fakeAuditor) Audit(ctx context.Context, image string) (release.AuditReport, error) {
	f.calls++
	return f.report, f.err
}

type fakePublisher struct {
	err   error
	calls int
	image string
}

func (f *fakePublisher) Push(ctx context.Context, image string) error {
	f.calls++
	f.image = image
	return f.err
}

type fakeReleaser struct {
	pr    string
	err   error
	calls int
	req   release.ReleaseRequest
}

func (f *fakeReleaser) OpenReleasePR(ctx context.Context, req release.ReleaseRequest) (string, error) {
	f.calls++
	f.req = req
	return f.pr, f.err
}

type fixture struct {
	builder   *fakeBuilder
	python    *fakeTester
	packages  *fakeAuditor
	publisher *fakePublisher
	releaser  *fakeReleaser
}

func newFixture() *fixture {
	return &fixture{
		builder: &fakeBuilder{
			res: release.BuildResult{ImageName: "registry.local/app", ImageTag: "v1.2.3"},
		},
		python:    &fakeTester{},
		packages:  &fakeAuditor{},
		publisher: &fakePublisher{},
		releaser:  &fakeReleaser{pr: "https://example.com/pr/42"},
	}
}

func (f *fixture) collaborators() release.Collaborators {
	return release.Collaborators{
		Builder:   f.builder,
		Python:    f.python,
		Packages:  f.packages,
		Publisher: f.publisher,
		Releaser:  f.releaser,
	}
}

func (f *fixture) run(t *testing.T, trigger pipeline.Trigger) *engine.Run {
	t.Helper()

	p := release.Definition(f.collaborators())
	eng := engine.New(context.Background(), engine.NopReporter{}, "")
	run, err := eng.Run(context.Background(), models.NewRunId(), p, trigger)
	assert.NoError(t, err)
	return run
}

func TestDefinitionIsWellFormed(t *testing.T) {
	p := release.Definition(newFixture().collaborators())
	assert.NoError(t, p.Validate())

	pr, ok := p.Stage(release.StageReleasePR)
	assert.True(t, ok)
	assert.ElementsMatch(t,
		[]string{release.StageBuild, release.StageTestPackages, release.StagePush},
		[]string(pr.DependsOn))
}

func TestRelease_PushWithGreenTests(t *testing.T) {
	f := newFixture()
	run := f.run(t, pipeline.NewPushTrigger("Dockerfile"))

	assert.False(t, run.Failed())
	for _, stage := range []string{
		release.StageBuild,
		release.StageTestPython,
		release.StageTestPackages,
		release.StagePush,
		release.StageReleasePR,
	} {
		assert.Equal(t, pipeline.StatusSucceeded, run.Stages[stage].Status, stage)
	}

	assert.Equal(t, "registry.local/app:v1.2.3", f.python.image)
	assert.Equal(t, "registry.local/app:v1.2.3", f.publisher.image)
	assert.Equal(t, "https://example.com/pr/42", run.Stages[release.StageReleasePR].Outputs[release.OutputPullRequest])

	// the releaser sees the validation report and push evidence
	assert.Equal(t, release.ReleaseRequest{
		Image:            "registry.local/app:v1.2.3",
		ValidationStatus: "passed",
		ImagePushed:      true,
	}, f.releaser.req)
}

func TestRelease_FailingTestsBlockPush(t *testing.T) {
	f := newFixture()
	f.python.err = errors.New("3 tests failed")

	run := f.run(t, pipeline.NewPushTrigger("Dockerfile"))

	assert.True(t, run.Failed())
	assert.Equal(t, pipeline.StatusFailed, run.Stages[release.StageTestPython].Status)
	assert.Equal(t, pipeline.StatusSucceeded, run.Stages[release.StageTestPackages].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StagePush].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StageReleasePR].Status)
	assert.Zero(t, f.publisher.calls, "nothing may be published after a failed validation")
	assert.Zero(t, f.releaser.calls)
}

func TestRelease_ManualSkipTests(t *testing.T) {
	f := newFixture()
	run := f.run(t, pipeline.NewManualTrigger(pipeline.Flags{release.FlagSkipTests: "true"}))

	assert.False(t, run.Failed())
	assert.Equal(t, pipeline.StatusSucceeded, run.Stages[release.StageBuild].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StageTestPython].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StageTestPackages].Status)
	assert.Equal(t, pipeline.StatusSucceeded, run.Stages[release.StagePush].Status)
	assert.Zero(t, f.python.calls)
	assert.Zero(t, f.packages.calls)
	assert.Equal(t, 1, f.publisher.calls)

	// an untested image gets no release PR
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StageReleasePR].Status)
	assert.Zero(t, f.releaser.calls)
}

func TestRelease_BuilderRequestedSkip(t *testing.T) {
	f := newFixture()
	f.builder.res.SkipTests = true

	run := f.run(t, pipeline.NewPushTrigger("Dockerfile"))

	assert.Equal(t, "true", run.Stages[release.StageBuild].Outputs[release.OutputSkipTests])
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StageTestPython].Status)
	assert.Equal(t, pipeline.StatusSucceeded, run.Stages[release.StagePush].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StageReleasePR].Status)
}

func TestRelease_MissingPackagesBlockPush(t *testing.T) {
	f := newFixture()
	f.packages.report = release.AuditReport{
		Pinned:  120,
		Missing: []string{"numpy", "pandas"},
	}

	run := f.run(t, pipeline.NewPushTrigger("packages-gpu.yaml"))

	assert.True(t, run.Failed())
	assert.Equal(t, pipeline.StatusFailed, run.Stages[release.StageTestPackages].Status)
	assert.Contains(t, run.Stages[release.StageTestPackages].Error, "2 pinned packages missing")
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StagePush].Status)
	assert.Zero(t, f.publisher.calls)
}

func TestRelease_FailedBuildSkipsEverything(t *testing.T) {
	f := newFixture()
	f.builder.err = errors.New("docker build failed")

	run := f.run(t, pipeline.NewPushTrigger("Dockerfile"))

	assert.True(t, run.Failed())
	assert.Equal(t, pipeline.StatusFailed, run.Stages[release.StageBuild].Status)
	for _, stage := range []string{
		release.StageTestPython,
		release.StageTestPackages,
		release.StagePush,
		release.StageReleasePR,
	} {
		assert.Equal(t, pipeline.StatusSkipped, run.Stages[stage].Status, stage)
	}
	assert.Zero(t, f.python.calls)
	assert.Zero(t, f.publisher.calls)
}

func TestRelease_PublisherFailureFailsRunButNotPR(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("registry unreachable")

	run := f.run(t, pipeline.NewPushTrigger("Dockerfile"))

	assert.True(t, run.Failed())
	assert.Equal(t, pipeline.StatusFailed, run.Stages[release.StagePush].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Stages[release.StageReleasePR].Status)
	assert.Zero(t, f.releaser.calls)
}

func TestBuildResultImage(t *testing.T) {
	res := release.BuildResult{ImageName: "registry.local/app", ImageTag: "v1"}
	assert.Equal(t, "registry.local/app:v1", res.Image())
}
