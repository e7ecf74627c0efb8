// Package release provides the gated release pipeline: build an image,
// validate it, and only publish when validation succeeded or tests
// were explicitly skipped.
package release

import (
	"context"
	"fmt"
	"strconv"

	"windlass.sh/core/pipeline"
)

// Stage names of the gated release graph.
const (
	StageBuild        = "build"
	StageTestPython   = "test-python"
	StageTestPackages = "test-packages"
	StagePush         = "push"
	StageReleasePR    = "create-release-pr"
)

// Flag and output keys the graph's conditions read.
const (
	FlagSkipTests = "skip_tests"

	OutputImageName        = "image_name"
	OutputImageTag         = "image_tag"
	OutputSkipTests        = "skip_tests"
	OutputValidationStatus = "validation_status"
	OutputImagePushed      = "image_pushed"
	OutputPullRequest      = "pull_request"
)

// BuildResult is the build collaborator's outcome: an image handle and
// whether the trigger asked for tests to be skipped.
type BuildResult struct {
	ImageName string
	ImageTag  string
	SkipTests bool
}

func (r BuildResult) Image() string {
	return fmt.Sprintf("%s:%s", r.ImageName, r.ImageTag)
}

// Collaborators are the opaque external systems the stage bodies
// invoke. The pipeline only sees their statuses and outputs.
type Collaborators struct {
	Builder   Builder
	Python    Tester
	Packages  PackageAuditor
	Publisher Publisher
	Releaser  Releaser
}

type Builder interface {
	Build(ctx context.Context) (BuildResult, error)
}

type Tester interface {
	Test(ctx context.Context, image string) error
}

type PackageAuditor interface {
	Audit(ctx context.Context, image string) (AuditReport, error)
}

type Publisher interface {
	Push(ctx context.Context, image string) error
}

// ReleaseRequest is what the Releaser gets to work with: the published
// image plus the validation and push evidence from upstream stages.
type ReleaseRequest struct {
	Image            string
	ValidationStatus string
	ImagePushed      bool
}

type Releaser interface {
	OpenReleasePR(ctx context.Context, req ReleaseRequest) (string, error)
}

// Definition assembles the gated release graph:
//
//	build ─┬─ test-python  ─┬─ push ── create-release-pr
//	       └─ test-packages ┘
//
// Tests run unless the build asked for them to be skipped. Push runs
// when tests were skipped OR both validations succeeded. The release
// PR additionally requires that tests actually ran.
func Definition(c Collaborators) pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "gated-release",
		Paths: []string{
			"Dockerfile",
			"packages*.yaml",
			"notebooks/*",
		},
		Stages: []pipeline.Stage{
			{
				Name: StageBuild,
				Body: buildBody(c.Builder),
			},
			{
				Name:      StageTestPython,
				DependsOn: []string{StageBuild},
				When:      pipeline.OutputEquals(StageBuild, OutputSkipTests, "false"),
				Body:      testBody(c.Python),
			},
			{
				Name:      StageTestPackages,
				DependsOn: []string{StageBuild},
				When:      pipeline.OutputEquals(StageBuild, OutputSkipTests, "false"),
				Body:      auditBody(c.Packages),
			},
			{
				Name:      StagePush,
				DependsOn: []string{StageBuild, StageTestPython, StageTestPackages},
				When: pipeline.Any(
					pipeline.OutputEquals(StageBuild, OutputSkipTests, "true"),
					pipeline.All(
						pipeline.Succeeded(StageTestPython),
						pipeline.Succeeded(StageTestPackages),
					),
				),
				Body: pushBody(c.Publisher),
			},
			{
				Name:      StageReleasePR,
				DependsOn: []string{StageBuild, StageTestPackages, StagePush},
				When: pipeline.All(
					pipeline.Succeeded(StagePush),
					pipeline.OutputEquals(StageBuild, OutputSkipTests, "false"),
				),
				Body: releaseBody(c.Releaser),
			},
		},
	}
}

func buildBody(b Builder) pipeline.Body {
	return pipeline.BodyFunc(func(ctx context.Context, bc pipeline.BodyContext) (pipeline.Outputs, error) {
		res, err := b.Build(ctx)
		if err != nil {
			return nil, err
		}

		// a manual skip_tests flag overrides whatever the builder
		// decided
		skip := res.SkipTests || bc.Flags.Bool(FlagSkipTests)

		return pipeline.Outputs{
			OutputImageName: res.ImageName,
			OutputImageTag:  res.ImageTag,
			OutputSkipTests: strconv.FormatBool(skip),
		}, nil
	})
}

func testBody(t Tester) pipeline.Body {
	return pipeline.BodyFunc(func(ctx context.Context, bc pipeline.BodyContext) (pipeline.Outputs, error) {
		image, err := builtImage(bc)
		if err != nil {
			return nil, err
		}

		if err := t.Test(ctx, image); err != nil {
			return nil, err
		}

		return pipeline.Outputs{OutputValidationStatus: "passed"}, nil
	})
}

func auditBody(a PackageAuditor) pipeline.Body {
	return pipeline.BodyFunc(func(ctx context.Context, bc pipeline.BodyContext) (pipeline.Outputs, error) {
		image, err := builtImage(bc)
		if err != nil {
			return nil, err
		}

		report, err := a.Audit(ctx, image)
		if err != nil {
			return nil, err
		}

		report.Write(bc.Log, image)
		if report.Failed() {
			return nil, fmt.Errorf("%d pinned packages missing from image", len(report.Missing))
		}

		return pipeline.Outputs{OutputValidationStatus: "passed"}, nil
	})
}

func pushBody(p Publisher) pipeline.Body {
	return pipeline.BodyFunc(func(ctx context.Context, bc pipeline.BodyContext) (pipeline.Outputs, error) {
		image, err := builtImage(bc)
		if err != nil {
			return nil, err
		}

		if err := p.Push(ctx, image); err != nil {
			return nil, err
		}

		return pipeline.Outputs{OutputImagePushed: "true"}, nil
	})
}

func releaseBody(r Releaser) pipeline.Body {
	return pipeline.BodyFunc(func(ctx context.Context, bc pipeline.BodyContext) (pipeline.Outputs, error) {
		image, err := builtImage(bc)
		if err != nil {
			return nil, err
		}

		status, _ := bc.Output(StageTestPackages, OutputValidationStatus)
		pushed, _ := bc.Output(StagePush, OutputImagePushed)

		pr, err := r.OpenReleasePR(ctx, ReleaseRequest{
			Image:            image,
			ValidationStatus: status,
			ImagePushed:      pushed == "true",
		})
		if err != nil {
			return nil, err
		}

		return pipeline.Outputs{OutputPullRequest: pr}, nil
	})
}

func builtImage(bc pipeline.BodyContext) (string, error) {
	name, ok := bc.Output(StageBuild, OutputImageName)
	if !ok {
		return "", fmt.Errorf("build published no %s output", OutputImageName)
	}
	tag, ok := bc.Output(StageBuild, OutputImageTag)
	if !ok {
		return "", fmt.Errorf("build published no %s output", OutputImageTag)
	}
	return fmt.Sprintf("%s:%s", name, tag), nil
}
