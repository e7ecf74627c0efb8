package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnmarshalPipeline(t *testing.T) {
	yamlData := `
name: release
paths:
  - Dockerfile
  - "packages*.yaml"
stages:
  - name: build
    command: make image
  - name: test
    depends_on: build
    command: make test
    timeout: 90s
    retries: 2
`

	p, err := FromFile("release.yml", []byte(yamlData))
	assert.NoError(t, err)

	assert.Equal(t, "release", p.Name)
	assert.ElementsMatch(t, []string{"Dockerfile", "packages*.yaml"}, p.Paths)
	assert.Len(t, p.Stages, 2)

	test, ok := p.Stage("test")
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"build"}, test.DependsOn)
	assert.Equal(t, 90*time.Second, test.Timeout.Duration)
	assert.Equal(t, 2, test.Retries)
}

func TestUnmarshalPipeline_NameDefaultsToFile(t *testing.T) {
	p, err := FromFile("ci.yml", []byte(`stages: [{name: build}]`))
	assert.NoError(t, err)
	assert.Equal(t, "ci.yml", p.Name)
}

func TestUnmarshalPipeline_DependsOnScalarOrList(t *testing.T) {
	yamlData := `
stages:
  - name: a
  - name: b
  - name: c
    depends_on: [a, b]
  - name: d
    depends_on: c
`

	p, err := FromFile("test.yml", []byte(yamlData))
	assert.NoError(t, err)

	c, _ := p.Stage("c")
	assert.ElementsMatch(t, []string{"a", "b"}, c.DependsOn)

	d, _ := p.Stage("d")
	assert.ElementsMatch(t, []string{"c"}, d.DependsOn)
}

func TestUnmarshalPipeline_BadTimeout(t *testing.T) {
	_, err := FromFile("test.yml", []byte(`
stages:
  - name: build
    timeout: soon
`))
	assert.Error(t, err)
}

func TestUnmarshalCondition(t *testing.T) {
	yamlData := `
stages:
  - name: build
  - name: push
    depends_on: build
    when:
      any:
        - output: { stage: build, key: skip_tests, equals: "true" }
        - succeeded: build
`

	p, err := FromFile("test.yml", []byte(yamlData))
	assert.NoError(t, err)

	push, _ := p.Stage("push")
	assert.NotNil(t, push.When)
	assert.Len(t, push.When.Any, 2)
	assert.Equal(t, "build", push.When.Any[0].Output.Stage)
	assert.Equal(t, "build", push.When.Any[1].Succeeded)
}

func TestApplyDefaultTimeout(t *testing.T) {
	p := Pipeline{
		Stages: []Stage{
			{Name: "a"},
			{Name: "b", Timeout: Duration{time.Minute}},
		},
	}

	p.ApplyDefaultTimeout(5 * time.Minute)

	assert.Equal(t, 5*time.Minute, p.Stages[0].Timeout.Duration)
	assert.Equal(t, time.Minute, p.Stages[1].Timeout.Duration)
}

func TestParseDefaultTimeout(t *testing.T) {
	d, err := ParseDefaultTimeout("")
	assert.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDefaultTimeout("5m")
	assert.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	_, err = ParseDefaultTimeout("whenever")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestBodyContextOutput(t *testing.T) {
	bc := BodyContext{
		Deps: Snapshot{
			"build":   {Status: StatusSucceeded, Outputs: Outputs{"image_tag": "v1.2.3"}},
			"skipped": {Status: StatusSkipped},
		},
	}

	v, ok := bc.Output("build", "image_tag")
	assert.True(t, ok)
	assert.Equal(t, "v1.2.3", v)

	_, ok = bc.Output("build", "missing")
	assert.False(t, ok)

	_, ok = bc.Output("skipped", "anything")
	assert.False(t, ok)

	_, ok = bc.Output("nonexistent", "anything")
	assert.False(t, ok)
}
