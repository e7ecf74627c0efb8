package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"windlass.sh/core/pipeline"
)

type EnvVars []string

// Slice returns the EnvVars as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVars.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// CommandBody runs a shell command as the stage's action. The trigger
// flags and dependency outputs are exposed through the environment
// (WINDLASS_FLAG_<NAME>, WINDLASS_OUTPUT_<STAGE>_<KEY>), and the
// command publishes its own outputs by appending key=value lines to
// the file named by WINDLASS_OUTPUTS.
type CommandBody struct {
	Command     string
	Environment map[string]string
}

func (b *CommandBody) Execute(ctx context.Context, bc pipeline.BodyContext) (pipeline.Outputs, error) {
	outFile, err := os.CreateTemp("", "windlass-outputs-*")
	if err != nil {
		return nil, fmt.Errorf("creating outputs file: %w", err)
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	envs := EnvVars(os.Environ())
	for key, value := range b.Environment {
		envs.AddEnv(key, value)
	}
	for name, value := range bc.Flags {
		envs.AddEnv("WINDLASS_FLAG_"+envKey(name), value)
	}
	for dep, res := range bc.Deps {
		for key, value := range res.Outputs {
			envs.AddEnv(fmt.Sprintf("WINDLASS_OUTPUT_%s_%s", envKey(dep), envKey(key)), value)
		}
	}
	envs.AddEnv("WINDLASS_STAGE", bc.Stage)
	envs.AddEnv("WINDLASS_OUTPUTS", outPath)

	cmd := exec.CommandContext(ctx, "sh", "-c", b.Command)
	cmd.Env = envs.Slice()
	cmd.Stdout = bc.Log
	cmd.Stderr = bc.Log

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	written, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("reading outputs file: %w", err)
	}

	return ParseOutputs(written), nil
}

// ParseOutputs reads key=value lines, skipping blanks and comments.
func ParseOutputs(contents []byte) pipeline.Outputs {
	outputs := pipeline.Outputs{}

	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		outputs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	if len(outputs) == 0 {
		return nil
	}
	return outputs
}

var envKeyRe = regexp.MustCompile(`[^A-Z0-9_]`)

func envKey(name string) string {
	return envKeyRe.ReplaceAllString(strings.ToUpper(name), "_")
}

// nopBody completes a stage that declares no action, e.g. a pure
// fan-in gate.
type nopBody struct{}

func (nopBody) Execute(context.Context, pipeline.BodyContext) (pipeline.Outputs, error) {
	return nil, nil
}
