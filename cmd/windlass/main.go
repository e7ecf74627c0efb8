package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline"
	"windlass.sh/core/windlass"
	"windlass.sh/core/windlass/engine"
	"windlass.sh/core/windlass/models"
)

func main() {
	cmd := &cli.Command{
		Name:  "windlass",
		Usage: "gated release pipeline runner",
		Commands: []*cli.Command{
			windlass.Command(),
			runCommand(),
			checkCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("windlass")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute a pipeline file once and print the stage results",
		ArgsUsage: "<pipeline.yml>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "flag",
				Usage: "manual trigger flag as key=value, repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "changed",
				Usage: "simulate a push touching this path, repeatable",
			},
			&cli.StringFlag{
				Name:  "timeout",
				Usage: "default stage timeout",
				Value: "5m",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "directory for stage log files, empty discards stage output",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one pipeline file")
			}
			name := cmd.Args().First()

			contents, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			p, err := pipeline.FromFile(name, contents)
			if err != nil {
				return err
			}

			timeout, err := pipeline.ParseDefaultTimeout(cmd.String("timeout"))
			if err != nil {
				return err
			}
			p.ApplyDefaultTimeout(timeout)

			trigger, err := triggerFromFlags(cmd.StringSlice("flag"), cmd.StringSlice("changed"))
			if err != nil {
				return err
			}
			if !p.Matches(trigger) {
				fmt.Printf("%s: no watched path changed, nothing to run\n", p.Name)
				return nil
			}

			eng := engine.New(ctx, engine.NopReporter{}, cmd.String("log-dir"))
			run, err := eng.Run(ctx, models.NewRunId(), p, trigger)
			if err != nil {
				return err
			}

			for _, s := range p.Stages {
				res := run.Stages[s.Name]
				fmt.Printf("%-24s %s", s.Name, res.Status)
				if res.Error != "" {
					fmt.Printf("  (%s)", res.Error)
				}
				fmt.Println()
			}
			fmt.Printf("\n%s %s in %s\n", p.Name, run.Status(),
				humanize.RelTime(run.StartedAt, run.FinishedAt, "", ""))

			if run.Failed() {
				return engine.ErrRunFailed
			}
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "validate pipeline files without running them",
		ArgsUsage: "<pipeline.yml>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return fmt.Errorf("expected at least one pipeline file")
			}

			bad := 0
			for _, name := range cmd.Args().Slice() {
				contents, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				p, err := pipeline.FromFile(name, contents)
				if err != nil {
					fmt.Printf("%s: %s\n", name, err)
					bad++
					continue
				}

				diag := p.Analyze()
				for _, w := range diag.Warnings {
					fmt.Printf("%s: %s\n", name, w.String())
				}
				for _, e := range diag.Errors {
					fmt.Printf("%s: %s\n", name, e.String())
				}
				if diag.IsErr() {
					bad++
					continue
				}
				fmt.Printf("%s: ok (%d stages)\n", name, len(p.Stages))
			}

			if bad > 0 {
				return fmt.Errorf("%d of %d files invalid", bad, cmd.Args().Len())
			}
			return nil
		},
	}
}

func triggerFromFlags(rawFlags, changed []string) (pipeline.Trigger, error) {
	if len(rawFlags) == 0 {
		return pipeline.NewPushTrigger(changed...), nil
	}

	flags := make(pipeline.Flags, len(rawFlags))
	for _, raw := range rawFlags {
		key, value, found := strings.Cut(raw, "=")
		if !found {
			return pipeline.Trigger{}, fmt.Errorf("flag %q is not key=value", raw)
		}
		flags[key] = value
	}

	t := pipeline.NewManualTrigger(flags)
	if len(changed) > 0 {
		// surfaces ErrAmbiguousTrigger instead of silently dropping paths
		t.Push = &pipeline.PushTrigger{ChangedPaths: changed}
	}
	if err := t.Validate(); err != nil {
		return pipeline.Trigger{}, err
	}
	return t, nil
}
