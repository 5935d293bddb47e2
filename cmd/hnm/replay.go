package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/hnm/internal/loop"
	"github.com/fyrsmithlabs/hnm/internal/signals"
)

func newReplayCmd(load loadFunc) *cobra.Command {
	var (
		input  string
		epochs int
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Train the hierarchy on recorded input",
		Long: `Replay trains a fresh hierarchy on a JSON-lines file, one record per tick:

  {"sensory": {"<leaf>": [...]}, "external": {"<signal>": [...]}, "targets": {"<level>": [...]}}

Levels named in targets learn toward the given vector instead of their own
input. The mean anomaly of every epoch is printed. Live signals are never
read and nothing is published.

Examples:
  hnm replay --input session.jsonl --epochs 20
  cat session.jsonl | hnm replay --input -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if epochs < 1 {
				return fmt.Errorf("--epochs must be >= 1, got %d", epochs)
			}
			cfg, err := load()
			if err != nil {
				return err
			}

			var r io.Reader
			if input == "-" {
				r = cmd.InOrStdin()
			} else {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("opening replay input: %w", err)
				}
				defer f.Close()
				r = f
			}

			ctx := cmd.Context()
			logger, tel, err := initObservability(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = tel.Shutdown(ctx)
				_ = logger.Sync()
			}()

			b, sys, _, err := buildSystem(cfg, logger, tel)
			if err != nil {
				return err
			}
			src := signals.NewSynthetic(signals.SpecFromLevels(cfg.Hierarchy.Levels), cfg.Signals.Synthetic, cfg.Hierarchy.Seed)
			l, err := loop.New(b, sys, src, nil, loop.Options{
				ResonantLevel: cfg.Runtime.ResonantLevel,
				Detach:        cfg.Runtime.DetachStates,
				Logger:        logger,
			})
			if err != nil {
				sys.Dispose()
				return err
			}
			defer l.Close()

			means, err := l.Replay(ctx, r, epochs)
			out := cmd.OutOrStdout()
			for i, m := range means {
				fmt.Fprintf(out, "epoch %d\tmean_anomaly %.6g\n", i+1, m)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "JSON-lines replay file, or - for stdin")
	cmd.Flags().IntVar(&epochs, "epochs", 1, "number of passes over the input")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
