package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/neuroutine/internal/config"
	"github.com/danielpatrickdp/neuroutine/internal/orchestrator"
)

// #region pipeline

func (a *app) pipelineCmd() *cobra.Command {
	var (
		prompt string
		outDir string
		loop   bool
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Collect, train, evaluate and then run the loop on the trained gate",
		Long: `pipeline runs every phase against one pair of runner processes:
collect labeled rows, fit a controller from them, evaluate it live, and
continue with the self-improving loop seeded by the trained weights.`,
		Args: cobra.NoArgs,
	}
	flags := config.NewFlags(cmd.Flags()).Runners().Gate().Prompts().Pipeline()
	cmd.Flags().StringVar(&prompt, "prompt", "", "single prompt (overrides --prompts)")
	cmd.Flags().StringVar(&outDir, "out-dir", "data/neuroutine", "directory for the training file and weights")
	cmd.Flags().BoolVar(&loop, "loop", true, "continue with the self-improving loop")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := a.prepare(ctx, flags)
		if err != nil {
			return err
		}
		defer s.Close()

		s.cfg.PipelineSteps()
		dir := s.cfg.Path(outDir)
		s.cfg.Paths.Data = filepath.Join(dir, "train.jsonl")
		s.cfg.Paths.TrainedWeights = filepath.Join(dir, "weights.json")
		if prompt == "" && s.cfg.Paths.Prompts != "" {
			// Seed a missing prompts file once so every phase reads the same prompts.
			if _, err := orchestrator.LoadPrompts("", s.cfg.Path(s.cfg.Paths.Prompts), true); err != nil {
				return err
			}
		}

		phase := func(name string) { fmt.Fprintf(s.out, "\n== %s ==\n", name) }

		phase("collect")
		if _, err := s.collect(ctx, prompt); err != nil {
			return fmt.Errorf("collect: %w", err)
		}
		phase("train")
		weights, err := s.train()
		if err != nil {
			return fmt.Errorf("train: %w", err)
		}
		phase("eval")
		if err := s.evaluate(ctx, prompt, weights); err != nil {
			return fmt.Errorf("eval: %w", err)
		}
		if !loop {
			return nil
		}
		phase("loop")
		s.cfg.Paths.Weights = weights
		return s.runLoop(ctx, prompt)
	}
	return cmd
}

// #endregion pipeline
