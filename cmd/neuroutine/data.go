package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/neuroutine/internal/config"
	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/orchestrator"
	"github.com/danielpatrickdp/neuroutine/internal/state"
	"github.com/danielpatrickdp/neuroutine/internal/train"
)

// #region collect

func (a *app) collectCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Verify every draft token and write labeled training rows",
		Args:  cobra.NoArgs,
	}
	flags := config.NewFlags(cmd.Flags()).Runners().Prompts().Collect()
	cmd.Flags().StringVar(&prompt, "prompt", "", "single prompt (overrides --prompts)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := a.prepare(ctx, flags)
		if err != nil {
			return err
		}
		defer s.Close()
		_, err = s.collect(ctx, prompt)
		return err
	}
	return cmd
}

// collect writes a fresh training file and returns its path.
func (s *session) collect(ctx context.Context, prompt string) (string, error) {
	prompts, err := orchestrator.LoadPrompts(prompt, s.cfg.Path(s.cfg.Paths.Prompts), false)
	if err != nil {
		return "", err
	}
	pair, err := s.runners(ctx)
	if err != nil {
		return "", err
	}

	out := s.cfg.Path(s.cfg.Paths.Data)
	log, err := logging.OpenSampleLog(out, true)
	if err != nil {
		return "", err
	}
	deps := s.deps(pair)
	deps.Log = log

	rows, err := orchestrator.Collect(ctx, deps, prompts, orchestrator.CollectConfig{
		Steps:          s.cfg.Collect.Steps,
		MetricsTimeout: s.cfg.MetricsTimeout(),
		IncludePrompt:  s.cfg.Collect.IncludePrompt,
	})
	if cerr := log.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	slog.Info("collected", "rows", rows, "prompts", len(prompts))
	fmt.Fprintf(s.out, "Wrote %s\n", out)
	return out, nil
}

// #endregion collect

// #region train

func (a *app) trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit a controller offline from a training JSONL file",
		Args:  cobra.NoArgs,
	}
	flags := config.NewFlags(cmd.Flags()).Train()

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		s, err := a.prepare(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer s.Close()
		_, err = s.train()
		return err
	}
	return cmd
}

// train fits a controller from the data file, writes it and, when a store
// is configured, commits it as the active version. It returns the weights
// path.
func (s *session) train() (string, error) {
	data := s.cfg.Path(s.cfg.Paths.Data)
	recs, err := logging.ReadRecords(data)
	if err != nil {
		return "", err
	}
	samples := logging.Samples(recs)
	doc, err := train.Fit(samples, s.cfg.TrainConfig())
	if err != nil {
		return "", fmt.Errorf("train %s: %w", data, err)
	}

	out := s.cfg.Path(s.cfg.Paths.TrainedWeights)
	if err := doc.Save(out); err != nil {
		return "", err
	}
	fmt.Fprintf(s.out, "Wrote %s\n", out)
	fmt.Fprintf(s.out, "type=%s train_acc=%.3f avg_prob=%.3f samples=%d pos=%d neg=%d\n",
		doc.Type, doc.TrainAcc, doc.AvgProb, doc.Samples, doc.Pos, doc.Neg)

	store, err := s.openStore()
	if err != nil {
		return "", err
	}
	if store != nil {
		rec, err := store.CommitVersion(state.ControllerRecord{Document: doc})
		if err != nil {
			return "", err
		}
		fmt.Fprintf(s.out, "version=%s\n", rec.VersionID)
	}
	return out, nil
}

// #endregion train

// #region eval

func (a *app) evalCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score a fixed controller against the verifier on live prompts",
		Args:  cobra.NoArgs,
	}
	flags := config.NewFlags(cmd.Flags()).Runners().Gate().Prompts().Eval()
	cmd.Flags().StringVar(&prompt, "prompt", "", "single prompt (overrides --prompts)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := a.prepare(ctx, flags)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.evaluate(ctx, prompt, s.cfg.Path(s.cfg.Eval.Weights))
	}
	return cmd
}

// evaluate runs the live evaluation with the controller at weights, or the
// margin threshold when weights is empty.
func (s *session) evaluate(ctx context.Context, prompt, weights string) error {
	prompts, err := orchestrator.LoadPrompts(prompt, s.cfg.Path(s.cfg.Paths.Prompts), false)
	if err != nil {
		return err
	}
	var c gate.Controller = gate.Threshold{MarginThreshold: s.cfg.Gate.MarginThreshold}
	if weights != "" {
		c = gate.Load(weights, s.cfg.GateOptions())
	}
	pair, err := s.runners(ctx)
	if err != nil {
		return err
	}

	slog.Info("evaluating", "controller", gate.Describe(c), "prompts", len(prompts))
	sum, err := orchestrator.Evaluate(ctx, s.deps(pair), c, prompts, s.cfg.Eval.Steps, s.cfg.MetricsTimeout())
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, sum.String())
	return nil
}

// #endregion eval
