package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/neuroutine/internal/config"
	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/orchestrator"
)

// defaultLoopPrompts is seeded with the default prompts when the loop runs
// without a prompt or prompts file.
const defaultLoopPrompts = "data/neuroutine/prompts.txt"

// #region loop-cmd

func (a *app) loopCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the self-improving gate loop until interrupted",
		Args:  cobra.NoArgs,
	}
	flags := config.NewFlags(cmd.Flags()).Runners().Gate().Prompts().Loop()
	cmd.Flags().StringVar(&prompt, "prompt", "", "single prompt (overrides --prompts)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := a.prepare(ctx, flags)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.runLoop(ctx, prompt)
	}
	return cmd
}

// #endregion loop-cmd

// #region run-loop

// runLoop runs the live loop against the configured weights file. An
// interrupt ends the loop cleanly.
func (s *session) runLoop(ctx context.Context, prompt string) error {
	cfg := s.cfg
	promptsPath := cfg.Paths.Prompts
	if promptsPath == "" {
		promptsPath = defaultLoopPrompts
	}
	prompts, err := orchestrator.LoadPrompts(prompt, cfg.Path(promptsPath), true)
	if err != nil {
		return err
	}

	pair, err := s.runners(ctx)
	if err != nil {
		return err
	}

	weights := cfg.Path(cfg.Paths.Weights)
	if err := os.MkdirAll(filepath.Dir(weights), 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	controller := gate.Load(weights, cfg.GateOptions())

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	reload, err := gate.Watch(watchCtx, weights)
	if err != nil {
		slog.Warn("weights hot reload disabled", "err", err)
	}

	log, err := logging.OpenSampleLog(cfg.Path(cfg.Paths.Log), false)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := s.openStore()
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	deps := s.deps(pair)
	deps.Log = log
	deps.Store = store
	deps.Reload = reload

	fmt.Fprintf(s.out, "run: %s controller=%s log=%s\n", runID, gate.Describe(controller), log.Path())
	loop := orchestrator.New(cfg.Orchestrator(runID), controller, deps)
	err = loop.Run(ctx, prompts)
	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		fmt.Fprintln(s.out, "\nStopping loop.")
		return nil
	}
	return err
}

// #endregion run-loop
