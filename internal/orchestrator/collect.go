package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/neuroutine/internal/eval"
	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// #region draft

// draftToken asks the draft runner for one token and pops its metrics.
func draftToken(ctx context.Context, deps Deps, prompt string, timeout time.Duration) (string, signals.Metrics, time.Duration, error) {
	start := time.Now()
	draft, err := deps.Draft.Send(ctx, prompt)
	if err != nil {
		return "", signals.Metrics{}, 0, fmt.Errorf("draft: %w", err)
	}
	dt := time.Since(start)
	deps.Telemetry.RunnerLatency(deps.Draft.Name(), dt)

	return draft, nextMetrics(deps, timeout), dt, nil
}

// nextMetrics pops the draft token's confidence record. A timeout scores the
// token with zero metrics; records left queued afterwards mean the side
// channel has drifted ahead of the responses.
func nextMetrics(deps Deps, timeout time.Duration) signals.Metrics {
	if deps.Metrics == nil {
		return signals.Metrics{}
	}
	m, ok := deps.Metrics.NextMetrics(timeout)
	if !ok {
		slog.Debug("no metrics for draft token, scoring with zeros", "timeout", timeout)
		deps.Telemetry.Starved()
		return signals.Metrics{}
	}
	if n := deps.Metrics.Pending(); n > 0 {
		slog.Debug("metrics queue ahead of draft responses", "pending", n)
		deps.Telemetry.Drift()
	}
	return m
}

func verifyToken(ctx context.Context, deps Deps, prompt string) (string, time.Duration, error) {
	start := time.Now()
	verify, err := deps.Verify.Send(ctx, prompt)
	if err != nil {
		return "", 0, fmt.Errorf("verify: %w", err)
	}
	dt := time.Since(start)
	deps.Telemetry.RunnerLatency(deps.Verify.Name(), dt)
	return verify, dt, nil
}

// #endregion

// #region collect

// CollectConfig controls an offline data collection run.
type CollectConfig struct {
	Steps          int
	MetricsTimeout time.Duration
	IncludePrompt  bool // store the running context in each row
}

// Collect verifies every draft token and appends one labeled sample per token
// to deps.Log. Generation follows the verifier; an empty verify token ends
// the prompt. It returns the number of rows written.
func Collect(ctx context.Context, deps Deps, prompts []string, cfg CollectConfig) (int, error) {
	if deps.Log == nil {
		return 0, errors.New("collect: no output log")
	}
	rows := 0
	for _, prompt := range prompts {
		current := prompt
		for step := 1; step <= cfg.Steps; step++ {
			if err := ctx.Err(); err != nil {
				return rows, err
			}
			draft, m, _, err := draftToken(ctx, deps, current, cfg.MetricsTimeout)
			if err != nil {
				return rows, fmt.Errorf("collect step %d: %w", step, err)
			}
			verify, _, err := verifyToken(ctx, deps, current)
			if err != nil {
				return rows, fmt.Errorf("collect step %d: %w", step, err)
			}

			s := logging.NewSample(current, step, draft, m, verify, true)
			if cfg.IncludePrompt {
				s.Prompt = current
			}
			if err := deps.Log.Append(s); err != nil {
				return rows, fmt.Errorf("collect step %d: %w", step, err)
			}
			rows++
			deps.Telemetry.Label(*s.Label)

			if verify == "" {
				break
			}
			current += verify
		}
	}
	return rows, nil
}

// #endregion

// #region evaluate

// Evaluate scores every draft token with a fixed controller while always
// verifying, and tallies how often acceptance would have been wrong.
func Evaluate(ctx context.Context, deps Deps, c gate.Controller, prompts []string, steps int, timeout time.Duration) (eval.Summary, error) {
	var sum eval.Summary
	for _, prompt := range prompts {
		current := prompt
		for step := 1; step <= steps; step++ {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			draft, m, smallDt, err := draftToken(ctx, deps, current, timeout)
			if err != nil {
				return sum, fmt.Errorf("eval step %d: %w", step, err)
			}
			accept, _ := c.Accept(m, draft)
			verify, largeDt, err := verifyToken(ctx, deps, current)
			if err != nil {
				return sum, fmt.Errorf("eval step %d: %w", step, err)
			}

			sum.Timing.SmallS += smallDt.Seconds()
			sum.Timing.LargeS += largeDt.Seconds()
			sum.Timing.LargeCalls++
			sum.Timing.Tokens++
			sum.Observe(accept, draft, verify)
			deps.Telemetry.Decision(decisionLabel(false, accept))

			if verify == "" {
				break
			}
			current += verify
		}
	}
	return sum, nil
}

// #endregion
