package orchestrator

// #region imports
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/danielpatrickdp/neuroutine/internal/eval"
	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/state"
	"github.com/danielpatrickdp/neuroutine/internal/telemetry"
	"github.com/danielpatrickdp/neuroutine/internal/train"
)

// #endregion

// #region loop-struct

// Deps are the loop's collaborators. Only Draft and Verify are required.
type Deps struct {
	Draft     Runner
	Metrics   MetricsSource // nil scores every token with zero metrics
	Verify    Runner
	Log       *logging.SampleLog // nil skips the JSONL record log
	Store     *state.Store       // nil skips controller versioning
	Telemetry *telemetry.Metrics
	Out       io.Writer       // status lines, default os.Stdout
	Reload    <-chan struct{} // fires when the weights file changes on disk
}

// Loop is the single-threaded draft/score/verify/retrain state machine. It
// owns the controller and the training window; nothing else touches them.
type Loop struct {
	cfg  Config
	deps Deps
	out  io.Writer

	controller gate.Controller
	policy     *Policy
	window     *Window
	acc        *eval.Accuracy
	timing     eval.Timing
	labeled    int
	lastStats  *eval.GateStats
	reload     <-chan struct{}
}

// New wires a loop around an initial controller.
func New(cfg Config, c gate.Controller, deps Deps) *Loop {
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}
	return &Loop{
		cfg:        cfg,
		deps:       deps,
		out:        out,
		controller: c,
		policy:     NewPolicy(cfg),
		window:     NewWindow(cfg.WindowSize),
		acc:        eval.NewAccuracy(cfg.AccuracyWindow),
		reload:     deps.Reload,
	}
}

// Controller returns the active controller.
func (l *Loop) Controller() gate.Controller { return l.controller }

// Window returns the training window.
func (l *Loop) Window() *Window { return l.window }

// Timing returns accumulated runner timings.
func (l *Loop) Timing() eval.Timing { return l.timing }

// Labeled returns the number of verified tokens so far.
func (l *Loop) Labeled() int { return l.labeled }

// Accuracy returns the gate accuracy tracker.
func (l *Loop) Accuracy() *eval.Accuracy { return l.acc }

// #endregion

// #region run

// Run cycles through prompts until Cycles passes complete or ctx is done.
// Cancellation is observed between steps; the in-flight runner call finishes.
func (l *Loop) Run(ctx context.Context, prompts []string) error {
	if len(prompts) == 0 {
		return errors.New("run loop: no prompts")
	}
	slog.Info("loop started",
		"controller", gate.Describe(l.controller),
		"prompts", len(prompts), "steps", l.cfg.Steps, "cycles", l.cfg.Cycles, "mirror", l.cfg.Mirror)
	for cycle := 0; l.cfg.Cycles <= 0 || cycle < l.cfg.Cycles; cycle++ {
		for _, p := range prompts {
			if _, err := l.RunPrompt(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPrompt generates up to Steps tokens for one prompt and returns the
// extended context. It stops early when the chosen token is empty.
func (l *Loop) RunPrompt(ctx context.Context, prompt string) (string, error) {
	fmt.Fprintf(l.out, "prompt: %q\n", prompt)
	current := prompt
	for step := 1; step <= l.cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		l.checkReload()
		res, err := l.Step(ctx, current, step)
		if err != nil {
			return current, err
		}
		if res.Stop {
			break
		}
		current += res.Record.Chosen
	}
	return current, nil
}

// #endregion

// #region step

// Step runs one token through draft, score, verify, log and retrain.
func (l *Loop) Step(ctx context.Context, prompt string, step int) (StepResult, error) {
	draft, m, smallDt, err := draftToken(ctx, l.deps, prompt, l.cfg.MetricsTimeout)
	if err != nil {
		return StepResult{}, fmt.Errorf("step %d: %w", step, err)
	}
	l.timing.SmallS += smallDt.Seconds()

	accept, score := l.controller.Accept(m, draft)
	reason := l.policy.Decide(accept, l.timing.Tokens, l.window.Positives())

	verified := reason.Verify()
	var verify string
	var largeDt time.Duration
	if verified {
		if verify, largeDt, err = verifyToken(ctx, l.deps, prompt); err != nil {
			return StepResult{}, fmt.Errorf("step %d: %w", step, err)
		}
		l.timing.LargeS += largeDt.Seconds()
		l.timing.LargeCalls++
		l.deps.Telemetry.TeacherCall(string(reason))
	}

	chosen, err := selectOutput(l.cfg.Mirror, accept, verified, draft, verify)
	if err != nil {
		return StepResult{}, fmt.Errorf("step %d: %w", step, err)
	}

	sample := logging.NewSample(prompt, step, draft, m, verify, verified)
	if verified {
		l.labeled++
		l.window.Push(sample)
		l.acc.Observe(eval.Correct(accept, sample.Positive()))
		l.deps.Telemetry.Label(*sample.Label)
		l.deps.Telemetry.Accuracy(l.acc.Total(), l.acc.Rolling())
	}

	rec := logging.Record{
		Sample:        sample,
		Accept:        accept,
		Score:         score,
		TeacherCalled: verified,
		TeacherReason: string(reason),
		SmallTimeS:    smallDt.Seconds(),
		LargeTimeS:    largeDt.Seconds(),
		Chosen:        chosen,
		RunID:         l.cfg.RunID,
	}
	if l.deps.Log != nil {
		if err := l.deps.Log.Append(rec); err != nil {
			return StepResult{}, fmt.Errorf("step %d: %w", step, err)
		}
	}
	l.timing.Tokens++

	decision := decisionLabel(l.cfg.Mirror, accept)
	l.deps.Telemetry.Decision(decision)
	teacher := "n"
	if verified {
		teacher = "Y"
	}
	fmt.Fprintf(l.out, "%02d %s score=%.3f draft=%q chosen=%q teacher=%s gate_acc=%.3f rolling_acc=%.3f (small=%.2fs large=%.2fs)\n",
		step, decision, score, draft, chosen, teacher,
		l.acc.Total(), l.acc.Rolling(), smallDt.Seconds(), largeDt.Seconds())

	if verified {
		if l.cfg.ReportEvery > 0 && l.labeled%l.cfg.ReportEvery == 0 {
			fmt.Fprintln(l.out, eval.Report(eval.Stats(l.window.Snapshot(), l.controller), l.timing))
		}
		if l.cfg.RetrainEvery > 0 && l.labeled%l.cfg.RetrainEvery == 0 && l.window.Len() >= l.cfg.MinSamples {
			if _, err := l.Retrain(); err != nil {
				return StepResult{}, fmt.Errorf("step %d: %w", step, err)
			}
		}
	}

	return StepResult{Record: rec, Reason: reason, Decision: decision, Stop: chosen == ""}, nil
}

// #endregion

// #region retrain

// Retrain fits a fresh controller on the current window and swaps it in.
// A single-class window is skipped with a diagnostic and reports false.
func (l *Loop) Retrain() (bool, error) {
	rows := l.window.Snapshot()
	before := eval.Stats(rows, l.controller)

	doc, err := train.Fit(rows, l.cfg.Train)
	if errors.Is(err, train.ErrSingleClass) {
		pos := l.window.Positives()
		neg := len(rows) - pos
		fmt.Fprintf(l.out, "retrain: skipped (need pos+neg, pos=%d neg=%d)\n", pos, neg)
		l.deps.Telemetry.Retrain("skipped")
		l.recordRetrain(logging.RetrainEntry{
			Kind: string(l.cfg.Train.Kind), Result: "skipped", Reason: "single class",
			Samples: len(rows), Pos: pos, Neg: neg,
		})
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("retrain: %w", err)
	}

	next, err := l.install(doc)
	if err != nil {
		return false, fmt.Errorf("retrain: %w", err)
	}
	l.controller = next
	l.deps.Telemetry.Retrain("committed")

	after := eval.Stats(rows, l.controller)
	fmt.Fprintln(l.out, eval.RetrainReport(after, l.lastStats, l.timing))
	l.lastStats = &after

	versionID := l.commitVersion(doc)
	statsJSON, _ := json.Marshal(map[string]eval.GateStats{"before": before, "after": after})
	l.recordRetrain(logging.RetrainEntry{
		VersionID: versionID, Kind: string(doc.Kind()), Result: "committed",
		Samples: doc.Samples, Pos: doc.Pos, Neg: doc.Neg, TrainAcc: doc.TrainAcc,
		StatsJSON: string(statsJSON),
	})
	slog.Info("controller retrained", "controller", gate.Describe(l.controller),
		"samples", doc.Samples, "pos", doc.Pos, "neg", doc.Neg, "train_acc", doc.TrainAcc, "version", versionID)
	return true, nil
}

// install persists doc and loads it back through the same path an external
// trainer's weights take. Without a weights path the document is decoded in memory.
func (l *Loop) install(doc gate.Document) (gate.Controller, error) {
	if l.cfg.WeightsPath == "" {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode controller: %w", err)
		}
		return gate.Decode(data, l.cfg.Gate), nil
	}
	if err := doc.Save(l.cfg.WeightsPath); err != nil {
		return nil, err
	}
	return gate.Load(l.cfg.WeightsPath, l.cfg.Gate), nil
}

func (l *Loop) commitVersion(doc gate.Document) string {
	if l.deps.Store == nil {
		return ""
	}
	rec, err := l.deps.Store.CommitVersion(state.ControllerRecord{RunID: l.cfg.RunID, Document: doc})
	if err != nil {
		slog.Warn("failed to commit controller version", "err", err)
		return ""
	}
	return rec.VersionID
}

func (l *Loop) recordRetrain(entry logging.RetrainEntry) {
	if l.deps.Store == nil {
		return
	}
	entry.RunID = l.cfg.RunID
	if err := logging.LogRetrain(l.deps.Store.DB(), entry); err != nil {
		slog.Warn("failed to record retrain", "err", err)
	}
}

// #endregion

// #region reload

func (l *Loop) checkReload() {
	if l.reload == nil {
		return
	}
	select {
	case _, ok := <-l.reload:
		if !ok {
			l.reload = nil
			return
		}
		if l.cfg.WeightsPath == "" {
			return
		}
		l.controller = gate.Load(l.cfg.WeightsPath, l.cfg.Gate)
		slog.Info("controller reloaded", "path", l.cfg.WeightsPath, "controller", gate.Describe(l.controller))
	default:
	}
}

// #endregion
