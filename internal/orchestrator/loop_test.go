package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/signals"
	"github.com/danielpatrickdp/neuroutine/internal/state"
	"github.com/danielpatrickdp/neuroutine/internal/train"
)

// #region fakes

// scripted replays canned tokens and records every prompt it was sent.
type scripted struct {
	name    string
	outputs []string
	calls   []string
	err     error
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Send(_ context.Context, prompt string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	i := len(s.calls)
	s.calls = append(s.calls, prompt)
	if i >= len(s.outputs) {
		return "", nil
	}
	return s.outputs[i], nil
}

// queued hands out metrics in order, then reports a timeout.
type queued struct {
	ms []signals.Metrics
}

func (q *queued) NextMetrics(time.Duration) (signals.Metrics, bool) {
	if len(q.ms) == 0 {
		return signals.Metrics{}, false
	}
	m := q.ms[0]
	q.ms = q.ms[1:]
	return m, true
}

func (q *queued) Pending() int { return 0 }

func margins(ms ...float64) *queued {
	q := &queued{}
	for _, m := range ms {
		q.ms = append(q.ms, signals.Metrics{Max: 10, Second: 10 - m, Margin: m})
	}
	return q
}

// sideChannel queues only the lines the runner's stderr reader would keep.
func sideChannel(lines ...string) *queued {
	q := &queued{}
	for _, line := range lines {
		if m, ok := signals.ParseMetricsLine([]byte(line)); ok {
			q.ms = append(q.ms, m)
		}
	}
	return q
}

// quietConfig verifies only on rejection.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Mirror = false
	cfg.BootstrapPositives = 0
	cfg.RetrainEvery = 0
	cfg.ReportEvery = 0
	cfg.WeightsPath = ""
	return cfg
}

// labeledSample builds a verified sample whose label follows margin >= 1.
func labeledSample(step int, margin float64) logging.Sample {
	verify := "b"
	if margin >= 1 {
		verify = "a"
	}
	m := signals.Metrics{Max: 10, Second: 10 - margin, Margin: margin}
	return logging.NewSample("p", step, "a", m, verify, true)
}

// #endregion

// #region policy-tests

func TestPolicy_PriorityOrder(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		accept    bool
		tokens    int
		positives int
		want      Reason
	}{
		{"mirror beats reject", Policy{Mirror: true}, false, 0, 0, ReasonMirror},
		{"reject", Policy{}, false, 0, 0, ReasonReject},
		{"periodic on cadence", Policy{TeacherEvery: 3}, true, 2, 0, ReasonPeriodic},
		{"periodic off cadence", Policy{TeacherEvery: 3}, true, 3, 0, ReasonNone},
		{"sampled", Policy{TeacherProb: 1}, true, 0, 0, ReasonSampled},
		{"bootstrap", Policy{BootstrapPositives: 2}, true, 0, 1, ReasonBootstrap},
		{"bootstrap satisfied", Policy{BootstrapPositives: 2}, true, 0, 2, ReasonNone},
		{"periodic beats bootstrap", Policy{TeacherEvery: 1, BootstrapPositives: 5}, true, 0, 0, ReasonPeriodic},
		{"none", Policy{}, true, 0, 0, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.policy
			p.rng = NewPolicy(Config{}).rng
			assert.Equal(t, tt.want, p.Decide(tt.accept, tt.tokens, tt.positives))
		})
	}
}

func TestPolicy_SeededDraws(t *testing.T) {
	cfg := Config{TeacherProb: 0.5, Seed: 7}
	a, b := NewPolicy(cfg), NewPolicy(cfg)
	sampled := 0
	for i := range 200 {
		ra, rb := a.Decide(true, i, 0), b.Decide(true, i, 0)
		require.Equal(t, ra, rb)
		if ra == ReasonSampled {
			sampled++
		}
	}
	assert.Greater(t, sampled, 50)
	assert.Less(t, sampled, 150)
}

func TestSelectOutput(t *testing.T) {
	tests := []struct {
		name                     string
		mirror, accept, verified bool
		want                     string
		wantErr                  error
	}{
		{"mirror uses verify", true, true, true, "v", nil},
		{"verified uses verify", false, true, true, "v", nil},
		{"accepted uses draft", false, true, false, "d", nil},
		{"rejected and verified", false, false, true, "v", nil},
		{"rejected without verify", false, false, false, "", ErrUnverifiedReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectOutput(tt.mirror, tt.accept, tt.verified, "d", "v")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecisionLabel(t *testing.T) {
	assert.Equal(t, DecisionMirror, decisionLabel(true, false))
	assert.Equal(t, DecisionAccept, decisionLabel(false, true))
	assert.Equal(t, DecisionFallback, decisionLabel(false, false))
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := NewWindow(3)
	w.Push(labeledSample(1, 2)) // positive
	w.Push(labeledSample(2, 0))
	w.Push(labeledSample(3, 2)) // positive
	assert.Equal(t, 2, w.Positives())

	w.Push(labeledSample(4, 0))
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 1, w.Positives())

	snap := w.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 2, snap[0].Step)
	assert.Equal(t, 4, snap[2].Step)

	snap[0].Step = 99
	assert.Equal(t, 2, w.Snapshot()[0].Step)
}

// #endregion

// #region loop-tests

// Verify is called exactly when the controller rejects.
func TestStep_VerifiesOnlyOnReject(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a", "b", "c", "d"}}
	verify := &scripted{name: "verify", outputs: []string{"x"}}
	var out bytes.Buffer
	cfg := quietConfig()
	cfg.Steps = 4
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: margins(2, 0, 2, 2), Out: &out,
	})

	var reasons []Reason
	current := "p"
	for step := 1; step <= 4; step++ {
		res, err := l.Step(context.Background(), current, step)
		require.NoError(t, err)
		reasons = append(reasons, res.Reason)
		current += res.Record.Chosen
	}

	assert.Equal(t, []Reason{ReasonNone, ReasonReject, ReasonNone, ReasonNone}, reasons)
	assert.Equal(t, []string{"pa"}, verify.calls)
	assert.Equal(t, "paxcd", current)
	assert.Equal(t, 1, l.Labeled())
	assert.Equal(t, 1, l.Timing().LargeCalls)
	assert.Equal(t, 4, l.Timing().Tokens)
	assert.Contains(t, out.String(), `01 accept-small score=2.000 draft="a" chosen="a" teacher=n`)
	assert.Contains(t, out.String(), `02 fallback-large score=0.000 draft="b" chosen="x" teacher=Y`)
}

func TestRunPrompt_IdenticalRunnersLabelEveryToken(t *testing.T) {
	tokens := []string{"The", " sky", " is", " blue"}
	draft := &scripted{name: "draft", outputs: tokens}
	verify := &scripted{name: "verify", outputs: tokens}
	logPath := filepath.Join(t.TempDir(), "live.jsonl")
	log, err := logging.OpenSampleLog(logPath, false)
	require.NoError(t, err)

	cfg := quietConfig()
	cfg.Steps = 4
	cfg.TeacherEvery = 1
	cfg.RunID = "run-1"
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: margins(2, 2, 2, 2), Log: log, Out: &bytes.Buffer{},
	})

	got, err := l.RunPrompt(context.Background(), "Q:")
	require.NoError(t, err)
	require.NoError(t, log.Close())
	assert.Equal(t, "Q:The sky is blue", got)

	recs, err := logging.ReadRecords(logPath)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, r := range recs {
		require.True(t, r.Labeled(), "record %d", i)
		assert.Equal(t, 1, *r.Label, "record %d", i)
		assert.True(t, r.Accept)
		assert.Equal(t, string(ReasonPeriodic), r.TeacherReason)
		assert.Equal(t, "run-1", r.RunID)
	}
	assert.Equal(t, 1.0, l.Accuracy().Total())
}

func TestRunPrompt_StopsOnEmptyOutput(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a", ""}}
	verify := &scripted{name: "verify"}
	cfg := quietConfig()
	cfg.Steps = 10
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: margins(2, 2, 2), Out: &bytes.Buffer{},
	})

	got, err := l.RunPrompt(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "pa", got)
	assert.Len(t, draft.calls, 2)
	assert.Empty(t, verify.calls)
}

func TestRunPrompt_MirrorAlwaysEmitsVerify(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a", "b"}}
	verify := &scripted{name: "verify", outputs: []string{"A", "B"}}
	cfg := quietConfig()
	cfg.Mirror = true
	cfg.Steps = 2
	var out bytes.Buffer
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: margins(2, 0), Out: &out,
	})

	got, err := l.RunPrompt(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "pAB", got)
	assert.Equal(t, 2, l.Labeled())
	assert.Contains(t, out.String(), "01 mirror")
	assert.Contains(t, out.String(), "02 mirror")
}

func TestRunPrompt_RunnerFailureNamesRunner(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a"}}
	verify := &scripted{name: "verify", err: errors.New("verify runner: write prompt: broken pipe")}
	l := New(quietConfig(), gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: margins(0), Out: &bytes.Buffer{},
	})

	_, err := l.RunPrompt(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
	assert.Contains(t, err.Error(), "verify runner")
}

func TestRun_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	draft := &scripted{name: "draft", outputs: []string{"a"}}
	l := New(quietConfig(), gate.Threshold{}, Deps{Draft: draft, Verify: &scripted{}, Out: &bytes.Buffer{}})

	err := l.Run(ctx, []string{"p"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, draft.calls)
}

func TestRun_CyclesPrompts(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a", "b", "c", "d"}}
	cfg := quietConfig()
	cfg.Steps = 1
	cfg.Cycles = 2
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: &scripted{}, Metrics: margins(2, 2, 2, 2), Out: &bytes.Buffer{},
	})

	require.NoError(t, l.Run(context.Background(), []string{"x", "y"}))
	assert.Equal(t, []string{"x", "y", "x", "y"}, draft.calls)
	assert.Error(t, l.Run(context.Background(), nil))
}

func TestStep_MissingMetricsScoreZero(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a"}}
	verify := &scripted{name: "verify", outputs: []string{"a"}}
	l := New(quietConfig(), gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: &queued{}, Out: &bytes.Buffer{},
	})

	res, err := l.Step(context.Background(), "p", 1)
	require.NoError(t, err)
	assert.Equal(t, signals.Metrics{}, res.Record.Metrics)
	assert.False(t, res.Record.Accept)
	assert.Equal(t, ReasonReject, res.Reason)
}

func TestStep_NonFiniteMetricsScoreZeroAndLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "live.jsonl")
	log, err := logging.OpenSampleLog(logPath, false)
	require.NoError(t, err)
	l := New(quietConfig(), gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: &scripted{name: "draft", outputs: []string{"a"}}, Verify: &scripted{name: "verify", outputs: []string{"a"}},
		Metrics: sideChannel("NR|7|12.5|-inf|inf"), Log: log, Out: &bytes.Buffer{},
	})

	res, err := l.Step(context.Background(), "p", 1)
	require.NoError(t, err)
	require.NoError(t, log.Close())
	assert.Equal(t, signals.Metrics{}, res.Record.Metrics)
	assert.Equal(t, ReasonReject, res.Reason)

	recs, err := logging.ReadRecords(logPath)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, *recs[0].Label)
}

func TestStep_NonFiniteMetricsDoNotBreakRetrain(t *testing.T) {
	cfg := quietConfig()
	cfg.Mirror = true
	cfg.RetrainEvery = 4
	cfg.MinSamples = 4
	cfg.Train = train.Config{Kind: gate.KindLogReg, Steps: 200, LR: 0.5}
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft:  &scripted{name: "draft", outputs: []string{"a", "a", "a", "a"}},
		Verify: &scripted{name: "verify", outputs: []string{"a", "b", "a", "b"}},
		Metrics: sideChannel(
			"NR|1|10|8|2",
			"NR|2|nan|1|2",
			"NR|3|10|10|0",
			"NR|4|inf|-inf|inf",
		),
		Out: &bytes.Buffer{},
	})

	current := "p"
	for step := 1; step <= 4; step++ {
		res, err := l.Step(context.Background(), current, step)
		require.NoError(t, err, "step %d", step)
		current += res.Record.Chosen
	}
	assert.Equal(t, gate.KindLogReg, gate.KindOf(l.Controller()))
}

func TestStep_ReportsEveryN(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a", "b"}}
	verify := &scripted{name: "verify", outputs: []string{"a", "c"}}
	cfg := quietConfig()
	cfg.Mirror = true
	cfg.ReportEvery = 2
	var out bytes.Buffer
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: margins(2, 2), Out: &out,
	})

	_, err := l.Step(context.Background(), "p", 1)
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "samples=")
	_, err = l.Step(context.Background(), "pa", 2)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "samples=2 tokens=2 large_calls=2")
}

// #endregion

// #region retrain-tests

func TestRetrain_SkipsSingleClass(t *testing.T) {
	var out bytes.Buffer
	before := gate.Threshold{MarginThreshold: 1}
	l := New(quietConfig(), before, Deps{Draft: &scripted{}, Verify: &scripted{}, Out: &out})
	for i := range 3 {
		l.Window().Push(labeledSample(i+1, 0))
	}

	swapped, err := l.Retrain()
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, gate.Controller(before), l.Controller())
	assert.Contains(t, out.String(), "retrain: skipped (need pos+neg, pos=0 neg=3)")
}

func TestRetrain_SwapsAndVersionsController(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer store.Close()

	cfg := quietConfig()
	cfg.WeightsPath = filepath.Join(dir, "weights.json")
	cfg.RunID = "run-9"
	cfg.Train.Kind = gate.KindLogReg
	var out bytes.Buffer
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: &scripted{}, Verify: &scripted{}, Store: store, Out: &out,
	})
	for i, m := range []float64{0, 0.2, 0.4, 0.6, 1.4, 1.6, 1.8, 2} {
		l.Window().Push(labeledSample(i+1, m))
	}

	swapped, err := l.Retrain()
	require.NoError(t, err)
	require.True(t, swapped)
	assert.Equal(t, gate.KindLogReg, gate.KindOf(l.Controller()))
	assert.Contains(t, out.String(), "retrain: est_speedup=")

	_, err = os.Stat(cfg.WeightsPath)
	require.NoError(t, err)

	cur, err := store.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, "run-9", cur.RunID)
	assert.Equal(t, 8, cur.Document.Samples)

	var n int
	require.NoError(t, store.DB().QueryRow(
		`SELECT COUNT(*) FROM retrain_log WHERE result = 'committed' AND version_id = ?`, cur.VersionID).Scan(&n))
	assert.Equal(t, 1, n)

	// A second retrain reports deltas against the first.
	_, err = l.Retrain()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(+0.000)")
}

func TestStep_RetrainFiresOnLabeledCount(t *testing.T) {
	draft := &scripted{name: "draft", outputs: []string{"a", "a", "a", "a"}}
	verify := &scripted{name: "verify", outputs: []string{"a", "b", "a", "b"}}
	cfg := quietConfig()
	cfg.Mirror = true
	cfg.RetrainEvery = 4
	cfg.MinSamples = 4
	cfg.Train = train.Config{Kind: gate.KindLogReg, Steps: 200, LR: 0.5}
	var out bytes.Buffer
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: draft, Verify: verify, Metrics: margins(2, 0, 2, 0), Out: &out,
	})

	current := "p"
	for step := 1; step <= 4; step++ {
		res, err := l.Step(context.Background(), current, step)
		require.NoError(t, err)
		current += res.Record.Chosen
		if step < 4 {
			assert.Equal(t, gate.KindThreshold, gate.KindOf(l.Controller()))
		}
	}
	assert.Equal(t, gate.KindLogReg, gate.KindOf(l.Controller()))
	assert.Equal(t, 1, strings.Count(out.String(), "retrain:"))
}

// A window of rejected tokens where the wide-margin ones always match the
// verifier trains a controller that starts accepting those tokens.
func TestStep_RetrainedControllerAcceptsConfidentTokens(t *testing.T) {
	var drafts, verifies []string
	var ms []float64
	for range 6 {
		drafts = append(drafts, "a", "z")
		ms = append(ms, 3, 0)
	}
	for range 12 {
		verifies = append(verifies, "a")
	}
	cfg := quietConfig()
	cfg.RetrainEvery = 8
	cfg.MinSamples = 8
	cfg.Train = train.Config{Kind: gate.KindLogReg, Steps: 300, LR: 0.5}
	verify := &scripted{name: "verify", outputs: verifies}
	l := New(cfg, gate.Threshold{MarginThreshold: 100}, Deps{
		Draft: &scripted{name: "draft", outputs: drafts}, Verify: verify,
		Metrics: margins(ms...), Out: &bytes.Buffer{},
	})

	current := "p"
	var accepts []bool
	for step := 1; step <= 12; step++ {
		res, err := l.Step(context.Background(), current, step)
		require.NoError(t, err)
		accepts = append(accepts, res.Record.Accept)
		current += res.Record.Chosen
	}

	require.Equal(t, gate.KindLogReg, gate.KindOf(l.Controller()))
	for i := 0; i < 8; i++ {
		assert.False(t, accepts[i], "step %d before retrain", i+1)
	}
	assert.Equal(t, []bool{true, false, true, false}, accepts[8:])
	// Accepted tokens skip the verifier.
	assert.Len(t, verify.calls, 10)
}

func TestRunPrompt_HotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.json")
	doc := gate.Document{
		Type:    gate.TypeLogRegV1,
		Weights: []float64{1, 0, 0, 0},
		Bias:    gate.Float(-1),
	}
	require.NoError(t, doc.Save(path))

	reload := make(chan struct{}, 1)
	reload <- struct{}{}
	cfg := quietConfig()
	cfg.Steps = 1
	cfg.WeightsPath = path
	l := New(cfg, gate.Threshold{MarginThreshold: 1}, Deps{
		Draft: &scripted{name: "draft", outputs: []string{"a"}}, Verify: &scripted{},
		Metrics: margins(3), Out: &bytes.Buffer{}, Reload: reload,
	})

	_, err := l.RunPrompt(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, gate.KindLogReg, gate.KindOf(l.Controller()))

	close(reload)
	_, err = l.RunPrompt(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, gate.KindLogReg, gate.KindOf(l.Controller()))
}

// #endregion
