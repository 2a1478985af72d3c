package replay

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// helper: a recorded token with the given margin and recorded decision.
func record(step int, margin float64, accept bool, draft string, verify *string) logging.Record {
	s := logging.NewSample("prompt", step, draft, signals.Metrics{Margin: margin}, "", false)
	if verify != nil {
		s = logging.NewSample("prompt", step, draft, signals.Metrics{Margin: margin}, *verify, true)
	}
	return logging.Record{Sample: s, Accept: accept, Score: margin}
}

func str(s string) *string { return &s }

// #region replay-tests
func TestReplay_AllAgree(t *testing.T) {
	c := gate.Threshold{MarginThreshold: 1}
	records := []logging.Record{
		record(1, 2, true, "a", nil),
		record(2, 0, false, "b", str("c")),
	}
	results := Replay(records, c)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Action != ActionAgree {
			t.Errorf("step %d: expected agree, got %s", r.Step, r.Action)
		}
	}
	if results[1].Verified != true || results[1].Match {
		t.Errorf("unexpected verification flags %+v", results[1])
	}
}

func TestReplay_Flips(t *testing.T) {
	c := gate.Threshold{MarginThreshold: 1}
	records := []logging.Record{
		record(1, 0.5, true, "a", nil),
		record(2, 1.5, false, "b", str("b")),
	}
	results := Replay(records, c)
	if results[0].Action != ActionFlipReject {
		t.Errorf("expected flip_reject, got %s", results[0].Action)
	}
	if results[1].Action != ActionFlipAccept {
		t.Errorf("expected flip_accept, got %s", results[1].Action)
	}
	if results[1].Score != 1.5 {
		t.Errorf("expected score 1.5, got %f", results[1].Score)
	}
}

func TestReplay_Empty(t *testing.T) {
	results := Replay(nil, gate.Threshold{})
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	s := Summarize(results, nil, gate.Threshold{})
	if s.Total != 0 || s.Gate.Samples != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
}

// #endregion replay-tests

// #region fixture-tests

// TestFixture_LiveSession replays a recorded session with a stricter
// controller and checks every token's action plus the aggregate summary.
func TestFixture_LiveSession(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "live_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	c := f.Controller()
	if gate.KindOf(c) != gate.KindLogReg {
		t.Fatalf("expected logreg controller, got %s", gate.Describe(c))
	}

	results := Replay(f.Records, c)
	if len(results) != len(f.Expected) {
		t.Fatalf("expected %d results, got %d", len(f.Expected), len(results))
	}
	for i, expected := range f.Expected {
		actual := results[i]
		if actual.Step != expected.Step {
			t.Errorf("token %d: expected step=%d, got %d", i, expected.Step, actual.Step)
		}
		if actual.Action != expected.Action {
			t.Errorf("token %d (step %d): expected action=%s, got %s (score %.3f)",
				i, expected.Step, expected.Action, actual.Action, actual.Score)
		}
	}

	s := Summarize(results, f.Records, c)
	if s.Total != 5 || s.Agreements != 3 || s.FlipAccepts != 1 || s.FlipRejects != 1 {
		t.Errorf("unexpected counts %+v", s)
	}
	if s.WrongAccepts != 1 {
		t.Errorf("expected 1 wrong accept, got %d", s.WrongAccepts)
	}
	if s.VerifyCallsSaved != 1 {
		t.Errorf("expected 1 verify call saved, got %d", s.VerifyCallsSaved)
	}
	if s.Gate.Samples != 4 {
		t.Errorf("gate stats should cover the 4 verified tokens, got %d", s.Gate.Samples)
	}
	if math.Abs(s.Gate.DecisionAccuracy-0.5) > 1e-9 {
		t.Errorf("expected decision accuracy 0.5, got %f", s.Gate.DecisionAccuracy)
	}
	if math.Abs(s.Gate.OutputMatchRate-0.75) > 1e-9 {
		t.Errorf("expected output match 0.75, got %f", s.Gate.OutputMatchRate)
	}
}

func TestFixture_ThresholdWhenNoWeights(t *testing.T) {
	f := &Fixture{Options: FixtureOptions{AcceptProb: 0.5, MarginThreshold: 2}}
	c := f.Controller()
	if c != (gate.Threshold{MarginThreshold: 2}) {
		t.Fatalf("expected threshold controller, got %s", gate.Describe(c))
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	if _, err := LoadFixture(filepath.Join("testdata", "nope.json")); err == nil {
		t.Fatal("expected error for missing fixture")
	}
}

func TestFixture_CheckAgreesWithExpected(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "live_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	results, diffs := f.Check()
	if len(results) != 5 || len(diffs) != 0 {
		t.Fatalf("expected 5 results and no diffs, got %d results and %+v", len(results), diffs)
	}

	f.Expected[0].Action = ActionFlipReject
	_, diffs = f.Check()
	if len(diffs) != 1 || diffs[0].Index != 0 || diffs[0].Expected != ActionFlipReject {
		t.Fatalf("expected one diff at token 0, got %+v", diffs)
	}
}

func TestNewFixture_RoundTrip(t *testing.T) {
	src, err := LoadFixture(filepath.Join("testdata", "live_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	f := NewFixture("exported", src.Records, src.Weights, src.Options.ToOptions())
	if len(f.Expected) != len(src.Expected) {
		t.Fatalf("expected %d pinned actions, got %d", len(src.Expected), len(f.Expected))
	}
	for i := range f.Expected {
		if f.Expected[i] != src.Expected[i] {
			t.Errorf("token %d: pinned %+v, want %+v", i, f.Expected[i], src.Expected[i])
		}
	}

	path := filepath.Join(t.TempDir(), "out", "fixture.json")
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if _, diffs := back.Check(); len(diffs) != 0 {
		t.Fatalf("saved fixture diverges: %+v", diffs)
	}
}

// #endregion fixture-tests
