package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture: a recorded
// session, the controller to replay it with, and the expected action per token.
type Fixture struct {
	Description string            `json:"description"`
	Options     FixtureOptions    `json:"options"`
	Weights     json.RawMessage   `json:"weights,omitempty"`
	Records     []logging.Record  `json:"records"`
	Expected    []FixtureExpected `json:"expected"`
}

// FixtureOptions mirrors gate.Options with JSON tags.
type FixtureOptions struct {
	AcceptProb      float64 `json:"accept_prob"`
	MarginThreshold float64 `json:"margin_threshold"`
}

// FixtureExpected captures the expected action per token.
type FixtureExpected struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToOptions converts FixtureOptions to gate.Options.
func (o FixtureOptions) ToOptions() gate.Options {
	return gate.Options{AcceptProb: o.AcceptProb, MarginThreshold: o.MarginThreshold}
}

// Controller decodes the embedded weights, or returns the threshold
// controller when the fixture carries none.
func (f *Fixture) Controller() gate.Controller {
	opts := f.Options.ToOptions()
	if len(f.Weights) == 0 {
		return gate.Threshold{MarginThreshold: opts.MarginThreshold}
	}
	return gate.Decode(f.Weights, opts)
}

// #endregion fixture-loader

// #region fixture-check

// Diff is one token whose replayed action differs from the fixture.
type Diff struct {
	Index    int
	Step     int
	Expected string
	Actual   string
	Score    float64
}

// Check replays the fixture with its own controller and returns the results
// and every divergence from Expected. Tokens beyond either list are ignored.
func (f *Fixture) Check() ([]Result, []Diff) {
	results := Replay(f.Records, f.Controller())
	var diffs []Diff
	for i := 0; i < len(results) && i < len(f.Expected); i++ {
		if results[i].Action != f.Expected[i].Action {
			diffs = append(diffs, Diff{
				Index:    i,
				Step:     results[i].Step,
				Expected: f.Expected[i].Action,
				Actual:   results[i].Action,
				Score:    results[i].Score,
			})
		}
	}
	return results, diffs
}

// #endregion fixture-check

// #region fixture-export

// NewFixture pins the current behaviour of weights on records: the expected
// actions are whatever replaying them produces now. Empty weights replay with
// the margin threshold.
func NewFixture(description string, records []logging.Record, weights []byte, opts gate.Options) *Fixture {
	f := &Fixture{
		Description: description,
		Options:     FixtureOptions{AcceptProb: opts.AcceptProb, MarginThreshold: opts.MarginThreshold},
		Records:     records,
	}
	if len(weights) > 0 {
		f.Weights = json.RawMessage(weights)
	}
	for _, r := range Replay(records, f.Controller()) {
		f.Expected = append(f.Expected, FixtureExpected{Step: r.Step, Action: r.Action})
	}
	return f
}

// Save writes the fixture as indented JSON, creating parent directories.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create fixture dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	return nil
}

// #endregion fixture-export
