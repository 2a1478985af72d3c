package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/neuroutine/internal/config"
	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/replay"
)

// #region replay-cmd

func (a *app) replayCmd() *cobra.Command {
	var (
		jsonOut, flips  bool
		fixture, export string
		last            int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-decide a recorded loop log with a controller, without runners",
		Long: `replay re-scores every token of a loop log with the controller in the
weights file and reports where its decisions differ from the recorded ones.

With --export the replayed log is pinned as a regression fixture. With
--fixture a saved fixture is replayed instead and the command fails when any
token's action diverges from the pinned one.`,
		Args: cobra.NoArgs,
	}
	flags := config.NewFlags(cmd.Flags()).Gate().Replay()
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	cmd.Flags().BoolVar(&flips, "flips", false, "list every token whose decision flips")
	cmd.Flags().StringVar(&fixture, "fixture", "", "replay a saved fixture instead of the log")
	cmd.Flags().StringVar(&export, "export", "", "write the replayed log as a fixture")
	cmd.Flags().IntVar(&last, "last", 0, "only use the N most recent records (0 uses all)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		s, err := a.prepare(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer s.Close()

		if fixture != "" {
			return s.checkFixture(fixture)
		}

		recs, err := logging.ReadRecords(s.cfg.Path(s.cfg.Paths.Log))
		if err != nil {
			return err
		}
		if last > 0 && len(recs) > last {
			recs = recs[len(recs)-last:]
		}
		weightsPath := s.cfg.Path(s.cfg.Paths.Weights)
		c := gate.Load(weightsPath, s.cfg.GateOptions())

		if export != "" {
			weights, err := os.ReadFile(weightsPath)
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("read weights: %w", err)
			}
			f := replay.NewFixture(
				fmt.Sprintf("Exported %d records from %s replayed with %s", len(recs), s.cfg.Paths.Log, gate.Describe(c)),
				recs, weights, s.cfg.GateOptions())
			if err := f.Save(export); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Wrote %s (%d records)\n", export, len(recs))
			return nil
		}

		results := replay.Replay(recs, c)
		sum := replay.Summarize(results, recs, c)
		if jsonOut {
			enc := json.NewEncoder(s.out)
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		}
		if flips {
			for _, r := range results {
				if r.Action == replay.ActionAgree {
					continue
				}
				fmt.Fprintf(s.out, "step=%d draft=%q score=%.3f %s\n", r.Step, r.Draft, r.Score, r.Action)
			}
		}
		printReplaySummary(s, c, sum)
		return nil
	}
	return cmd
}

// #endregion replay-cmd

// #region output

func printReplaySummary(s *session, c gate.Controller, sum replay.Summary) {
	fmt.Fprintf(s.out, "controller=%s\n", gate.Describe(c))
	fmt.Fprintf(s.out, "records=%d agree=%d flip_accept=%d flip_reject=%d\n",
		sum.Total, sum.Agreements, sum.FlipAccepts, sum.FlipRejects)
	fmt.Fprintf(s.out, "wrong_accepts=%d verify_calls_saved=%d\n", sum.WrongAccepts, sum.VerifyCallsSaved)
	if sum.Gate.Samples > 0 {
		fmt.Fprintf(s.out, "verified: samples=%d %s\n", sum.Gate.Samples, sum.Gate.Format(nil))
	}
}

// checkFixture prints an expected-versus-replayed table and fails on any
// divergence.
func (s *session) checkFixture(path string) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	results, diffs := f.Check()
	diverged := make(map[int]bool, len(diffs))
	for _, d := range diffs {
		diverged[d.Index] = true
	}

	tw := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tEXPECTED\tREPLAYED\tSCORE\tMATCH")
	total := min(len(results), len(f.Expected))
	for i := 0; i < total; i++ {
		match := "OK"
		if diverged[i] {
			match = "DIFF"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%s\n", results[i].Step, f.Expected[i].Action, results[i].Action, results[i].Score, match)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "\nSummary: %d total, %d match, %d diverge\n", total, total-len(diffs), len(diffs))
	if len(diffs) > 0 {
		return fmt.Errorf("fixture %s: %d token(s) diverge", path, len(diffs))
	}
	return nil
}

// #endregion output
