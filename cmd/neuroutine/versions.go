package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/neuroutine/internal/config"
	"github.com/danielpatrickdp/neuroutine/internal/state"
)

// #region inspect

type versionRow struct {
	VersionID string  `json:"version_id"`
	ParentID  string  `json:"parent_id,omitempty"`
	RunID     string  `json:"run_id,omitempty"`
	Kind      string  `json:"kind"`
	Samples   int     `json:"samples"`
	Pos       int     `json:"pos"`
	Neg       int     `json:"neg"`
	TrainAcc  float64 `json:"train_acc"`
	Active    bool    `json:"active"`
	CreatedAt string  `json:"created_at"`
}

func (a *app) inspectCmd() *cobra.Command {
	var last int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List committed controller versions",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&last, "last", 20, "show the N most recent versions")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		s, err := a.prepare(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer s.Close()
		store, err := s.requireStore()
		if err != nil {
			return err
		}

		versions, err := store.ListVersions(last)
		if err != nil {
			return err
		}
		active := ""
		if cur, err := store.GetCurrent(); err == nil {
			active = cur.VersionID
		} else if !errors.Is(err, state.ErrNoActive) {
			return err
		}

		rows := make([]versionRow, len(versions))
		for i, v := range versions {
			rows[i] = versionRow{
				VersionID: v.VersionID,
				ParentID:  v.ParentID,
				RunID:     v.RunID,
				Kind:      string(v.Kind),
				Samples:   v.Document.Samples,
				Pos:       v.Document.Pos,
				Neg:       v.Document.Neg,
				TrainAcc:  v.Document.TrainAcc,
				Active:    v.VersionID == active,
				CreatedAt: v.CreatedAt.Format("2006-01-02T15:04:05Z"),
			}
		}

		if jsonOut {
			enc := json.NewEncoder(s.out)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(s.out, "no versions found")
			return nil
		}
		tw := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\tVERSION\tKIND\tSAMPLES\tPOS\tNEG\tTRAIN_ACC\tCREATED")
		for _, r := range rows {
			mark := ""
			if r.Active {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%.3f\t%s\n",
				mark, r.VersionID, r.Kind, r.Samples, r.Pos, r.Neg, r.TrainAcc, r.CreatedAt)
		}
		return tw.Flush()
	}
	return cmd
}

// #endregion inspect

// #region rollback

func (a *app) rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <version-id>",
		Short: "Make an earlier controller version active and write it to the live weights file",
		Long: `rollback moves the active pointer to the given version and rewrites the
live weights file from it. A running loop watching that file picks the
restored controller up on its next step.`,
		Args: cobra.ExactArgs(1),
	}
	flags := config.NewFlags(cmd.Flags()).Weights()

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		s, err := a.prepare(cmd.Context(), flags)
		if err != nil {
			return err
		}
		defer s.Close()
		store, err := s.requireStore()
		if err != nil {
			return err
		}

		if err := store.Rollback(args[0]); err != nil {
			return err
		}
		rec, err := store.GetCurrent()
		if err != nil {
			return err
		}
		weights := s.cfg.Path(s.cfg.Paths.Weights)
		if err := rec.Document.Save(weights); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "active=%s kind=%s wrote %s\n", rec.VersionID, rec.Kind, weights)
		return nil
	}
	return cmd
}

// #endregion rollback

// requireStore opens the version store or fails when none is configured.
func (s *session) requireStore() (*state.Store, error) {
	store, err := s.openStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("no version store configured (set --db)")
	}
	return store, nil
}
