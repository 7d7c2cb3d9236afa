package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/metalagman/appforge/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage appforge runs",
	}
	cmd.AddCommand(runsServeCmd())
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsPruneCmd())
	cmd.AddCommand(runsPurgeCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List recent runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func printRuns(w io.Writer, runs []db.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "CREATED", "STATUS", "STEPS", "REQUEST")
	for _, r := range runs {
		t.Row(r.RunID, r.CreatedAt.Local().Format(time.DateTime), r.Status, strconv.Itoa(r.Steps), shorten(r.Request, 48))
	}
	fmt.Fprintln(w, t.Render())
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "show <run-id>",
		Short:        "Show the stage history of a run",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			stages, err := store.Stages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "run %s: %s\n%s\n", run.RunID, run.Status, run.Request)
			for _, c := range run.Caveats {
				fmt.Fprintf(w, "  caveat: %s\n", c)
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("#", "STAGE", "OUTCOME", "NEXT", "ATTEMPT", "CRITICAL", "TIME")
			for _, s := range stages {
				t.Row(strconv.Itoa(s.StepIndex), s.Stage, s.Outcome, s.Next,
					strconv.Itoa(s.Attempt), strconv.Itoa(s.Critical), s.Duration.Round(time.Millisecond).String())
			}
			fmt.Fprintln(w, t.Render())
			return nil
		},
	}
}

func runsPruneCmd() *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:          "prune",
		Short:        "Prune old runs from disk and database",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			policy := db.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				policy = db.RetentionPolicy{
					KeepLast: cfg.Retention.KeepLast,
					KeepDays: cfg.Retention.KeepDays,
				}
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days (or configure retention in %s)", defaultConfigPath)
			}

			lock, err := db.TryLock(cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			res, err := store.PruneRuns(cmd.Context(), afero.NewOsFs(), policy, dryRun)
			if err != nil {
				return err
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			log.Info().Msgf("%s %d runs (kept %d, skipped %d)", mode, res.Deleted, res.Kept, res.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}

func runsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "purge",
		Short:        "Delete every run record, keeping generated output",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			lock, err := db.TryLock(cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			if err := store.Purge(cmd.Context()); err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run history cleared")
			return nil
		},
	}
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
