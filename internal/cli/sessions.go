package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/harun/threadline/pkg/janitor"
)

var (
	sweepKeep   []string
	sweepDryRun bool

	historyLimit int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored persistent sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset <agent>",
	Short: "Delete an agent's persistent session so its next turn starts fresh",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsReset,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete stored sessions of agents not in the keep list",
	Long: `Delete every stored persistent session whose agent is not kept, both on the
backend and in the store. The keep list defaults to janitor.keep.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var historyCmd = &cobra.Command{
	Use:   "history <agent>",
	Short: "Show recent recorded turns of an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	sweepCmd.Flags().StringSliceVar(&sweepKeep, "keep", nil, "agent names whose sessions are kept (overrides janitor.keep)")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "print what would be deleted")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "number of turns to show")

	sessionsCmd.AddCommand(sessionsResetCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(historyCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	mappings, err := a.store.List(cmdContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	printMappings(cmd.OutOrStdout(), mappings)
	return nil
}

func runSessionsReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reset, err := a.orchestrator.Reset(cmdContext(cmd), args[0])
	if err != nil {
		return err
	}
	if !reset {
		fmt.Fprintf(cmd.OutOrStdout(), "%s has no stored session.\n", args[0])
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("Session of %s reset.", args[0])))
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	keep := cfg.Janitor.Keep
	if cmd.Flags().Changed("keep") {
		keep = sweepKeep
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()

	if sweepDryRun {
		mappings, err := a.store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		kept := make(map[string]bool, len(keep))
		for _, k := range keep {
			kept[k] = true
		}
		doomed := make(map[string]string)
		for name, id := range mappings {
			if !kept[name] {
				doomed[name] = id
			}
		}
		fmt.Fprintln(out, yellow("Would delete:"))
		printMappings(out, doomed)
		return nil
	}

	report, err := janitor.Sweep(ctx, a.store, a.orchestrator.Client, keep, a.logger)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	sort.Strings(report.Deleted)
	sort.Strings(report.Kept)
	for _, name := range report.Deleted {
		fmt.Fprintf(out, "%s %s\n", green("deleted"), name)
	}
	for _, name := range report.Kept {
		fmt.Fprintf(out, "%s %s\n", gray("kept"), name)
	}
	failed := make([]string, 0, len(report.Failed))
	for name := range report.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(out, "%s %s: %v\n", red("failed"), name, report.Failed[name])
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d sessions could not be deleted", len(failed))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Transcripts.Enabled {
		return fmt.Errorf("transcripts are disabled (set transcripts.enabled)")
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.transcripts.Recent(cmdContext(cmd), args[0], historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read transcripts: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintf(out, "No recorded turns for %s.\n", args[0])
		return nil
	}
	for _, rec := range records {
		mode := "ephemeral"
		if rec.Persistent {
			mode = "persistent"
		}
		fmt.Fprintf(out, "%s %s %s\n", gray(rec.FinishedAt.Format("2006-01-02 15:04:05")), bold(rec.SessionID), gray(mode))
		fmt.Fprintf(out, "  > %s\n", rec.Input)
		fmt.Fprintf(out, "  < %s\n", rec.Output)
	}
	return nil
}
