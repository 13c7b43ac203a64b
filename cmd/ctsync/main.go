package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ctsync/internal/app"
	"ctsync/internal/config"
	"ctsync/internal/ctsync"
	"ctsync/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation names the command being run (e.g. "Sync", "ResolveConflicts").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var opts []app.Option
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts = append(opts, app.WithLogLevel(slog.LevelDebug))
	}
	a, err := app.NewApp(cmd.Context(), cfg, operation, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// stdin is shared so consecutive prompts read consecutive lines.
var stdin *bufio.Reader

// readPassphrase prompts on the terminal without echo, or reads one line
// from stdin when it is not a terminal.
func readPassphrase(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		if len(b) == 0 {
			return "", fmt.Errorf("passphrase cannot be empty")
		}
		return string(b), nil
	}

	if stdin == nil {
		stdin = bufio.NewReader(cmd.InOrStdin())
	}
	line, err := stdin.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return line, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}

var rootCmd = &cobra.Command{
	Use:           "ctsync",
	Short:         "Content-type sync and conflict resolution",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Source Dir: %s\n", cfg.Source.Dir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		provider := cfg.Provider.Type
		if provider == "" {
			provider = "none (offline)"
		}
		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Source:     %s %s\n", cfg.Source.Type, cfg.Source.Dir)
		fmt.Printf("Provider:   %s\n", provider)
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:      %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage snapshot encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the snapshot encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "InitKeys")
		if err != nil {
			return err
		}
		defer a.Close()

		pw, err := readPassphrase(cmd, "Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase(cmd, "Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if err := a.InitKeys(pw); err != nil {
			return err
		}
		fmt.Println("Encryption keys generated.")
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local content types to the remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		website, _ := cmd.Flags().GetString("website")
		autoResolve, _ := cmd.Flags().GetBool("auto-resolve")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp(cmd, "Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Sync(cmd.Context(), app.SyncOptions{WebsiteID: website, DryRun: dryRun, AutoResolve: autoResolve})
		if res != nil {
			if asJSON {
				if jerr := printJSON(cmd, res); jerr != nil {
					return jerr
				}
			} else {
				printSyncResult(res)
			}
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("sync finished with %d error(s)", res.Statistics.Errors)
		}
		return nil
	},
}

func printSyncResult(res *ctsync.SyncResult) {
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, r := range res.Results {
		line := fmt.Sprintf("%-10s %-9s %s", r.Status, r.Action, r.TypeKey)
		if r.ConflictID != "" {
			line += "  conflict:" + r.ConflictID
		}
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
	s := res.Statistics
	mode := ""
	if res.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("\n%d extracted, %d created, %d updated, %d deleted, %d pulled, %d skipped, %d conflicts, %d errors%s\n",
		s.Extracted, s.Created, s.Updated, s.Deleted, s.Pulled, s.Skipped, s.Conflicts, s.Errors, mode)
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View the sync state of every content type",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		states, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("No content types tracked.")
			return nil
		}
		for _, st := range states {
			flight := ""
			if st.InFlight {
				flight = fmt.Sprintf("  [in flight: %s]", st.PendingOperation)
			}
			fmt.Printf("%-9s %-24s local:%s remote:%s synced:%s%s\n",
				st.SyncStatus, st.TypeKey, shortHash(st.LocalHash), shortHash(st.RemoteHash), shortHash(st.LastSyncedHash), flight)
		}
		return nil
	},
}

// conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review and resolve conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "View the conflict review queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		typeKey, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetString("priority")
		conflictType, _ := cmd.Flags().GetString("conflict-type")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "ListConflicts")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Conflicts(cmd.Context(), model.ConflictFilter{
			Status:       model.ConflictStatus(status),
			TypeKey:      typeKey,
			Priority:     model.Priority(priority),
			ConflictType: model.ConflictType(conflictType),
			Limit:        limit,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}
		for _, e := range entries {
			fields := make([]string, 0, len(e.ConflictingFields))
			for _, f := range e.ConflictingFields {
				fields = append(fields, f.Field)
			}
			fmt.Printf("%s  %-8s %-10s %-20s %s  %s\n",
				e.ID, e.Priority, e.ConflictType, e.TypeKey, e.FlaggedAt.Format("2006-01-02 15:04:05"), strings.Join(fields, ","))
		}
		return nil
	},
}

var conflictsDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Compare local and remote versions and flag divergences",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DetectConflicts")
		if err != nil {
			return err
		}
		defer a.Close()

		found, err := a.DetectConflicts(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range found {
			fmt.Printf("%-20s %s  %s\n", c.TypeKey, c.Type, c.Reason)
		}
		fmt.Printf("%d conflict(s) detected\n", len(found))
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve ID...",
	Short: "Resolve conflicts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		manual, _ := cmd.Flags().GetString("manual-file")
		website, _ := cmd.Flags().GetString("website")

		a, err := newApp(cmd, "ResolveConflicts")
		if err != nil {
			return err
		}
		defer a.Close()

		outcomes, err := a.ResolveConflicts(cmd.Context(), args, app.ResolveOptions{
			Strategy:   strategy,
			ManualFile: manual,
			WebsiteID:  website,
		})
		failed := 0
		for _, o := range outcomes {
			switch {
			case o.Success:
				fmt.Printf("resolved  %s  %s via %s\n", o.ConflictID, o.TypeKey, o.Strategy)
			case o.RequiresManual:
				failed++
				fmt.Printf("manual    %s  %s needs --strategy manual_merge --manual-file\n", o.ConflictID, o.TypeKey)
			default:
				failed++
				fmt.Printf("failed    %s  %s\n", o.ConflictID, o.Error)
			}
		}
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d conflict(s) not resolved", failed)
		}
		return nil
	},
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete resolved conflicts older than a number of days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("older-than-days")

		a, err := newApp(cmd, "ClearResolvedConflicts")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.ClearResolvedConflicts(cmd.Context(), days)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d resolved conflict(s)\n", n)
		return nil
	},
}

var conflictsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "View conflict statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ConflictStats")
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.ConflictStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

var conflictsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "View recent conflict resolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "ResolutionHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ResolutionHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No resolutions recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-20s %-12s %s by %s\n",
				e.ResolvedAt.Format("2006-01-02 15:04:05"), e.TypeKey, e.Resolution, e.ConflictID, e.ResolvedBy)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "GetHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Runs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}
		for _, r := range runs {
			duration := ""
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-18s  %s  %-10s  %s\n",
				r.ID, r.Operation, r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, duration)
		}
		return nil
	},
}

var historyRecordsCmd = &cobra.Command{
	Use:   "records",
	Short: "View per-content-type sync records",
	RunE: func(cmd *cobra.Command, args []string) error {
		typeKey, _ := cmd.Flags().GetString("type")
		status, _ := cmd.Flags().GetString("status")
		runID, _ := cmd.Flags().GetInt64("run")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "GetSyncRecords")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.History(cmd.Context(), model.SyncRecordFilter{
			TypeKey: typeKey,
			Status:  model.RecordStatus(status),
			RunID:   runID,
			Limit:   limit,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No sync records.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %-20s %-6s %-11s %d attempt(s)  %s  %s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.TypeKey, r.Operation, r.Status, r.Attempts, shortHash(r.VersionHash), r.Error)
		}
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "View sync record statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "SyncStats")
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.SyncStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

// versions command
var versionsCmd = &cobra.Command{
	Use:   "versions TYPE_KEY",
	Short: "View the version history of a content type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "GetVersions")
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.Versions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No versions recorded.")
			return nil
		}
		for _, v := range versions {
			deleted := ""
			if v.Deleted {
				deleted = "  [deleted]"
			}
			fmt.Printf("%s  %-6s %s  parent:%s  %s%s\n",
				v.CreatedAt.Format("2006-01-02 15:04:05"), v.Origin, shortHash(v.Hash), shortHash(v.ParentHash), v.Actor, deleted)
		}
		return nil
	},
}

// resume command
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Complete or roll back syncs interrupted by a crash",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Resume")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Resume(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("resumed: %s\n", strings.Join(report.Resumed, ", "))
		fmt.Printf("rolled back: %s\n", strings.Join(report.RolledBack, ", "))
		fmt.Printf("finalized records: %d\n", len(report.Finalized))
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect archived snapshots",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show CHECKSUM",
	Short: "Print an archived snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ReadSnapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		_, data, err := a.ReadSnapshot(cmd.Context(), args[0], func() (string, error) {
			return readPassphrase(cmd, "Passphrase: ")
		})
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	syncCmd.Flags().Bool("dry-run", false, "Plan without changing the remote")
	syncCmd.Flags().String("website", "", "Website id (defaults to source.website_id)")
	syncCmd.Flags().Bool("auto-resolve", false, "Auto-merge conflicts whose edits do not overlap")
	syncCmd.Flags().Bool("json", false, "Print the result as JSON")

	conflictsListCmd.Flags().String("status", string(model.ConflictPending), "Filter by status (pending_review, resolved)")
	conflictsListCmd.Flags().String("type", "", "Filter by content type key")
	conflictsListCmd.Flags().String("priority", "", "Filter by priority")
	conflictsListCmd.Flags().String("conflict-type", "", "Filter by conflict type (structural, field, delete)")
	conflictsListCmd.Flags().IntP("limit", "n", 0, "Maximum number of conflicts to show")
	conflictsResolveCmd.Flags().String("strategy", "", "use_local, use_remote, auto_merge or manual_merge (default: best per conflict)")
	conflictsResolveCmd.Flags().String("manual-file", "", "Merged definition for manual_merge")
	conflictsResolveCmd.Flags().String("website", "", "Website id (defaults to source.website_id)")
	conflictsClearCmd.Flags().Int("older-than-days", 30, "Age threshold in days")
	conflictsHistoryCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsDetectCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsClearCmd)
	conflictsCmd.AddCommand(conflictsStatsCmd)
	conflictsCmd.AddCommand(conflictsHistoryCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	historyRecordsCmd.Flags().String("type", "", "Filter by content type key")
	historyRecordsCmd.Flags().String("status", "", "Filter by status (IN_PROGRESS, SUCCESS, FAILED, PARTIAL)")
	historyRecordsCmd.Flags().Int64("run", 0, "Filter by run id")
	historyRecordsCmd.Flags().IntP("limit", "n", 50, "Maximum number of records to show")
	historyCmd.AddCommand(historyRecordsCmd)
	historyCmd.AddCommand(historyStatsCmd)

	snapshotCmd.AddCommand(snapshotShowCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(snapshotCmd)
}
