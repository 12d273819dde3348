package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"labsnap/internal/app"
	"labsnap/internal/config"
	"labsnap/internal/snap"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitError carries a verdict exit status for a command whose report was
// already written.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// exitCode maps a command error onto the process exit status:
// 2 for verdicts and taxonomy rejections, 1 for anything else.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if code := snap.Code(err); code != "" && code != "error" {
		return 2
	}
	return 1
}

var (
	flagDB         string
	flagExportsDir string
	flagVault      string
	flagJSONOnly   bool
)

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, *app.Defaults, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.Load(defaults.ConfigPath, defaults.BaseDir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults, nil
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// operation identifies the CLI command being run (one of the app.Op constants).
// --db and --exports-dir win over DB_PATH and EXPORTS_DIR, which win over the config file.
func newApp(operation string) (*app.App, error) {
	cfg, defaults, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, operation, defaults.Apply(app.Overrides{
		DBPath:     flagDB,
		ExportsDir: flagExportsDir,
		Vault:      flagVault,
	}))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

type summarizer interface {
	Summary() string
}

// emit writes the result as one JSON line on stdout, followed by its human
// summary unless --json-only is set.
func emit(cmd *cobra.Command, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, string(line))
	if s, ok := v.(summarizer); ok && !flagJSONOnly {
		fmt.Fprint(out, s.Summary())
	}
	return nil
}

// failureResult is emitted for a command that failed without a report of its own.
type failureResult struct {
	Schema  string `json:"schema"`
	OK      bool   `json:"ok"`
	RC      int    `json:"rc"`
	Command string `json:"command"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// fail emits a failure result for what and returns err.
func fail(cmd *cobra.Command, what string, err error) error {
	err = fmt.Errorf("%s: %w", what, err)
	res := &failureResult{
		Schema:  "labsnap_error",
		RC:      exitCode(err),
		Command: what,
		Error:   snap.Code(err),
		Message: err.Error(),
	}
	if emitErr := emit(cmd, res); emitErr != nil {
		return emitErr
	}
	return err
}

// report emits res, or a failure result when there is none, then returns the
// operation error, or a verdict error when the report is unhealthy.
func report[T any](cmd *cobra.Command, res *T, ok bool, err error, what string) error {
	if res == nil {
		if err != nil {
			return fail(cmd, what, err)
		}
		return fmt.Errorf("%s: no result", what)
	}
	if emitErr := emit(cmd, res); emitErr != nil {
		return emitErr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if !ok {
		return &exitError{code: 2, msg: what + " failed"}
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "labsnap",
	Short:        "Snapshot lifecycle and integrity tool for the LIMS store",
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

		cfg := config.NewConfig(defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, defaults, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("# Configuration from %s\n\n", defaults.ConfigPath)
		m := &config.Manager{}
		return m.Write(cmd.OutOrStdout(), cfg)
	},
}

// store command
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the live store",
}

var storeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the live store and apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpStoreInit)
		if err != nil {
			return fail(cmd, "store init", err)
		}
		defer a.Close()

		res, err := a.StoreInit()
		return report(cmd, res, err == nil, err, "store init")
	},
}

var storeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations of the live store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpStoreStatus)
		if err != nil {
			return fail(cmd, "store status", err)
		}
		defer a.Close()

		res, err := a.StoreStatus()
		return report(cmd, res, res != nil && res.OK, err, "store status")
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export, check, compare, retain and restore snapshots",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the live store into a new snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		samples, _ := cmd.Flags().GetStringSlice("include-sample")

		a, err := newApp(app.OpExport)
		if err != nil {
			return fail(cmd, "export", err)
		}
		defer a.Close()

		res, err := a.Export(samples)
		return report(cmd, res, res != nil && res.OK, err, "export")
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify ARTIFACT",
	Short: "Validate an artifact's manifest and database integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpVerify)
		if err != nil {
			return fail(cmd, "verify", err)
		}
		defer a.Close()

		res, err := a.Verify(args[0])
		return report(cmd, res, res != nil && res.OK, err, "verify")
	},
}

var snapshotDoctorCmd = &cobra.Command{
	Use:   "doctor ARTIFACT",
	Short: "Produce a health report for an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noMigrate, _ := cmd.Flags().GetBool("no-migrate")

		a, err := newApp(app.OpDoctor)
		if err != nil {
			return fail(cmd, "doctor", err)
		}
		defer a.Close()

		rep, err := a.Doctor(args[0], noMigrate)
		return report(cmd, rep, rep != nil && rep.OK, err, "doctor")
	},
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff A B",
	Short: "Compare the doctor reports of two artifacts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		noMigrate, _ := cmd.Flags().GetBool("no-migrate")

		a, err := newApp(app.OpDiff)
		if err != nil {
			return fail(cmd, "diff", err)
		}
		defer a.Close()

		rep, err := a.Diff(args[0], args[1], noMigrate)
		return report(cmd, rep, rep != nil && rep.OK, err, "diff")
	},
}

var snapshotDiffLatestCmd = &cobra.Command{
	Use:   "diff-latest",
	Short: "Compare the n-th newest archive against the newest",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("n")
		noMigrate, _ := cmd.Flags().GetBool("no-migrate")

		a, err := newApp(app.OpDiffLatest)
		if err != nil {
			return fail(cmd, "diff-latest", err)
		}
		defer a.Close()

		rep, err := a.DiffLatest(n, noMigrate)
		return report(cmd, rep, rep != nil && rep.OK, err, "diff-latest")
	},
}

var snapshotGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove orphaned snapshot directories and archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		apply, err := applyFlag(cmd)
		if err != nil {
			return fail(cmd, "gc", err)
		}

		a, err := newApp(app.OpGC)
		if err != nil {
			return fail(cmd, "gc", err)
		}
		defer a.Close()

		rep, err := a.GC(apply)
		return report(cmd, rep, rep != nil && rep.OK, err, "gc")
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Keep the newest and pinned snapshots, removing the rest",
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		apply, err := applyFlag(cmd)
		if err != nil {
			return fail(cmd, "prune", err)
		}

		a, err := newApp(app.OpPrune)
		if err != nil {
			return fail(cmd, "prune", err)
		}
		defer a.Close()

		rep, err := a.Prune(keep, apply)
		return report(cmd, rep, rep != nil && rep.OK, err, "prune")
	},
}

// applyFlag resolves --apply / --dry-run. Dry run is the default.
func applyFlag(cmd *cobra.Command) (bool, error) {
	apply, _ := cmd.Flags().GetBool("apply")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if apply && dryRun {
		return false, fmt.Errorf("%w: --apply and --dry-run are mutually exclusive", snap.ErrInvalidArgument)
	}
	return apply, nil
}

var snapshotPinCmd = &cobra.Command{
	Use:   "pin NAME",
	Short: "Protect a snapshot from retention",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpPin)
		if err != nil {
			return fail(cmd, "pin", err)
		}
		defer a.Close()

		res, err := a.Pin(args[0])
		return report(cmd, res, res != nil && res.OK, err, "pin")
	},
}

var snapshotUnpinCmd = &cobra.Command{
	Use:   "unpin NAME",
	Short: "Remove a snapshot's retention protection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpUnpin)
		if err != nil {
			return fail(cmd, "unpin", err)
		}
		defer a.Close()

		res, err := a.Unpin(args[0])
		return report(cmd, res, res != nil && res.OK, err, "unpin")
	},
}

var snapshotPinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "List pinned snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpPins)
		if err != nil {
			return fail(cmd, "pins", err)
		}
		defer a.Close()

		res, err := a.Pins()
		return report(cmd, res, err == nil, err, "pins")
	},
}

var snapshotLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the path of the n-th newest archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("n")

		a, err := newApp(app.OpLatest)
		if err != nil {
			return fail(cmd, "latest", err)
		}
		defer a.Close()

		res, err := a.Latest(n)
		if err != nil || flagJSONOnly {
			return report(cmd, res, err == nil, err, "latest")
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Path)
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore ARTIFACT",
	Short: "Install an artifact as the live store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		force, _ := cmd.Flags().GetBool("force")
		backup, _ := cmd.Flags().GetBool("backup")

		a, err := newApp(app.OpRestore)
		if err != nil {
			return fail(cmd, "restore", err)
		}
		defer a.Close()

		res, err := a.Restore(args[0], target, force, backup)
		return report(cmd, res, res != nil && res.OK, err, "restore")
	},
}

var snapshotPublishCmd = &cobra.Command{
	Use:   "publish NAME",
	Short: "Copy a validated archive into the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpPublish)
		if err != nil {
			return fail(cmd, "publish", err)
		}
		defer a.Close()

		res, err := a.Publish(args[0])
		return report(cmd, res, res != nil && res.OK, err, "publish")
	},
}

var snapshotFetchCmd = &cobra.Command{
	Use:   "fetch NAME",
	Short: "Copy a published archive from the vault into the exports dir",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(app.OpFetch)
		if err != nil {
			return fail(cmd, "fetch", err)
		}
		defer a.Close()

		res, err := a.Fetch(args[0], force)
		return report(cmd, res, res != nil && res.OK, err, "fetch")
	},
}

var snapshotPublishedCmd = &cobra.Command{
	Use:   "published",
	Short: "List snapshots published to the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.OpPublished)
		if err != nil {
			return fail(cmd, "published", err)
		}
		defer a.Close()

		res, err := a.Published()
		return report(cmd, res, err == nil, err, "published")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Live store path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&flagExportsDir, "exports-dir", "", "Artifact root (overrides exports.dir)")
	rootCmd.PersistentFlags().StringVar(&flagVault, "vault", "", "Vault name (defaults to the first configured vault)")
	rootCmd.PersistentFlags().BoolVar(&flagJSONOnly, "json-only", false, "Print only the JSON result line")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// store subcommands
	storeCmd.AddCommand(storeInitCmd)
	storeCmd.AddCommand(storeStatusCmd)

	// snapshot subcommands
	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotExportCmd.Flags().StringSlice("include-sample", nil, "External sample ID to bundle (repeatable)")

	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotDoctorCmd)
	snapshotDoctorCmd.Flags().Bool("no-migrate", false, "Do not migrate the working copy")
	snapshotCmd.AddCommand(snapshotDiffCmd)
	snapshotDiffCmd.Flags().Bool("no-migrate", false, "Do not migrate the working copies")
	snapshotCmd.AddCommand(snapshotDiffLatestCmd)
	snapshotDiffLatestCmd.Flags().Int("n", 2, "Which archive to compare against the newest (1 = newest)")
	snapshotDiffLatestCmd.Flags().Bool("no-migrate", false, "Do not migrate the working copies")

	snapshotCmd.AddCommand(snapshotGCCmd)
	snapshotGCCmd.Flags().Bool("apply", false, "Delete the candidates")
	snapshotGCCmd.Flags().Bool("dry-run", false, "Only list the candidates (default)")
	snapshotCmd.AddCommand(snapshotPruneCmd)
	snapshotPruneCmd.Flags().Int("keep", 10, "Number of newest snapshots to keep")
	snapshotPruneCmd.Flags().Bool("apply", false, "Delete the candidates")
	snapshotPruneCmd.Flags().Bool("dry-run", false, "Only list the candidates (default)")

	snapshotCmd.AddCommand(snapshotPinCmd)
	snapshotCmd.AddCommand(snapshotUnpinCmd)
	snapshotCmd.AddCommand(snapshotPinsCmd)
	snapshotCmd.AddCommand(snapshotLatestCmd)
	snapshotLatestCmd.Flags().Int("n", 1, "Which archive to print (1 = newest)")

	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotRestoreCmd.Flags().String("target", "", "Restore into this path instead of the live store")
	snapshotRestoreCmd.Flags().Bool("force", false, "Replace an existing target")
	snapshotRestoreCmd.Flags().Bool("backup", false, "Copy an existing target aside before replacing it")

	snapshotCmd.AddCommand(snapshotPublishCmd)
	snapshotCmd.AddCommand(snapshotFetchCmd)
	snapshotFetchCmd.Flags().Bool("force", false, "Replace an existing local archive")
	snapshotCmd.AddCommand(snapshotPublishedCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(snapshotCmd)
}
