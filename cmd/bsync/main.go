package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bsync-go/internal/app"
	"bsync-go/internal/bsync"
	"bsync-go/internal/config"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// command identifies the CLI command being run (e.g. "sync", "serve").
func newApp(ctx context.Context, command string, verbose bool) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	opts := app.Options{
		ConfigPath: defaults["config_path"],
		Command:    command,
		Passphrase: readPassphrase,
	}
	if verbose {
		opts.Console = os.Stderr
	}
	a, err := app.NewApp(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	return config.ReadFromFile(defaults["config_path"])
}

// readPassphrase takes BSYNC_PASSPHRASE when set and prompts on the terminal
// otherwise.
func readPassphrase() (string, error) {
	if p := os.Getenv("BSYNC_PASSPHRASE"); p != "" {
		return p, nil
	}
	return promptSecret("Passphrase: ")
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal for passphrase prompt (set BSYNC_PASSPHRASE)")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	statusStyles = map[bsync.SyncStatus]lipgloss.Style{
		bsync.StatusSync:     okStyle,
		bsync.StatusPending:  warnStyle,
		bsync.StatusOutdated: warnStyle,
		bsync.StatusMissing:  dimStyle,
		bsync.StatusConflict: errStyle,
	}
)

func renderStatus(s bsync.SyncStatus) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("%-8s", s))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:          "bsync",
	Short:        "Encrypted backup synchronization for application data",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The working directory's .env may set BSYNC_HOME, so it loads first.
		if err := app.LoadEnvFiles(".env"); err != nil {
			return err
		}
		defaults, err := app.GetDefaults()
		if err != nil {
			return err
		}
		return app.LoadEnvFiles(filepath.Join(defaults["base_dir"], ".env"))
	},
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
		fmt.Println("Next: bsync db migrate && bsync keys init")
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

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Mode:       %s\n", cfg.Mode)
		fmt.Printf("Namespace:  %s\n", cfg.Namespace)
		fmt.Printf("Vault:      %s (%s)\n", cfg.Vault.Name, cfg.Vault.Type)
		fmt.Printf("Datasource: %s %s\n", cfg.Datasource.Type, cfg.Datasource.Dir)
		fmt.Printf("Permissions: view=%t upload=%t import=%t\n",
			cfg.Permissions.CanViewInfo, cfg.Permissions.CanUpload, cfg.Permissions.CanImport)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		pass := os.Getenv("BSYNC_PASSPHRASE")
		if pass == "" {
			if pass, err = promptSecret("New passphrase: "); err != nil {
				return err
			}
			confirm, err := promptSecret("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if pass != confirm {
				return errors.New("passphrases do not match")
			}
		}

		if err := app.InitKeys(cfg, pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Keys written to %s\n", filepath.Dir(cfg.Encryption.PrivateKeyPath))
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		pk, err := app.PublicKey(cfg)
		if err != nil {
			return err
		}
		fmt.Println(pk)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local state database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status of every piece",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		a, err := newApp(cmd.Context(), "status", verbose)
		if err != nil {
			return err
		}
		defer a.Close()

		view, refreshErr := a.Status(cmd.Context(), true)
		printStatus(view)
		if refreshErr != nil {
			return fmt.Errorf("refreshing status: %w", refreshErr)
		}
		return nil
	},
}

func printStatus(v bsync.StatusView) {
	fmt.Printf("%s %s\n", headerStyle.Render("Mode:"), v.Mode)
	if v.Overall != "" {
		fmt.Printf("%s %s\n", headerStyle.Render("Overall:"), renderStatus(v.Overall))
	}
	fmt.Printf("%s %s\n", headerStyle.Render("Last remote backup:"), formatTime(v.LastRemoteBackup))
	fmt.Printf("%s %s\n\n", headerStyle.Render("Last checked:"), formatTime(v.LastFetchAt))

	for _, t := range bsync.AllPieceTypes() {
		p, ok := v.Pieces[t]
		if !ok {
			continue
		}
		changes := ""
		if p.HasLocalChanges {
			changes = warnStyle.Render(" (local changes)")
		}
		fmt.Printf("  %s  %-12s%s\n", renderStatus(p.Status), t, changes)
	}

	if v.CredentialsMismatch {
		fmt.Println(errStyle.Render("\nThe last import failed to decrypt. Check your passphrase and keys."))
	}
	if v.BackoffUntil != nil {
		fmt.Println(warnStyle.Render(fmt.Sprintf("\nRemote unreachable; retrying after %s.", formatTime(v.BackoffUntil))))
	}
	if v.Message != "" {
		fmt.Println(warnStyle.Render("\n" + v.Message))
	}
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify vault access, keys and database",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "check", false)
		if err != nil {
			return err
		}
		defer a.Close()

		failed := 0
		for _, r := range a.Check(cmd.Context()) {
			if r.Err != nil {
				failed++
				fmt.Printf("%s %-16s %v\n", errStyle.Render("FAIL"), r.Name, r.Err)
				continue
			}
			fmt.Printf("%s %s\n", okStyle.Render(" ok "), r.Name)
		}
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile and transfer every piece now",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		a, err := newApp(cmd.Context(), "sync", verbose)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Sync(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		switch report.Outcome {
		case bsync.OutcomeConflict:
			fmt.Println(errStyle.Render(report.Reason))
			fmt.Println(bsync.MsgConflictRetry)
		case bsync.OutcomeSuccess:
			if !report.HadTransfer {
				fmt.Println(okStyle.Render("Everything is in sync."))
				return nil
			}
			printPieces("Uploaded", report.Plan.Upload)
			printPieces("Imported", report.Plan.Import)
		default:
			fmt.Printf("Sync %s: %s\n", report.Outcome, report.Reason)
		}
		return nil
	},
}

func printPieces(verb string, ts []bsync.PieceType) {
	if len(ts) == 0 {
		return
	}
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = string(t)
	}
	fmt.Printf("%s: %s\n", verb, strings.Join(names, ", "))
}

// upload and import commands
var uploadCmd = &cobra.Command{
	Use:   "upload [PIECE...]",
	Short: "Force local pieces to the remote (all when none given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, "upload", args)
	},
}

var importCmd = &cobra.Command{
	Use:   "import [PIECE...]",
	Short: "Replace local pieces with their remote copies (all when none given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, "import", args)
	},
}

func runTransfer(cmd *cobra.Command, command string, pieces []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := newApp(cmd.Context(), command, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	op := a.Upload
	if command == "import" {
		op = a.Import
	}
	run, err := op(cmd.Context(), pieces)
	if err != nil {
		return fmt.Errorf("%s failed: %w", command, err)
	}
	if run == nil {
		fmt.Println("Nothing to transfer.")
		return nil
	}
	for _, t := range bsync.AllPieceTypes() {
		if p, ok := run.Pieces[t]; ok {
			fmt.Printf("  %s  %s\n", renderStatus(p.Status), t)
		}
	}
	return nil
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history", false)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, r := range runs {
			outcome := r.Outcome
			switch r.Outcome {
			case bsync.OutcomeSuccess:
				outcome = okStyle.Render(fmt.Sprintf("%-8s", r.Outcome))
			case bsync.OutcomeConflict, bsync.OutcomeError:
				outcome = errStyle.Render(fmt.Sprintf("%-8s", r.Outcome))
			}
			fmt.Printf("%s  %-7s  %s  %s",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Trigger,
				outcome,
				r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond),
			)
			if len(r.Uploaded) > 0 {
				fmt.Printf("  up:%v", r.Uploaded)
			}
			if len(r.Imported) > 0 {
				fmt.Printf("  in:%v", r.Imported)
			}
			if r.Error != "" {
				fmt.Printf("  %s", dimStyle.Render(r.Error))
			}
			fmt.Println()
		}
		return nil
	},
}

// mode command
var modeCmd = &cobra.Command{
	Use:       "mode [OFF|AUTO|MANUAL]",
	Short:     "Show or change the backup mode",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"OFF", "AUTO", "MANUAL"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			fmt.Println(strings.ToUpper(cfg.Mode))
			return nil
		}

		a, err := newApp(cmd.Context(), "mode", false)
		if err != nil {
			return err
		}
		defer a.Close()

		mode, err := a.SetMode(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Backup mode set to %s\n", mode)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the local status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer a.Close()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.Config().Server.Addr = addr
		}
		return a.Serve(ctx)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)

	// root commands
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Also write log lines to stderr")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
}
