package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"endcat-go/internal/app"
	"endcat-go/internal/config"
	"endcat-go/internal/endcat"
	"endcat-go/internal/mirror"
	"endcat-go/internal/model"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an EndcatApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Sync", "AddAccount").
func newApp(ctx context.Context, operation string) (*app.EndcatApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewEndcatApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// commandContext applies the --timeout flag, when the command has one, to the command's context.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

var rootCmd = &cobra.Command{
	Use:          "endcat",
	Short:        "Gacha record keeper and metadata mirror for Arknights: Endfield",
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

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
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
		cfg.WithDefaults()

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Log Level:     %s\n", cfg.LogLevel)
		fmt.Printf("Database:      %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Encryption:    %s\n", cfg.Encryption.Type)
		fmt.Printf("Metadata URL:  %s\n", cfg.Metadata.BaseURL)
		fmt.Printf("Metadata Dir:  %s\n", cfg.Metadata.Dir)
		version := cfg.Metadata.Version
		if version == "" {
			version = "latest"
		}
		fmt.Printf("Metadata Ver:  %s\n", version)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:         %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vault",
}

var configVaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the vault is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		version, err := app.CheckVault(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Vault OK, snapshot version %d\n", version)
		return nil
	},
}

// account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage game accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add UID",
	Short: "Add an account or update its oauth token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverID, _ := cmd.Flags().GetString("server")
		channel, _ := cmd.Flags().GetInt64("channel")

		token, err := readToken("OAuth token: ")
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "AddAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		account := &model.Account{
			UID:        args[0],
			ServerID:   serverID,
			OAuthToken: token,
		}
		if channel > 0 {
			account.ChannelID = sql.NullInt64{Int64: channel, Valid: true}
		}
		if err := a.AddAccount(cmd.Context(), account); err != nil {
			return err
		}

		fmt.Printf("Account %s saved\n", account.UID)
		return nil
	},
}

// readToken reads a secret without echo from a terminal, or one line from piped stdin.
func readToken(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListAccounts")
		if err != nil {
			return err
		}
		defer a.Close()

		accounts, err := a.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}

		if len(accounts) == 0 {
			fmt.Println("No accounts.")
			return nil
		}

		for _, acct := range accounts {
			fmt.Printf("%-12s  %-20s  server:%s  %s\n",
				acct.UID,
				acct.NickName.String,
				acct.ServerID,
				acct.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return nil
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove UID",
	Short: "Remove an account and all of its pulls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "RemoveAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveAccount(cmd.Context(), args[0]); err != nil {
			return err
		}

		fmt.Printf("Account %s removed\n", args[0])
		return nil
	},
}

// sync commands
var syncCmd = &cobra.Command{
	Use:   "sync UID",
	Short: "Fetch new gacha records for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		a, err := newApp(ctx, "Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Sync(ctx, args[0], mode, printSyncProgress)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		printSyncResult(res)
		return nil
	},
}

var syncLogCmd = &cobra.Command{
	Use:   "sync-log",
	Short: "Fetch gacha records using the session in the game's webview log",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		logPath, _ := cmd.Flags().GetString("path")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		a, err := newApp(ctx, "SyncFromLog")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.SyncFromLog(ctx, logPath, mode, printSyncProgress)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		printSyncResult(res)
		return nil
	},
}

func printSyncProgress(p endcat.Progress) {
	fmt.Printf("[%d/%d] %s\n", p.Current, p.Total, p.Filename)
}

func printSyncResult(res *endcat.SyncResult) {
	fmt.Printf("Account %s: fetched %d record(s), %d new\n", res.UID, res.Count, res.Inserted)
	if len(res.FailedPools) > 0 {
		fmt.Printf("Failed pools: %s\n", strings.Join(res.FailedPools, ", "))
	}
}

// pulls command
var pullsCmd = &cobra.Command{
	Use:   "pulls UID",
	Short: "View stored pulls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "ListPulls")
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.PullSummary(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Println("No pulls recorded.")
			return nil
		}
		for _, c := range counts {
			fmt.Printf("%-40s  %d\n", c.PoolType, c.Count)
		}
		fmt.Println()

		pulls, err := a.ListPulls(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		for _, p := range pulls {
			fmt.Printf("%s  %d*  %-20s  %-24s  %s\n",
				time.Unix(p.PulledAt, 0).Format("2006-01-02 15:04:05"),
				p.Rarity,
				p.ItemName,
				p.BannerName,
				p.SeqID.String,
			)
		}
		return nil
	},
}

// metadata command
var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Manage the local metadata mirror",
}

var metadataStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "View the local mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "MetadataStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.MetadataStatus()
		if err != nil {
			return err
		}
		printMirrorStatus(status)
		return nil
	},
}

var metadataUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Bring the local mirror in line with the remote bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		a, err := newApp(ctx, "MetadataUpdate")
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.MetadataUpdate(ctx, printMirrorProgress)
		if err != nil {
			return fmt.Errorf("metadata update failed: %w", err)
		}
		printMirrorStatus(status)
		return nil
	},
}

var metadataResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the local mirror and download the bundle again",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		a, err := newApp(ctx, "MetadataReset")
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.MetadataReset(ctx, printMirrorProgress)
		if err != nil {
			return fmt.Errorf("metadata reset failed: %w", err)
		}
		printMirrorStatus(status)
		return nil
	},
}

var metadataManifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Show the remote manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		a, err := newApp(ctx, "MetadataManifest")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.MetadataManifest(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("URL:      %s\n", s.URL)
		fmt.Printf("Version:  %s\n", s.PackageVersion)
		fmt.Printf("Checksum: %s\n", s.MetadataChecksum)
		if s.ItemCount != nil {
			fmt.Printf("Items:    %d\n", *s.ItemCount)
		}
		fmt.Printf("Files:    %d (%d bytes)\n", s.EntryCount, s.TotalSize)
		return nil
	},
}

func printMirrorProgress(p mirror.Progress) {
	fmt.Printf("%-11s [%d/%d] %s\n", p.Phase, p.Current, p.Total, p.Path)
}

func printMirrorStatus(s *mirror.Status) {
	fmt.Printf("Path:     %s\n", s.Path)
	fmt.Printf("Files:    %d\n", s.FileCount)
	if s.HasManifest {
		fmt.Printf("Version:  %s\n", s.CurrentVersion)
	} else {
		fmt.Println("Version:  (no manifest)")
	}
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local database",
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local database with the vault snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		version, err := app.RestoreDatabase(ctx, cfg, force)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Restored database at version %d\n", version)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configVaultCmd)
	configVaultCmd.AddCommand(configVaultCheckCmd)
	configVaultCheckCmd.Flags().Duration("timeout", 30*time.Second, "Give up after this long")

	// account subcommands
	accountCmd.AddCommand(accountAddCmd)
	accountAddCmd.Flags().String("server", "", "Server id (default 1)")
	accountAddCmd.Flags().Int64("channel", 0, "Channel id (6 for the global client)")
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountRemoveCmd)

	// sync commands
	for _, c := range []*cobra.Command{syncCmd, syncLogCmd} {
		c.Flags().StringP("mode", "m", "incremental", "Sync mode: incremental or full")
		c.Flags().Duration("timeout", 0, "Give up after this long (0 means no limit)")
	}
	syncLogCmd.Flags().String("path", "", "Path to HGWebview.log (default: the game's log location)")

	// metadata subcommands
	metadataCmd.AddCommand(metadataStatusCmd)
	for _, c := range []*cobra.Command{metadataUpdateCmd, metadataResetCmd, metadataManifestCmd} {
		c.Flags().Duration("timeout", 0, "Give up after this long (0 means no limit)")
		metadataCmd.AddCommand(c)
	}

	// db subcommands
	dbCmd.AddCommand(dbRestoreCmd)
	dbRestoreCmd.Flags().Bool("force", false, "Overwrite a local database that is newer than the snapshot")
	dbRestoreCmd.Flags().Duration("timeout", 0, "Give up after this long (0 means no limit)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncLogCmd)
	rootCmd.AddCommand(pullsCmd)
	pullsCmd.Flags().IntP("limit", "n", 20, "Maximum number of pulls to show")
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(dbCmd)
}
