package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"copybot/internal/config"
	"copybot/internal/domain"
	"copybot/internal/rules"
	"copybot/internal/store"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "copybot",
		Short:        "CopyBot: copy Telegram messages between chats",
		Long:         "CopyBot watches Telegram chats and re-sends every message to the chats named by its copy rules.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.copybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(copyCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the general config section.
// The returned closer releases the log file, if any.
func newLogger(cfg config.GeneralConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	var out io.Writer = stderr
	closer := func() error { return nil }

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stderr, f)
		closer = f.Close
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	return slog.New(handler), closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the rule database named in cfg.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(store.Config{DBPath: cfg.Store.DBPath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("rule store: %w", err)
	}
	return st, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Next: set telegram.token and telegram.enabled, or run 'copybot wizard'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("copybot %s\n", version)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and rule store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			stats, err := st.Stats(ctx, time.Now())
			if err != nil {
				return err
			}
			sources, err := st.SourceChats(ctx)
			if err != nil {
				return err
			}
			static, err := loadStaticRules(cfg, time.Now())
			if err != nil {
				return err
			}
			printStatus(os.Stdout, cfg, stats, sources, len(static), st.Path())
			return nil
		},
	}
}

// printStatus writes the status report. sources are the chats with at least
// one enabled stored rule.
func printStatus(w io.Writer, cfg *config.Config, stats store.Stats, sources []int64, static int, dbPath string) {
	telegram := "disabled"
	if cfg.Telegram.Enabled {
		telegram = cfg.Telegram.Mode
	}
	fmt.Fprintf(w, "CopyBot v%s\n", version)
	fmt.Fprintf(w, "  Config:    %s\n", resolveConfigPath())
	fmt.Fprintf(w, "  Telegram:  %s\n", telegram)
	fmt.Fprintf(w, "  Database:  %s (%s, schema v%d)\n", dbPath, humanize.Bytes(uint64(stats.SizeBytes)), stats.SchemaVersion)
	fmt.Fprintf(w, "  Rules:     %s stored (%d enabled, %d expired), %d static\n",
		humanize.Comma(int64(stats.Total)), stats.Enabled, stats.Expired, static)
	fmt.Fprintf(w, "  Sources:   %d chats", stats.Sources)
	if len(sources) > 0 {
		ids := make([]string, len(sources))
		for i, id := range sources {
			ids[i] = strconv.FormatInt(id, 10)
		}
		fmt.Fprintf(w, ", watching %s", strings.Join(ids, ", "))
	}
	fmt.Fprintln(w)
	if cfg.Server.Enabled {
		fmt.Fprintf(w, "  HTTP:      %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. telegram.mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. telegram.mode webhook)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flat {
				for _, line := range config.ListPaths(config.Sanitize(cfg)) {
					fmt.Println(line)
				}
				return nil
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	listCmd.Flags().BoolVar(&flat, "flat", false, "print one 'path = value' line per setting")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// loadStaticRules returns the rules from config.json followed by those in
// the optional rules file.
func loadStaticRules(cfg *config.Config, now time.Time) ([]domain.Rule, error) {
	specs := append([]config.RuleSpec(nil), cfg.Rules...)
	if cfg.RulesFile != "" {
		fromFile, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fromFile...)
	}
	return rules.StaticRules(specs, now)
}
