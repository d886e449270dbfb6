package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"copybot/internal/channel"
	"copybot/internal/config"
	"copybot/internal/rules"
	"copybot/internal/scheduler"
	"copybot/internal/store"
)

// checkup tallies diagnostic results as they are printed.
type checkup struct {
	w                      io.Writer
	passed, warned, failed int
}

func (c *checkup) pass(check, detail string) {
	fmt.Fprintf(c.w, "  [PASS] %-20s %s\n", check, detail)
	c.passed++
}

func (c *checkup) fail(check, detail string) {
	fmt.Fprintf(c.w, "  [FAIL] %-20s %s\n", check, detail)
	c.failed++
}

func (c *checkup) warn(check, detail string) {
	fmt.Fprintf(c.w, "  [WARN] %-20s %s\n", check, detail)
	c.warned++
}

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your CopyBot installation",
		Long: `Verifies that CopyBot's configuration, bot token, rule database and
rules file are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := &checkup{w: os.Stdout}
			fmt.Printf("CopyBot Doctor v%s\n\n", version)
			runChecks(c, resolveConfigPath(), !offline)

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
			if c.failed > 0 {
				return fmt.Errorf("%d check(s) failed", c.failed)
			}
			if c.warned == 0 {
				fmt.Println("All checks passed. CopyBot is ready to run.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the Bot API token check")
	return cmd
}

// runChecks runs every diagnostic against the config at cfgPath. The token
// check talks to the Bot API and only runs when online is set.
func runChecks(c *checkup, cfgPath string, online bool) {
	if _, err := os.Stat(cfgPath); err != nil {
		c.fail("Config file", "not found at "+cfgPath)
		fmt.Fprintln(c.w, "\nRun 'copybot init' or 'copybot wizard' to create one.")
		return
	}
	c.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		c.fail("Config validation", err.Error())
		return
	}
	c.pass("Config validation", "valid")

	checkTelegram(c, cfg, online)
	checkStore(c, cfg)
	checkRules(c, cfg)

	if cfg.Server.Enabled {
		if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
			c.warn("HTTP port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
		} else {
			c.pass("HTTP port", fmt.Sprintf("%s available", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))))
		}
	}

	if cfg.Maintenance.Enabled {
		if err := scheduler.ParseSchedule(cfg.Maintenance.Schedule); err != nil {
			c.fail("Maintenance", err.Error())
		} else {
			c.pass("Maintenance", cfg.Maintenance.Schedule)
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o700); err != nil {
			c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			c.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkTelegram(c *checkup, cfg *config.Config, online bool) {
	switch {
	case !cfg.Telegram.Enabled:
		c.fail("Telegram", "disabled")
		return
	case len(cfg.Telegram.AllowFrom) == 0:
		c.warn("Telegram", "allowFrom is empty, chat commands are refused")
	default:
		c.pass("Telegram", fmt.Sprintf("%s mode, %d admin(s)", cfg.Telegram.Mode, len(cfg.Telegram.AllowFrom)))
	}

	if !online {
		return
	}
	bot, err := channel.Connect(cfg.Telegram.Token, cfg.Telegram.APIEndpoint)
	if err != nil {
		c.fail("Bot token", err.Error())
		return
	}
	c.pass("Bot token", "@"+bot.Self.UserName)
}

func checkStore(c *checkup, cfg *config.Config) {
	st, err := store.NewSQLiteStore(store.Config{DBPath: cfg.Store.DBPath, Logger: logger})
	if err != nil {
		c.fail("Database", err.Error())
		return
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		c.fail("Database", fmt.Sprintf("cannot ping: %v", err))
		return
	}
	stats, err := st.Stats(ctx, time.Now())
	if err != nil {
		c.fail("Database", err.Error())
		return
	}
	c.pass("Database", fmt.Sprintf("%s (schema v%d, %d rules)", st.Path(), stats.SchemaVersion, stats.Total))
	if stats.Expired > 0 {
		c.warn("Expired rules", fmt.Sprintf("%d waiting to be pruned", stats.Expired))
	}
}

func checkRules(c *checkup, cfg *config.Config) {
	if cfg.RulesFile != "" {
		specs, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			c.fail("Rules file", err.Error())
			return
		}
		c.pass("Rules file", fmt.Sprintf("%s (%d rules)", cfg.RulesFile, len(specs)))
	}
	static, err := loadStaticRules(cfg, time.Now())
	if err != nil {
		c.fail("Static rules", err.Error())
		return
	}
	if len(static) == 0 {
		c.warn("Static rules", "none configured, only stored rules apply")
		return
	}
	c.pass("Static rules", fmt.Sprintf("%d", len(static)))
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
