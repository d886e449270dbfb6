package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"copybot/internal/config"
	"copybot/internal/domain"
)

// wizardAnswers holds the form fields before they are applied to a config.
type wizardAnswers struct {
	Token      string
	Mode       string
	WebhookURL string
	AllowFrom  string
	AddRule    bool
	Source     string
	Target     string
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: bot token, update mode, admins, first rule",
		Long:  "Asks for the bot token, how updates are received, who may run chat commands and an optional first copy rule, then writes the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}

			ans := answersFrom(cfg)
			if err := wizardForm(&ans).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Setup cancelled, nothing written.")
					return nil
				}
				return err
			}

			if err := applyAnswers(cfg, ans); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Config written to %s\nNext: copybot doctor, then copybot run.\n", cfgPath)
			return nil
		},
	}
}

func answersFrom(cfg *config.Config) wizardAnswers {
	return wizardAnswers{
		Token:      cfg.Telegram.Token,
		Mode:       cfg.Telegram.Mode,
		WebhookURL: cfg.Telegram.WebhookURL,
		AllowFrom:  strings.Join(cfg.Telegram.AllowFrom, ", "),
	}
}

func wizardForm(ans *wizardAnswers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot token").
				Description("From @BotFather.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.Token).
				Validate(func(s string) error {
					if !strings.Contains(s, ":") {
						return errors.New("a bot token looks like 123456:ABC...")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Receive updates by").
				Options(
					huh.NewOption("Long polling", "polling"),
					huh.NewOption("Webhook (needs a public HTTPS URL)", "webhook"),
				).
				Value(&ans.Mode),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Public webhook URL").
				Placeholder("https://example.com/telegram/webhook").
				Value(&ans.WebhookURL).
				Validate(validateWebhookURL),
		).WithHideFunc(func() bool { return ans.Mode != "webhook" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Admin user ids").
				Description("Comma separated. Only these users may run chat commands.").
				Value(&ans.AllowFrom).
				Validate(func(s string) error {
					_, err := parseIDList(s)
					return err
				}),
			huh.NewConfirm().
				Title("Add a first copy rule now?").
				Value(&ans.AddRule),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Source chat id").
				Value(&ans.Source).
				Validate(func(s string) error {
					_, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
					return err
				}),
			huh.NewInput().
				Title("Target chat id or @channel").
				Value(&ans.Target).
				Validate(func(s string) error {
					_, _, err := domain.ParseChatTarget(s)
					return err
				}),
		).WithHideFunc(func() bool { return !ans.AddRule }),
	)
}

func validateWebhookURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u.Scheme != "https" || u.Host == "" {
		return errors.New("webhook URL must be an absolute https URL")
	}
	return nil
}

// parseIDList splits a comma or space separated list of numeric user ids.
func parseIDList(s string) ([]string, error) {
	var ids []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if _, err := strconv.ParseInt(f, 10, 64); err != nil {
			return nil, fmt.Errorf("%q is not a numeric user id", f)
		}
		ids = append(ids, f)
	}
	return ids, nil
}

// applyAnswers copies the wizard answers into cfg and enables Telegram.
func applyAnswers(cfg *config.Config, ans wizardAnswers) error {
	ids, err := parseIDList(ans.AllowFrom)
	if err != nil {
		return err
	}
	cfg.Telegram.Enabled = true
	cfg.Telegram.Token = strings.TrimSpace(ans.Token)
	cfg.Telegram.Mode = ans.Mode
	cfg.Telegram.AllowFrom = ids
	if ans.Mode == "webhook" {
		cfg.Telegram.WebhookURL = strings.TrimSpace(ans.WebhookURL)
		cfg.Server.Enabled = true
	}

	if ans.AddRule {
		source, err := strconv.ParseInt(strings.TrimSpace(ans.Source), 10, 64)
		if err != nil {
			return fmt.Errorf("source chat id: %w", err)
		}
		spec := config.RuleSpec{Source: source, Target: strings.TrimSpace(ans.Target)}
		if errs := spec.Validate(); len(errs) > 0 {
			return fmt.Errorf("invalid rule: %s", strings.Join(errs, "; "))
		}
		cfg.Rules = append(cfg.Rules, spec)
	}
	return nil
}
