package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"copybot/internal/config"
	"copybot/internal/domain"
	"copybot/internal/rules"
	"copybot/internal/store"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage copy rules",
		Long:  "List, add and remove the copy rules kept in the rule store. Rules from config.json and the rules file are listed but read-only.",
	}
	cmd.AddCommand(rulesListCmd(), rulesAddCmd(), rulesRemoveCmd(),
		rulesToggleCmd("enable", true), rulesToggleCmd("disable", false),
		rulesImportCmd(), rulesExportCmd())
	return cmd
}

// withStore loads the config, opens the rule store and runs fn.
func withStore(fn func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), cfg, st)
}

func rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List static and stored rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) error {
				now := time.Now()
				static, err := loadStaticRules(cfg, now)
				if err != nil {
					return err
				}
				stored, err := st.ListRules(ctx)
				if err != nil {
					return err
				}
				writeRules(os.Stdout, append(static, stored...), now)
				return nil
			})
		},
	}
}

// writeRules prints rules as an aligned table.
func writeRules(w io.Writer, list []domain.Rule, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No rules.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tTARGET\tTHREAD\tFLAGS\tSTATE\tCREATED\tNAME")
	for _, r := range list {
		thread := "-"
		if r.ThreadID != 0 {
			thread = fmt.Sprint(r.ThreadID)
		}
		created := "-"
		if !r.CreatedAt.IsZero() && !strings.HasPrefix(r.ID, "static-") {
			created = humanize.RelTime(r.CreatedAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.SourceChatID, r.Target(), thread, ruleFlags(r), ruleState(r, now), created, r.Name)
	}
	tw.Flush()
}

func ruleFlags(r domain.Rule) string {
	var flags []string
	if r.DisableNotification {
		flags = append(flags, "silent")
	}
	if r.ProtectContent {
		flags = append(flags, "protect")
	}
	if r.DisableWebPagePreview {
		flags = append(flags, "no-preview")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func ruleState(r domain.Rule, now time.Time) string {
	switch {
	case !r.Enabled:
		return "disabled"
	case r.Expired(now):
		return "expired"
	case r.ExpiresAt != nil:
		return "expires " + humanize.RelTime(*r.ExpiresAt, now, "ago", "from now")
	default:
		return "active"
	}
}

func rulesAddCmd() *cobra.Command {
	var spec config.RuleSpec
	cmd := &cobra.Command{
		Use:   "add <source-chat-id> <target>",
		Short: "Add a rule copying a source chat to a target chat id or @channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _, err := domain.ParseChatTarget(args[0])
			if err != nil || source == 0 {
				return fmt.Errorf("source must be a numeric chat id, got %q", args[0])
			}
			spec.Source = source
			spec.Target = args[1]
			if errs := spec.Validate(); len(errs) > 0 {
				return fmt.Errorf("invalid rule: %s", strings.Join(errs, "; "))
			}

			return withStore(func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) error {
				rule, err := rules.FromSpec(spec, time.Now())
				if err != nil {
					return err
				}
				stored, err := st.AddRule(ctx, rule)
				if err != nil {
					return err
				}
				fmt.Printf("Rule %s added: %d -> %s\n", stored.ID, stored.SourceChatID, stored.Target())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "label for the rule")
	cmd.Flags().IntVar(&spec.Thread, "thread", 0, "forum topic id in the target chat")
	cmd.Flags().BoolVar(&spec.Silent, "silent", false, "send copies without notification")
	cmd.Flags().BoolVar(&spec.Protect, "protect", false, "protect copies from forwarding and saving")
	cmd.Flags().BoolVar(&spec.NoPreview, "no-preview", false, "disable link previews on copied text")
	cmd.Flags().StringVar(&spec.TTL, "ttl", "", "expire the rule after this duration (e.g. 72h)")
	return cmd
}

func rulesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a stored rule (an unambiguous id prefix is enough)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) error {
				if err := st.DeleteRule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Rule %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func rulesToggleCmd(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " a stored rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) error {
				if err := st.SetRuleEnabled(ctx, args[0], enabled); err != nil {
					return err
				}
				fmt.Printf("Rule %s %sd\n", args[0], name)
				return nil
			})
		},
	}
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <rules.yaml>",
		Short: "Add every rule of a YAML rules file to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) error {
				added, skipped, err := importRules(ctx, st, specs, time.Now())
				if err != nil {
					return err
				}
				for _, msg := range skipped {
					fmt.Println("  skipped:", msg)
				}
				fmt.Printf("Imported %d of %d rules\n", added, len(specs))
				return nil
			})
		},
	}
}

// importRules adds specs to the store. Rules the store refuses, such as
// duplicate routes, are reported and skipped.
func importRules(ctx context.Context, st domain.RuleStore, specs []config.RuleSpec, now time.Time) (int, []string, error) {
	var (
		added   int
		skipped []string
	)
	for i, spec := range specs {
		rule, err := rules.FromSpec(spec, now)
		if err != nil {
			return added, skipped, fmt.Errorf("rule %d: %w", i, err)
		}
		if _, err := st.AddRule(ctx, rule); err != nil {
			skipped = append(skipped, err.Error())
			continue
		}
		added++
	}
	return added, skipped, nil
}

func rulesExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored rules in the YAML rules file format",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) error {
				stored, err := st.ListRules(ctx)
				if err != nil {
					return err
				}
				specs := make([]config.RuleSpec, 0, len(stored))
				for _, r := range stored {
					specs = append(specs, rules.ToSpec(r))
				}
				data, err := rules.Marshal(specs)
				if err != nil {
					return err
				}
				if output == "" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o600)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}
