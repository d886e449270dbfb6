package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"copybot/internal/channel"
	"copybot/internal/copier"
	"copybot/internal/domain"
)

func copyCmd() *cobra.Command {
	var (
		to     string
		dryRun bool
		opts   copier.Options
	)
	cmd := &cobra.Command{
		Use:   "copy <message.json>",
		Short: "Copy a saved Telegram message (or update) to a chat",
		Long: `Reads a Telegram Message object, or an Update carrying one, from a JSON
file ("-" for stdin) and sends a copy to --to. With --dry-run the Bot API
method and parameters are printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			msg, err := decodeMessage(data)
			if err != nil {
				return err
			}
			if opts.ChatID, opts.ChannelUsername, err = domain.ParseChatTarget(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			if dryRun {
				return printRequest(os.Stdout, msg, opts)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bot, err := channel.Connect(cfg.Telegram.Token, cfg.Telegram.APIEndpoint)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sent, err := copier.New(copier.Config{Client: bot, Logger: logger}).Copy(ctx, msg, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Copied as message %d to %s\n", sent.MessageID, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target chat id or @channel (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the request instead of sending it")
	cmd.Flags().IntVar(&opts.ThreadID, "thread", 0, "forum topic id in the target chat")
	cmd.Flags().BoolVar(&opts.DisableNotification, "silent", false, "send without notification")
	cmd.Flags().BoolVar(&opts.ProtectContent, "protect", false, "protect the copy from forwarding and saving")
	cmd.Flags().BoolVar(&opts.DisableWebPagePreview, "no-preview", false, "disable link previews for text")
	cmd.Flags().IntVar(&opts.ReplyToMessageID, "reply-to", 0, "reply to this message id in the target chat")
	cmd.Flags().BoolVar(&opts.AllowSendingWithoutReply, "allow-without-reply", false, "send even if the replied-to message is gone")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

// decodeMessage accepts a Message object or an Update with a message,
// edited message or channel post.
func decodeMessage(data []byte) (*tgbotapi.Message, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	for _, m := range []*tgbotapi.Message{update.Message, update.ChannelPost, update.EditedMessage, update.EditedChannelPost} {
		if m != nil {
			return m, nil
		}
	}

	var msg tgbotapi.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.MessageID == 0 && msg.Chat == nil {
		return nil, errors.New("decode message: no message found in input")
	}
	return &msg, nil
}

// printRequest writes the method and parameters the copier would send.
func printRequest(w io.Writer, msg *tgbotapi.Message, opts copier.Options) error {
	req, err := copier.Build(msg, opts)
	if err != nil {
		return err
	}
	params, err := req.Params()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, req.Method())
	for _, k := range keys {
		fmt.Fprintf(w, "  %s=%s\n", k, params[k])
	}
	return nil
}
