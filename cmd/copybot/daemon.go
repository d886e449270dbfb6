package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"copybot/internal/config"
)

// program adapts runBot to the service manager's start/stop callbacks.
type program struct {
	cfg    *config.Config
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := runBot(ctx, p.cfg); err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			logger.Error("copybot stopped with error", "err", err)
			_ = s.Stop()
		}
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func serviceConfig(cfgPath string) *service.Config {
	return &service.Config{
		Name:        "copybot",
		DisplayName: "CopyBot",
		Description: "Copies Telegram messages between chats according to copy rules.",
		Arguments:   []string{"run", "--config", cfgPath},
		Option: service.KeyValue{
			"UserService": true,
			"Restart":     "on-failure",
		},
	}
}

func newService(cfg *config.Config) (service.Service, error) {
	cfgPath, err := filepath.Abs(config.ExpandPath(resolveConfigPath()))
	if err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}
	s, err := service.New(&program{cfg: cfg}, serviceConfig(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	return s, nil
}

// runService is used when the process was started by the service manager.
func runService(cfg *config.Config) error {
	s, err := newService(cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage CopyBot as a system service (launchd/systemd/Windows)",
	}
	for _, action := range []struct{ name, short string }{
		{"install", "Install the service to run 'copybot run' at startup"},
		{"uninstall", "Remove the service"},
		{"start", "Start the installed service"},
		{"stop", "Stop the running service"},
		{"restart", "Restart the service"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := newService(nil)
				if err != nil {
					return err
				}
				if err := service.Control(s, action.name); err != nil {
					return fmt.Errorf("%s: %w", action.name, err)
				}
				fmt.Printf("Service %s: ok\n", action.name)
				return nil
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the service is installed and running",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(nil)
			if err != nil {
				return err
			}
			status, err := s.Status()
			switch {
			case errors.Is(err, service.ErrNotInstalled):
				fmt.Println("Service: not installed")
				return nil
			case err != nil:
				return fmt.Errorf("status: %w", err)
			}
			fmt.Printf("Service: %s\n", statusName(status))
			return nil
		},
	})
	return cmd
}

func statusName(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
