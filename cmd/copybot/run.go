package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"copybot/internal/bus"
	"copybot/internal/channel"
	"copybot/internal/config"
	"copybot/internal/copier"
	"copybot/internal/domain"
	"copybot/internal/metrics"
	"copybot/internal/relay"
	"copybot/internal/rules"
	"copybot/internal/scheduler"
	"copybot/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (Telegram channel, relay, HTTP server, maintenance)",
		Long:  "Starts receiving Telegram updates and copying messages according to the rules. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg.General, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()
			logger = log

			if !service.Interactive() {
				return runService(cfg)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg)
		},
	}
}

// runBot wires every component and blocks until ctx is done or a component
// fails.
func runBot(parent context.Context, cfg *config.Config) error {
	if !cfg.Telegram.Enabled {
		return fmt.Errorf("telegram is disabled (run 'copybot config set telegram.enabled true')")
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", "err", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	static, err := loadStaticRules(cfg, time.Now())
	if err != nil {
		return err
	}
	resolver := rules.NewResolver(rules.ResolverConfig{Store: st, Static: static, Logger: logger})

	m := metrics.New()
	events := bus.NewEventBus(logger)
	messageBus := bus.New(bus.Config{
		Logger: logger,
		OnDrop: func(domain.InboundMessage) { m.BusDropped() },
	})

	bot, err := channel.Connect(cfg.Telegram.Token, cfg.Telegram.APIEndpoint)
	if err != nil {
		return err
	}

	cp := copier.New(copier.Config{Client: bot, Logger: logger, Recorder: m})
	rl := relay.New(relay.Config{
		Bus:         messageBus,
		Copier:      cp,
		Rules:       resolver,
		Events:      events,
		Logger:      logger,
		Concurrency: cfg.General.MaxConcurrentCopies,
	})
	tg := channel.NewTelegram(channel.TelegramConfig{
		Bot:         bot,
		AllowFrom:   cfg.Telegram.AllowFrom,
		Mode:        cfg.Telegram.Mode,
		WebhookURL:  cfg.Telegram.WebhookURL,
		PollTimeout: cfg.Telegram.PollTimeout,
		Rules:       resolver,
		Store:       st,
		Relay:       rl,
		Metrics:     m,
		Events:      events,
		Logger:      logger,
	})

	refreshRules := func(bus.Event) {
		all, err := resolver.All(ctx)
		if err != nil {
			logger.Warn("cannot count rules", "err", err)
			return
		}
		m.SetRules(len(all))
	}
	events.On(bus.EventRuleAdded, refreshRules)
	events.On(bus.EventRuleDeleted, refreshRules)
	refreshRules(bus.Event{})

	sched := scheduler.New(logger)
	defer sched.Stop()
	if cfg.Maintenance.Enabled {
		if err := sched.Register(&scheduler.PruneJob{
			Store:        st,
			Rules:        resolver,
			Gauge:        m,
			Events:       events,
			ScheduleExpr: cfg.Maintenance.Schedule,
			Logger:       logger,
		}); err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
		sched.RunNow(scheduler.PruneJobName)
	}

	// The relay outlives ctx so it can finish queued messages after intake
	// stops.
	relayCtx, abortRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer abortRelay()
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		rl.Run(relayCtx)
	}()

	var intake sync.WaitGroup
	errCh := make(chan error, 2)

	if cfg.Server.Enabled {
		srvCfg := server.Config{
			Host:    cfg.Server.Host,
			Port:    cfg.Server.Port,
			Version: version,
			Store:   st,
			Logger:  logger,
		}
		if cfg.Metrics.Enabled {
			srvCfg.MetricsPath = cfg.Metrics.Path
			srvCfg.Metrics = m.Handler()
		}
		if cfg.Telegram.Mode == channel.ModeWebhook {
			srvCfg.WebhookPath = cfg.Telegram.WebhookPath
			srvCfg.Webhook = tg.WebhookHandler()
		}
		srv := server.New(srvCfg)
		intake.Add(1)
		go func() {
			defer intake.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	intake.Add(1)
	go func() {
		defer intake.Done()
		if err := tg.Start(ctx, messageBus); err != nil {
			errCh <- fmt.Errorf("telegram: %w", err)
		}
	}()

	logger.Info("copybot started",
		"version", version,
		"mode", cfg.Telegram.Mode,
		"static_rules", resolver.Static(),
		"workers", cfg.General.MaxConcurrentCopies,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", "err", runErr)
	}

	logger.Info("shutting down...")
	err = shutdown{
		stopIntake: cancel,
		intake:     &intake,
		closeBus:   messageBus.Close,
		abortRelay: abortRelay,
		relayDone:  relayDone,
	}.run(shutdownTimeout)
	if err != nil {
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = err
		}
	} else {
		stats := rl.Stats()
		logger.Info("shutdown complete", "processed", stats.Processed, "copied", stats.Copied, "failed", stats.Failed)
	}
	return runErr
}

// shutdown stops the bot in order: intake first, then the bus, then the
// relay once its queue is empty.
type shutdown struct {
	stopIntake context.CancelFunc
	intake     *sync.WaitGroup
	closeBus   func()
	abortRelay context.CancelFunc
	relayDone  <-chan struct{}
}

// run performs the shutdown within timeout. When time runs out the relay is
// aborted and its remaining queue is dropped.
func (s shutdown) run(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	s.stopIntake()
	intakeDone := make(chan struct{})
	go func() {
		s.intake.Wait()
		close(intakeDone)
	}()
	select {
	case <-intakeDone:
	case <-deadline.C:
		s.abortRelay()
		return errors.New("shutdown timed out")
	}

	s.closeBus()
	select {
	case <-s.relayDone:
		return nil
	case <-deadline.C:
		s.abortRelay()
		return errors.New("shutdown timed out")
	}
}

// setupTracing installs an OTLP/HTTP tracer provider when tracing is
// enabled. The returned function flushes and stops it.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint)
	return tp.Shutdown, nil
}
