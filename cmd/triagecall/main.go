package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reliefops/triagecall/pkg/configutil"
	"github.com/reliefops/triagecall/pkg/logging"
	"github.com/reliefops/triagecall/pkg/metrics"
	"github.com/reliefops/triagecall/pkg/redact"
	"github.com/reliefops/triagecall/pkg/runner"
	"github.com/reliefops/triagecall/pkg/transports"
	mocktransport "github.com/reliefops/triagecall/pkg/transports/mock"
	twiliotransport "github.com/reliefops/triagecall/pkg/transports/twilio"
	"github.com/reliefops/triagecall/pkg/triage"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the configuration file")
	drainTimeout := flag.Duration("drain-timeout", 30*time.Second, "how long to wait for live calls to finish on shutdown")
	flag.Parse()

	cfg, err := triage.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.SetDefault(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	transport, err := buildTransport(cfg)
	if err != nil {
		slog.Error("transport_init_failed", "error", err.Error())
		os.Exit(1)
	}

	obs := metrics.NewAsyncObserver(metrics.SlogObserver{}, 512)
	defer obs.Close()

	opts := []triage.EngineOption{triage.WithObserver(obs)}
	if cfg.Escalation.Enabled {
		var tw twiliotransport.Config
		if err := configutil.DecodeSettings(cfg.Escalation.Settings, &tw); err != nil {
			slog.Error("escalation_settings_invalid", "error", err.Error())
			os.Exit(1)
		}
		opts = append(opts, triage.WithEscalator(twiliotransport.NewDialer(tw)))
	}

	eng, err := triage.NewEngine(cfg, transport, triage.DefaultRegistry(), opts...)
	if err != nil {
		slog.Error("engine_init_failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The engine drains itself when its context ends; the lifecycle runner
	// just has to wait for Run to come back so every live report seals.
	engCtx, engCancel := context.WithCancel(context.Background())
	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(engCtx) }()

	lr := runner.NewLifecycleRunner(drainFunc(func() error {
		engCancel()
		return <-engDone
	}), runner.Hooks{
		OnStart: func() {
			fields := []any{"environment", cfg.Environment, "transport", transport.Name()}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("triagecall_ready", fields...)
		},
		OnStop: func() {
			slog.Info("triagecall_stopped")
		},
	}, *drainTimeout)

	if err := lr.Run(ctx); err != nil {
		slog.Error("run_failed", "error", err.Error())
		os.Exit(1)
	}
}

func buildTransport(cfg triage.Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "twilio":
		var tw twiliotransport.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &tw); err != nil {
			return nil, fmt.Errorf("twilio settings: %w", err)
		}
		return twiliotransport.New(tw), nil
	case "mock":
		return mocktransport.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Transports.Provider)
	}
}

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }
