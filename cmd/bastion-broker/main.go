// Package main provides the bastion-broker entrypoint.
//
// Usage:
//
//	bastion-broker run --config broker.yaml
//	bastion-broker status --config broker.yaml
//
// Exit codes:
//   - 0: success
//   - 2: config error
//   - 3: TLS / trust map load failure
//   - 4: unrecoverable storage corruption
//   - 5: graceful-shutdown timeout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/pithecene-io/bastion/adapter"
	redisadapter "github.com/pithecene-io/bastion/adapter/redis"
	"github.com/pithecene-io/bastion/adapter/webhook"
	"github.com/pithecene-io/bastion/broker"
	"github.com/pithecene-io/bastion/bus"
	"github.com/pithecene-io/bastion/commitlog"
	"github.com/pithecene-io/bastion/config"
	"github.com/pithecene-io/bastion/correlate"
	"github.com/pithecene-io/bastion/ingest"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/risk"
	"github.com/pithecene-io/bastion/rules"
	"github.com/pithecene-io/bastion/trust"
	"github.com/pithecene-io/bastion/types"
)

const (
	exitSuccess         = 0
	exitConfigError     = 2
	exitTrustFailure    = 3
	exitStorageCorrupt  = 4
	exitShutdownTimeout = 5
)

const shutdownGrace = 15 * time.Second

func main() {
	app := &cli.App{
		Name:    "bastion-broker",
		Usage:   "Telemetry broker - accepts signed envelopes and correlates incidents",
		Version: "1.0.0",
		Commands: []*cli.Command{
			runCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the broker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Path to broker.yaml",
				Required: true,
			},
		},
		Action: runBroker,
	}
}

func runBroker(c *cli.Context) error {
	cfg, err := config.LoadBroker(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitConfigError)
	}

	logger := log.NewLogger(cfg.NodeID, "broker")
	collector := metrics.NewCollector(cfg.NodeID, "broker")

	trustMap, err := trust.LoadMap(cfg.TrustMap)
	if err != nil {
		return cli.Exit(fmt.Sprintf("trust map: %v", err), exitTrustFailure)
	}
	verifier := trust.NewVerifier(trustMap)

	tlsCfg, err := bus.ServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
	if err != nil {
		return cli.Exit(fmt.Sprintf("tls: %v", err), exitTrustFailure)
	}

	policy, interval, err := config.ParseFsyncPolicy(cfg.Log.FsyncPolicy)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitConfigError)
	}
	logStore, err := commitlog.Open(cfg.Log.Path, commitlog.Options{
		Policy:   commitlog.SyncPolicy(policy),
		Interval: interval,
	})
	if err != nil {
		if errors.Is(err, commitlog.ErrCorrupt) {
			return cli.Exit(fmt.Sprintf("commit log: %v", err), exitStorageCorrupt)
		}
		return cli.Exit(fmt.Sprintf("commit log: %v", err), 1)
	}
	defer logStore.Close()

	registry, err := rules.Load(cfg.Engine.RulesPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("rules: %v", err), exitConfigError)
	}

	riskStore, err := risk.Open(risk.Config{
		Path: cfg.Engine.RiskDBPath,
		Decay: risk.DecayConfig{
			Start: time.Duration(cfg.Engine.Decay.StartSeconds) * time.Second,
			Full:  time.Duration(cfg.Engine.Decay.FullSeconds) * time.Second,
		},
		Floor:          1,
		SweepRetention: time.Duration(cfg.Engine.Decay.FullSeconds) * time.Second,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("risk store: %v", err), exitStorageCorrupt)
	}
	defer riskStore.Close()

	adapters, err := buildAdapters(&cfg.Engine.Adapters)
	if err != nil {
		return cli.Exit(fmt.Sprintf("adapters: %v", err), exitConfigError)
	}
	notifier := adapter.NewNotifier(adapters, logger, collector)
	defer notifier.Close()

	govCfg := broker.DefaultGovernorConfig()
	if cfg.Governor.ShedSeverityCutoff != "" {
		if cutoff, ok := types.ParseSeverity(cfg.Governor.ShedSeverityCutoff); ok {
			govCfg.ShedSeverityCutoff = cutoff
		}
	}
	if cfg.Governor.SoftInflight > 0 {
		govCfg.SoftInflight = cfg.Governor.SoftInflight
	}
	if cfg.Governor.HardInflight > 0 {
		govCfg.HardInflight = cfg.Governor.HardInflight
	}
	if cfg.Governor.ShedInflight > 0 {
		govCfg.ShedInflight = cfg.Governor.ShedInflight
	}
	if cfg.Governor.BaseHintMS > 0 {
		govCfg.BaseHintMS = cfg.Governor.BaseHintMS
	}
	gov := broker.NewGovernor(govCfg)
	defer gov.Close()

	ingress := broker.NewIngress(broker.IngressConfig{
		MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
		DedupWindow:      time.Duration(cfg.DedupWindowSeconds) * time.Second,
		OffenseLimit:     cfg.OffenseLimit,
	}, logStore, gov, verifier, logger, collector)
	defer ingress.Close()

	engine := correlate.New(correlate.Config{
		WindowHorizon:     time.Duration(cfg.Engine.WindowSeconds) * time.Second,
		MaxEventsInWindow: cfg.Engine.MaxEventsInWindow,
	}, registry, riskStore, notifier, logger, collector)

	ingestor, err := ingest.New(ingest.Config{
		CursorPath: cfg.Log.CursorPath,
	}, logStore, engine, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ingestor: %v", err), exitStorageCorrupt)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return cli.Exit(fmt.Sprintf("listen %s: %v", cfg.ListenAddr, err), 1)
	}
	server := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsCfg)))
	bus.RegisterServer(server, ingress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingestor stopped", map[string]any{"error": err.Error()})
		}
	}()

	if cfg.StatusPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statusLoop(ctx, cfg.StatusPath, collector, logger)
		}()
	}

	// SIGHUP reloads the trust map and rule set; a failed reload keeps
	// the previous state.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
			}
			if m, err := trust.LoadMap(cfg.TrustMap); err != nil {
				logger.Error("trust map reload failed", map[string]any{"error": err.Error()})
			} else {
				verifier.Reload(m)
				logger.Info("trust map reloaded", map[string]any{"identities": m.Len()})
			}
			if err := registry.Reload(); err != nil {
				logger.Error("rules reload failed", map[string]any{"error": err.Error()})
			} else {
				logger.Info("rules reloaded", map[string]any{"rules": len(registry.Rules())})
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("broker listening", map[string]any{"addr": cfg.ListenAddr})
		serveErr <- server.Serve(listener)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		cancel()
		wg.Wait()
		if err != nil {
			return cli.Exit(fmt.Sprintf("serve: %v", err), 1)
		}
		return nil
	case <-stop:
	}

	// Graceful stop: inflight handlers finish their record and ack;
	// anything still pending at the deadline is cut off and retried by
	// its agent.
	logger.Info("shutting down", map[string]any{"grace_ms": shutdownGrace.Milliseconds()})
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	timedOut := false
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		server.Stop()
		timedOut = true
	}

	cancel()
	wg.Wait()
	if timedOut {
		return cli.Exit("graceful shutdown timed out", exitShutdownTimeout)
	}
	return nil
}

func buildAdapters(cfg *config.Adapters) ([]adapter.Adapter, error) {
	var out []adapter.Adapter
	if cfg.Webhook.URL != "" {
		retries := webhook.DefaultRetries
		if cfg.Webhook.Retries != nil {
			retries = *cfg.Webhook.Retries
		}
		a, err := webhook.New(webhook.Config{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: cfg.Webhook.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if cfg.Redis.URL != "" {
		retries := redisadapter.DefaultRetries
		if cfg.Redis.Retries != nil {
			retries = *cfg.Redis.Retries
		}
		a, err := redisadapter.New(redisadapter.Config{
			URL:     cfg.Redis.URL,
			Channel: cfg.Redis.Channel,
			Timeout: cfg.Redis.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func statusLoop(ctx context.Context, path string, collector *metrics.Collector, logger *log.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = metrics.WriteStatusFile(path, collector.Snapshot())
			return
		case <-ticker.C:
		}
		if err := metrics.WriteStatusFile(path, collector.Snapshot()); err != nil {
			logger.Warn("status write failed", map[string]any{"error": err.Error()})
		}
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the broker's last status snapshot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Path to broker.yaml",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadBroker(c.String("config"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("config: %v", err), exitConfigError)
			}
			if cfg.StatusPath == "" {
				return cli.Exit("status_path is not configured", exitConfigError)
			}
			sf, err := metrics.ReadStatusFile(cfg.StatusPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("status: %v", err), 1)
			}
			out, err := json.MarshalIndent(sf, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
