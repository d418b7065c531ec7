// Package main provides the bastion-agent entrypoint.
//
// Usage:
//
//	bastion-agent run --config agent.yaml
//	bastion-agent status --config agent.yaml
//
// Exit codes:
//   - 0: success
//   - 2: config error
//   - 3: TLS / signing key load failure
//   - 4: unrecoverable WAL corruption
//   - 5: graceful-shutdown timeout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/bastion/bus"
	"github.com/pithecene-io/bastion/collector"
	"github.com/pithecene-io/bastion/config"
	"github.com/pithecene-io/bastion/log"
	"github.com/pithecene-io/bastion/metrics"
	"github.com/pithecene-io/bastion/publisher"
	"github.com/pithecene-io/bastion/trust"
	"github.com/pithecene-io/bastion/wal"
)

const (
	exitSuccess         = 0
	exitConfigError     = 2
	exitTrustFailure    = 3
	exitStorageCorrupt  = 4
	exitShutdownTimeout = 5
)

// drainGrace bounds how long shutdown waits for the publisher to
// finish its current entry. The WAL guarantees no loss either way.
const drainGrace = 10 * time.Second

func main() {
	app := &cli.App{
		Name:    "bastion-agent",
		Usage:   "Telemetry agent - collects, signs, and publishes envelopes",
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
		Usage: "Run the agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Path to agent.yaml",
				Required: true,
			},
		},
		Action: runAgent,
	}
}

func runAgent(c *cli.Context) error {
	cfg, err := config.LoadAgent(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitConfigError)
	}

	logger := log.NewLogger(cfg.DeviceID, "agent")
	mcollector := metrics.NewCollector(cfg.DeviceID, "agent")

	signer, err := trust.LoadSigner(cfg.SigningKey)
	if err != nil {
		return cli.Exit(fmt.Sprintf("signing key: %v", err), exitTrustFailure)
	}

	tlsCfg, err := bus.ClientTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, cfg.ServerName)
	if err != nil {
		return cli.Exit(fmt.Sprintf("tls: %v", err), exitTrustFailure)
	}

	w, err := wal.Open(cfg.WAL.Path, wal.Options{
		MaxBytes:              cfg.WAL.MaxBytes,
		CompactThresholdBytes: cfg.WAL.CompactBytes,
	})
	if err != nil {
		if errors.Is(err, wal.ErrCorrupt) {
			return cli.Exit(fmt.Sprintf("wal: %v", err), exitStorageCorrupt)
		}
		return cli.Exit(fmt.Sprintf("wal: %v", err), 1)
	}
	defer w.Close()

	client, err := bus.Dial(cfg.BrokerAddr, tlsCfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("dial: %v", err), 1)
	}
	defer client.Close()

	sources, err := buildSources(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("sources: %v", err), exitConfigError)
	}
	sched, err := collector.NewScheduler(cfg.DeviceID, signer, w, sources, logger, mcollector)
	if err != nil {
		return cli.Exit(fmt.Sprintf("scheduler: %v", err), exitConfigError)
	}

	pubCfg := publisher.DefaultConfig()
	if cfg.Publisher.MaxBatch > 0 {
		pubCfg.MaxBatch = cfg.Publisher.MaxBatch
	}
	if cfg.Publisher.Retry.MinMS > 0 {
		pubCfg.MinBackoff = time.Duration(cfg.Publisher.Retry.MinMS) * time.Millisecond
	}
	if cfg.Publisher.Retry.MaxMS > 0 {
		pubCfg.MaxBackoff = time.Duration(cfg.Publisher.Retry.MaxMS) * time.Millisecond
	}
	if cfg.Publisher.Retry.CircuitThreshold > 0 {
		pubCfg.CircuitThreshold = cfg.Publisher.Retry.CircuitThreshold
	}
	pub := publisher.New(pubCfg, w, client, logger, mcollector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("publisher stopped", map[string]any{"error": err.Error()})
		}
	}()

	if cfg.StatusPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statusLoop(ctx, cfg.StatusPath, mcollector, logger)
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down", map[string]any{
		"backlog":  w.BacklogCount(),
		"grace_ms": drainGrace.Milliseconds(),
	})
	cancel()
	wg.Wait()

	select {
	case <-pubDone:
		return nil
	case <-time.After(drainGrace):
		// The in-flight entry stays INFLIGHT; recovery reverts it to
		// PENDING and the broker dedups the replay.
		return cli.Exit("publisher did not drain in time", exitShutdownTimeout)
	}
}

func buildSources(cfg *config.AgentConfig) ([]collector.SourceConfig, error) {
	defaultPolicy := collector.OverflowPolicy(cfg.WAL.OverflowPolicy)
	if defaultPolicy == "" {
		defaultPolicy = collector.OverflowDropLow
	}

	out := make([]collector.SourceConfig, 0, len(cfg.Scheduler.Sources))
	for _, src := range cfg.Scheduler.Sources {
		var impl collector.Source
		switch src.Name {
		case "host_metrics":
			impl = collector.NewHostMetricsSource()
		case "auth_log":
			impl = collector.NewAuthLogSource(src.Path)
		default:
			return nil, fmt.Errorf("unknown source %q", src.Name)
		}
		policy := defaultPolicy
		if src.OverflowPolicy != "" {
			policy = collector.OverflowPolicy(src.OverflowPolicy)
		}
		out = append(out, collector.SourceConfig{
			Source:   impl,
			Interval: time.Duration(src.IntervalMS) * time.Millisecond,
			Timeout:  time.Duration(src.TimeoutMS) * time.Millisecond,
			Policy:   policy,
		})
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
		Usage: "Print the agent's last status snapshot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Path to agent.yaml",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadAgent(c.String("config"))
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
