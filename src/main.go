package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Abhi270303/RugLens/src/api"
	"github.com/Abhi270303/RugLens/src/chain"
	"github.com/Abhi270303/RugLens/src/config"
	"github.com/Abhi270303/RugLens/src/detection"
	"github.com/Abhi270303/RugLens/src/logging"
	"github.com/Abhi270303/RugLens/src/metrics"
	"github.com/Abhi270303/RugLens/src/watch"
)

// exitDetected is returned by scan --fail-on-detect when indicators are found.
const exitDetected = 2

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file (JSON or YAML)",
		EnvVars: []string{"RUGLENS_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Override the configured log level (trace, debug, info, warn, error, crit)",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ruglens",
		Usage: "detect rugpull indicators in contract bytecode and transaction traces",
		Flags: []cli.Flag{configFlag, logLevelFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the detection API",
				Action: runServe,
			},
			{
				Name:  "scan",
				Usage: "Run a single detection and print the verdict",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "bytecode", Usage: "Runtime bytecode as hex"},
					&cli.StringFlag{Name: "address", Usage: "Contract address; bytecode is fetched when not given"},
					&cli.StringFlag{Name: "hash", Usage: "Transaction hash; its trace is fetched when fetch.traces is on"},
					&cli.Int64Flag{Name: "chain-id", Usage: "Chain id echoed in the request"},
					&cli.StringFlag{Name: "protocol", Usage: "Protocol name echoed in the request"},
					&cli.StringFlag{Name: "trace-file", Usage: "File holding debug_traceTransaction callTracer output"},
					&cli.BoolFlag{Name: "json", Usage: "Print the full result as JSON"},
					&cli.BoolFlag{Name: "fail-on-detect", Usage: fmt.Sprintf("Exit with status %d when indicators are found", exitDetected)},
				},
				Action: runScan,
			},
			{
				Name:   "watch",
				Usage:  "Follow new blocks and record flagged contract deployments",
				Action: runWatch,
			},
			{
				Name:   "check-config",
				Usage:  "Validate the configuration file and exit",
				Action: runCheckConfig,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if lvl := c.String(logLevelFlag.Name); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the config and installs the logger. The returned closer
// flushes the log file.
func setup(c *cli.Context) (*config.Config, io.Closer, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	closer, err := logging.Setup(logging.Options{
		File:   cfg.Log,
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

func newRegistry() (*prometheus.Registry, *metrics.DetectorMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewDetectorMetrics()
	m.Register(reg)
	return reg, m
}

func newFetcher(cfg *config.Config, m *metrics.DetectorMetrics) (*chain.Fetcher, *chain.Session, error) {
	session := chain.NewSession(chain.NewEndpoints(cfg.RPCURLs(), chain.Dial, m))
	fetcher, err := chain.NewFetcher(session, chain.FetcherOptions{
		RateLimit: cfg.Fetch.RateLimit,
		Burst:     cfg.Fetch.Burst,
		CacheSize: cfg.Fetch.CacheSize,
		Timeout:   cfg.FetchTimeout(),
		Traces:    cfg.Fetch.Traces,
		Metrics:   m,
	})
	if err != nil {
		return nil, nil, err
	}
	return fetcher, session, nil
}

// reloader rebuilds the engine from a reloaded config and hands it to apply.
func reloader(apply func(*detection.Engine)) func(*config.Config) {
	return func(cfg *config.Config) {
		catalog, err := cfg.Catalog()
		if err != nil {
			log.Warn("Ignoring reloaded catalog", "err", err)
			return
		}
		apply(detection.New(catalog))
		log.Info("Signature catalog reloaded", "signatures", catalog.Len())
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info("Shutdown signal received, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runServe(c *cli.Context) error {
	cfg, closer, err := setup(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	reg, m := newRegistry()
	opts := api.Options{
		Engine:      detection.New(catalog),
		Metrics:     m,
		Gatherer:    reg,
		CORSOrigins: cfg.CORSOrigins,
	}
	if err := config.RequireRPC(cfg); err == nil {
		fetcher, session, err := newFetcher(cfg, m)
		if err != nil {
			return err
		}
		defer session.Close()
		opts.Enricher = fetcher
	} else {
		log.Warn("No RPC configured, requests must carry their own bytecode and trace", "reason", err)
	}
	srv := api.NewServer(opts)

	ctx, cancel := signalContext(c.Context)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Listen) })
	if path := c.String(configFlag.Name); path != "" {
		g.Go(func() error { return config.Watch(ctx, path, reloader(srv.SetEngine)) })
	}
	err = g.Wait()
	log.Info("Graceful shutdown complete")
	return err
}

func runWatch(c *cli.Context) error {
	cfg, closer, err := setup(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := config.RequireRPC(cfg); err != nil {
		return err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	outFile, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer func() {
		if err := outFile.Close(); err != nil {
			log.Error("Error closing output file", "err", err)
		}
	}()

	reg, m := newRegistry()
	w := watch.New(watch.Options{
		Endpoints:   chain.NewEndpoints(cfg.RPCURLs(), chain.Dial, m),
		Engine:      detection.New(catalog),
		Out:         outFile,
		Concurrency: cfg.Concurrency,
		Traces:      cfg.Fetch.Traces,
		Metrics:     m,
	})

	ctx, cancel := signalContext(c.Context)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveMetrics(ctx, cfg.Metrics, reg) })
	g.Go(func() error { return w.Run(ctx) })
	if path := c.String(configFlag.Name); path != "" {
		g.Go(func() error { return config.Watch(ctx, path, reloader(w.SetEngine)) })
	}

	log.Info("Watcher starting", "rpcs", len(cfg.RPCURLs()), "output", cfg.Output)
	err = g.Wait()
	log.Info("Graceful shutdown complete")
	return err
}

func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runScan(c *cli.Context) error {
	cfg, closer, err := setup(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	req := &detection.DetectionRequest{
		ChainID:      c.Int64("chain-id"),
		Hash:         c.String("hash"),
		ProtocolName: c.String("protocol"),
		Address:      c.String("address"),
		Bytecode:     c.String("bytecode"),
	}
	if path := c.String("trace-file"); path != "" {
		if req.Trace, err = readTrace(path); err != nil {
			return err
		}
	}

	if needsFetch(cfg, req) {
		if err := config.RequireRPC(cfg); err != nil {
			return err
		}
		fetcher, session, err := newFetcher(cfg, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(c.Context, 2*cfg.FetchTimeout())
		defer cancel()
		if req, err = fetcher.Enrich(ctx, req); err != nil {
			return err
		}
	}

	res := detection.New(catalog).Detect(req)
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(c.App.Writer, res.Message)
	}

	if res.Detected && c.Bool("fail-on-detect") {
		return cli.Exit("", exitDetected)
	}
	return nil
}

// needsFetch reports whether req names chain data it does not carry. It
// follows the same rules as chain.Fetcher.Enrich.
func needsFetch(cfg *config.Config, req *detection.DetectionRequest) bool {
	if detection.NormalizeBytecode(req.Bytecode) == "" && common.IsHexAddress(strings.TrimSpace(req.Address)) {
		return true
	}
	return req.Trace == nil && cfg.Fetch.Traces && chain.IsTxHash(req.Hash)
}

// readTrace loads callTracer output and flattens it for the engine.
func readTrace(path string) (*detection.Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trace open error: %w", err)
	}
	var frame chain.CallFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("trace decode error: %w", err)
	}
	return chain.Flatten(&frame), nil
}

func runCheckConfig(c *cli.Context) error {
	path := c.String(configFlag.Name)
	if path == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Configuration OK (%d RPC endpoint(s), %d signature(s))\n", len(cfg.RPCURLs()), catalog.Len())
	return nil
}
