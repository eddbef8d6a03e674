// Command chainpulse runs the multi-chain IBC packet-flow collector:
// one WebSocket collector goroutine per configured chain, a single
// lifecycle engine and SQLite store shared across all of them, and the
// optional metrics/read-API HTTP servers. Structure follows
// go-server-3/cmd/odin-ws/main.go: load config, build the logger,
// build dependencies, start background servers, wait on a signal
// context, drain.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from the container's cgroup cpu quota on start

	"github.com/chainpulse/chainpulse/internal/api"
	"github.com/chainpulse/chainpulse/internal/auth"
	"github.com/chainpulse/chainpulse/internal/collector"
	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/eventbus"
	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/lifecycle"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/metrics"
	"github.com/chainpulse/chainpulse/internal/storage/sqlite"
)

const drainTimeout = 10 * time.Second

func main() {
	configPath := "chainpulse.toml"
	credentialsPath := "chains.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if len(os.Args) > 2 {
		credentialsPath = os.Args[2]
	}

	cfg, chains, err := config.Load(configPath, credentialsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	if err := run(cfg, chains, logger); err != nil {
		logger.Fatal("chainpulse exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, chains []config.ResolvedChain, logger *zap.Logger) error {
	store, err := sqlite.Open(sqlite.Options{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	registry := metrics.NewRegistry()
	registry.SetChainCount(len(chains))

	if cfg.Metrics.PopulateOnStart {
		if err := registry.PopulateFromStore(context.Background(), store); err != nil {
			logger.Warn("populate metrics from store failed", zap.Error(err))
		}
	}

	var bus *eventbus.Bus
	if cfg.EventBus.Enabled {
		bus, err = eventbus.Connect(eventbus.Config{
			URL:             cfg.EventBus.URL,
			MaxReconnects:   cfg.EventBus.MaxReconnects,
			ReconnectWaitMs: cfg.EventBus.ReconnectWaitMs,
		}, registry, logger.Named("eventbus"))
		if err != nil {
			logger.Warn("eventbus connect failed, continuing without it", zap.Error(err))
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	engine := lifecycle.New(store, registry, publisherOrNil(bus), logger.Named("lifecycle"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var wg sync.WaitGroup

	for _, chain := range chains {
		chain := chain
		sink := &engineSink{engine: engine, registry: registry, logger: logger.Named("sink")}
		c := collector.New(collector.Config{
			ChainID:              chain.ChainID,
			URL:                  chain.URL,
			Version:              chain.Version,
			Username:             chain.Username,
			Password:             chain.Password,
			ReconnectEveryBlocks: chain.ReconnectEveryBlocks,
		}, sink, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("collector stopped", zap.String("chain", chain.ChainID), zap.Error(err))
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go registry.RunHostSampler(ctx, cfg.HostSampleInterval(), logger.Named("host"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveHTTP(ctx, fmt.Sprintf(":%d", cfg.Metrics.Port), registry.Handler(), logger.Named("metrics-http")); err != nil {
				logger.Error("metrics http server error", zap.Error(err))
			}
		}()
	}

	if cfg.API.Enabled {
		var verifier *auth.Verifier
		if cfg.API.RequireAuth {
			verifier = auth.NewVerifier(cfg.API.JWTSecret)
		}
		apiServer := api.New(store, verifier, cfg.StuckThreshold())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveHTTP(ctx, cfg.API.ListenAddr, apiServer.Handler(), logger.Named("api-http")); err != nil {
				logger.Error("read api server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout exceeded, exiting anyway", zap.Duration("timeout", drainTimeout))
	}

	return nil
}

func publisherOrNil(bus *eventbus.Bus) lifecycle.Publisher {
	if bus == nil {
		return nil
	}
	return bus
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// engineSink adapts lifecycle.Engine and the metrics registry to the
// collector.Sink interface each per-chain Collector drives.
type engineSink struct {
	engine   *lifecycle.Engine
	registry *metrics.Registry
	logger   *zap.Logger
}

func (s *engineSink) HandleBlock(ctx context.Context, block ibc.NormalizedBlock) error {
	return s.engine.ProcessBlock(ctx, block)
}

func (s *engineSink) ObserveReconnect(chainID string) { s.registry.ObserveReconnect(chainID) }
func (s *engineSink) ObserveError(chainID string)     { s.registry.ObserveError(chainID) }
