// Command meshpeerd runs one mesh RPC peer: it loads configuration (spec
// §6.6), starts the runtime's accept loop, dials every statically
// configured peer, and serves the observability snapshot endpoint until
// signaled to stop.
//
// Adapted from the teacher's cmd/daemon/main.go (flag parsing, JSON
// config overlay, signal-driven shutdown), re-keyed from the VPN daemon
// to the RPC runtime.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/meshrpc/meshrpc/pkg/config"
	"github.com/meshrpc/meshrpc/pkg/observe"
	"github.com/meshrpc/meshrpc/pkg/rtlog"
	"github.com/meshrpc/meshrpc/pkg/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	listenAddr := flag.String("listen", "", "listen address (host), overrides config listen_address")
	listenPort := flag.Int("listen-port", 0, "listen port, overrides config listen_port")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "log format (console, json)")
	observeAddr := flag.String("observe", "", "address for the /stats observability endpoint, overrides config observe_address")
	flag.Parse()

	// Scalar flags (log-level, log-format, listen, listen-port, observe)
	// fall back to the config file's top-level keys when not passed on
	// the command line, via the teacher's original generic JSON-map
	// overlay; the peer list and timeouts, which have no flag
	// equivalent, are read straight into the typed config below.
	if *configPath != "" {
		if raw, err := config.Load(*configPath); err == nil {
			config.ApplyToFlags(raw)
		}
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadRuntimeConfig(*configPath)
		if err != nil {
			log.Fatalf("load runtime config: %v", err)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *observeAddr != "" {
		cfg.ObserveAddr = *observeAddr
	}
	cfg.LogLevel = *logLevel
	cfg.LogEncoding = *logFormat

	logger, err := rtlog.New(rtlog.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	rt, err := runtime.New(logger, cfg)
	if err != nil {
		logger.Fatal("build runtime", zap.Error(err))
	}

	metrics, err := observe.NewMetrics()
	if err != nil {
		logger.Fatal("build metrics", zap.Error(err))
	}
	rt.Handlers(runtime.EventHandlers{
		OnDispatch:  metrics.ObserveDispatch,
		OnLifecycle: metrics.ObserveLifecycle,
	})

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		logger.Fatal("start runtime", zap.Error(err))
	}

	if cfg.ObserveAddr != "" {
		go func() {
			if err := observe.Serve(cfg.ObserveAddr, rt.SnapshotSource()); err != nil {
				logger.Warn("observability endpoint stopped", zap.Error(err))
			}
		}()
	}

	for _, peer := range cfg.Peers {
		peer := peer
		go func() {
			if err := rt.Connect(ctx, peer); err != nil {
				logger.Warn("initial connect failed", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	metrics.Shutdown(ctx)
	rt.Shutdown()
}
