// Command qbrokerd runs the durable multi-queue FIFO broker described in
// spec §6: a memcache-compatible TCP listener backed by one boltdb store
// per queue.
//
// Grounded on bootstrap/main.go's component wiring order (logger → metrics
// → tracing → config → stores → server, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/qbroker/qbroker/internal/config"
	"github.com/qbroker/qbroker/internal/conn"
	"github.com/qbroker/qbroker/internal/observability"
	"github.com/qbroker/qbroker/internal/registry"
	"github.com/qbroker/qbroker/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port        = flag.Int("port", 0, "TCP port to listen on (default 22133)")
		data        = flag.String("data", "", "data directory root (default ./data)")
		workers     = flag.Int("workers", 0, "accept-loop worker hint (default 1)")
		debug       = flag.Bool("debug", false, "enable debug logging")
		configPath  = flag.String("config", "", "YAML config file overlaying defaults")
		metricsAddr = flag.String("metrics-addr", "", "address for the /metrics HTTP endpoint (empty disables)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("qbrokerd " + conn.Version)
		return 0
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *data != "" {
		cfg.Data = *data
	}
	if *workers != 0 {
		cfg.Workers = *workers
	}
	if *debug {
		cfg.Debug = true
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "metrics-addr" {
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if !cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log := observability.NewLogger("qbrokerd", conn.Version, os.Stdout)
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdownTracing, err := observability.InitTracing(ctx, "qbrokerd")
	if err != nil {
		log.Warn("tracing disabled: " + err.Error())
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	reg, err := registry.New(cfg.Data)
	if err != nil {
		log.Error(err, "opening queue registry")
		return 1
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error(err, "closing queue registry")
		}
	}()
	metrics.SetQueueCount(len(reg.All()))

	srv := server.New(cfg, reg, metrics, log)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(sigCtx); err != nil {
		log.Error(err, "server exited with error")
		return 1
	}
	log.Info("shutdown complete")
	return 0
}
