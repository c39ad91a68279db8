// pool-dance - getwork mining pool server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/logging"
	"github.com/pooldance/pool-dance/internal/orchestrator"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	confPath := flag.String("conf", "/etc/pool-dance/pool-dance.conf", "Path to configuration file")
	flag.Bool("D", false, "Run as a daemon (handled by the process supervisor, not this binary)")
	flag.Bool("daemonize", false, "Alias of -D")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pool-dance v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build orchestrator: %v\n", err)
		os.Exit(1)
	}

	logging.Infof("pool-dance v%s starting", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		logging.Fatalf("failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := o.Stop(shutdownCtx); err != nil {
		logging.Warnf("shutdown error: %v", err)
	}

	logging.Info("pool-dance stopped")
}
