package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/canrelay/internal/admin"
	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/config"
	"github.com/danmuck/canrelay/internal/generator"
	"github.com/danmuck/canrelay/internal/logging"
)

func main() {
	configPath := flag.String("config", "cmd/genctl/config.toml", "generator config file")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.LoadGenConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "genctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "genctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.GenConfig) error {
	b, err := bus.Open(cfg.Bus)
	if err != nil {
		return fmt.Errorf("open bus %s/%s: %w", cfg.Bus.Driver, cfg.Bus.Channel, err)
	}
	defer b.Close()

	gen := generator.New(cfg.Generator)
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	g.Go(func() error {
		// a finished run (Count reached) stops the admin endpoint too
		defer cancelRun()
		return gen.Run(runCtx, b)
	})
	if strings.TrimSpace(cfg.Admin.ListenAddr) != "" {
		srv := admin.New(cfg.Admin, nil)
		g.Go(func() error {
			return srv.Run(runCtx)
		})
	}
	return g.Wait()
}
