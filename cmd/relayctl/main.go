package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/canrelay/internal/admin"
	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/capture"
	"github.com/danmuck/canrelay/internal/config"
	"github.com/danmuck/canrelay/internal/logging"
	"github.com/danmuck/canrelay/internal/relay"
)

func main() {
	configPath := flag.String("config", "cmd/relayctl/config.toml", "relay config file")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.RelayConfig) error {
	b, err := bus.Open(cfg.Bus)
	if err != nil {
		return fmt.Errorf("open bus %s/%s: %w", cfg.Bus.Driver, cfg.Bus.Channel, err)
	}
	defer b.Close()
	log.Info().Str("driver", cfg.Bus.Driver).Str("channel", cfg.Bus.Channel).Msg("bus open")

	var opts []relay.Option
	if dir := strings.TrimSpace(cfg.Capture.Dir); dir != "" {
		frames, err := capture.NewFrameLog(dir, cfg.Capture.Prefix, cfg.Capture.MaxLines)
		if err != nil {
			return err
		}
		defer frames.Close()
		opts = append(opts, relay.WithCapture(frames))
	}
	svc := relay.NewService(cfg.Relay, b, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if strings.TrimSpace(cfg.Admin.ListenAddr) != "" {
		srv := admin.New(cfg.Admin, svc)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	return g.Wait()
}
