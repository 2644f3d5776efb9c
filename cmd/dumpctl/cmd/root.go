// Package cmd implements dumpctl, a relay consumer that prints or records
// the frames it receives.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/canrelay/internal/client"
	"github.com/danmuck/canrelay/internal/logging"
	"github.com/danmuck/canrelay/internal/transport"
)

type options struct {
	addr     string
	format   string
	outDir   string
	count    int
	iface    string
	retries  int
	timeout  time.Duration
	tlsCA    string
	tlsCert  string
	tlsKey   string
	insecure bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "dumpctl",
	Short: "Dumps CAN frames served by a relay",
	Long: `Connects to a CAN relay and writes every received frame as candump
text, CSV or CBOR records, to stdout or into files under --out.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, opts, cmd.OutOrStdout())
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	logging.ConfigureRuntime()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dumpctl: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&opts.addr, "addr", "localhost:8000", "relay address host:port")
	flags.StringVar(&opts.format, "format", formatText, "output format: text|csv|cbor")
	flags.StringVar(&opts.outDir, "out", "", "write into files under this directory instead of stdout")
	flags.IntVar(&opts.count, "count", 0, "stop after this many frames (0 = until the relay closes)")
	flags.StringVar(&opts.iface, "iface", "relay", "interface name used in text output and file names")
	flags.IntVar(&opts.retries, "retries", 0, "connect attempts before giving up (0 = retry forever)")
	flags.DurationVar(&opts.timeout, "read-timeout", 0, "give up when no frame arrives within this duration")
	flags.StringVar(&opts.tlsCA, "tls-ca", "", "CA bundle; enables TLS")
	flags.StringVar(&opts.tlsCert, "tls-cert", "", "client certificate for mutual TLS")
	flags.StringVar(&opts.tlsKey, "tls-key", "", "client key for mutual TLS")
	flags.BoolVar(&opts.insecure, "tls-insecure", false, "enable TLS without verifying the relay certificate")
}

func (o options) clientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.Address = o.addr
	cfg.MaxConnectAttempts = o.retries
	cfg.ReadTimeout = o.timeout
	if o.tlsCA != "" || o.insecure {
		cfg.TLS = transport.TLSConfig{
			Enabled:            true,
			CAFile:             o.tlsCA,
			InsecureSkipVerify: o.insecure,
		}
		if o.tlsCert != "" || o.tlsKey != "" {
			cfg.TLS.Mutual = true
			cfg.TLS.CertFile = o.tlsCert
			cfg.TLS.KeyFile = o.tlsKey
		}
	}
	return cfg
}

func run(ctx context.Context, o options, stdout io.Writer) error {
	if o.count < 0 {
		return fmt.Errorf("--count must not be negative")
	}
	if (o.tlsCert != "" || o.tlsKey != "") && o.tlsCA == "" && !o.insecure {
		return fmt.Errorf("--tls-cert and --tls-key need --tls-ca or --tls-insecure")
	}
	out, err := newSink(o.format, o.outDir, o.iface, stdout)
	if err != nil {
		return err
	}
	defer out.Close()

	c, err := client.New(o.clientConfig())
	if err != nil {
		return err
	}
	stream, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()
	defer stream.Close()

	received := 0
	for o.count == 0 || received < o.count {
		f, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := out.Write(f); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		received++
	}
	log.Info().Str("addr", o.addr).Int("frames", received).Msg("dump finished")
	return nil
}
