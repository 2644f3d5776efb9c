package transport

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/canrelay/internal/testutil/testlog"
	"github.com/danmuck/canrelay/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 4; attempt++ {
		base := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got > base*3/2 {
			t.Fatalf("attempt=%d jitter out of range: %v (base %v)", attempt, got, base)
		}
	}
}

func TestValidateServerRequiresKeyPair(t *testing.T) {
	testlog.Start(t)
	cfg := TLSConfig{Enabled: true}
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.CertFile = "/tmp/server.crt"
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.KeyFile = "/tmp/server.key"
	cfg.Mutual = true
	if err := cfg.ValidateServer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	if err := (TLSConfig{Mutual: true}).ValidateServer(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

func TestValidateClientMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := TLSConfig{Enabled: true, Mutual: true}
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cfg.InsecureSkipVerify = true
	if err := cfg.ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestBuildTLSConfigs(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	certFile, keyFile := ca.IssueServer(t, dir, "relay")
	clientCert, clientKey := ca.IssueClient(t, dir, "consumer.a")

	srv, err := TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: certFile,
		KeyFile:  keyFile,
		CAFile:   ca.CAFile(),
	}.ServerConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if srv.ClientCAs == nil || len(srv.Certificates) != 1 {
		t.Fatalf("unexpected server config: %+v", srv)
	}

	cli, err := TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: clientCert,
		KeyFile:  clientKey,
		CAFile:   ca.CAFile(),
	}.ClientConfig("127.0.0.1:8000")
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cli.ServerName != "127.0.0.1" || cli.RootCAs == nil || len(cli.Certificates) != 1 {
		t.Fatalf("unexpected client config: %+v", cli)
	}
}
