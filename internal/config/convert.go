package config

import (
	"fmt"

	"github.com/danmuck/canrelay/internal/relay"
)

// relayFileFrom is the inverse of LoadRelayConfig: the file that, loaded,
// yields cfg.
func relayFileFrom(cfg RelayConfig) relayFile {
	mode := cfg.Relay.Mode
	if mode == "" {
		mode = relay.ModeShared
	}
	return relayFile{
		ListenAddr:      cfg.Relay.ListenAddr,
		Backlog:         cfg.Relay.Backlog,
		ReceiveTimeout:  cfg.Relay.ReceiveTimeout.String(),
		WriteTimeout:    cfg.Relay.WriteTimeout.String(),
		Mode:            string(mode),
		QueueDepth:      cfg.Relay.QueueDepth,
		TLSEnabled:      cfg.Relay.TLS.Enabled,
		TLSMutual:       cfg.Relay.TLS.Mutual,
		TLSCertFile:     cfg.Relay.TLS.CertFile,
		TLSKeyFile:      cfg.Relay.TLS.KeyFile,
		TLSCAFile:       cfg.Relay.TLS.CAFile,
		BusDriver:       cfg.Bus.Driver,
		BusChannel:      cfg.Bus.Channel,
		BusLoop:         cfg.Bus.Loop,
		BusPace:         cfg.Bus.Pace,
		BusLoopback:     cfg.Bus.Loopback,
		AdminAddr:       cfg.Admin.ListenAddr,
		NodeID:          cfg.Admin.NodeID,
		CORSOrigins:     append([]string{}, cfg.Admin.CORSOrigins...),
		CaptureDir:      cfg.Capture.Dir,
		CapturePrefix:   cfg.Capture.Prefix,
		CaptureMaxLines: cfg.Capture.MaxLines,
	}
}

func genFileFrom(cfg GenConfig) genFile {
	return genFile{
		ArbitrationID: fmt.Sprintf("0x%X", cfg.Generator.ArbitrationID),
		Interval:      cfg.Generator.Interval.String(),
		SendTimeout:   cfg.Generator.SendTimeout.String(),
		Count:         cfg.Generator.Count,
		BusDriver:     cfg.Bus.Driver,
		BusChannel:    cfg.Bus.Channel,
		BusLoopback:   cfg.Bus.Loopback,
		AdminAddr:     cfg.Admin.ListenAddr,
		NodeID:        cfg.Admin.NodeID,
		CORSOrigins:   append([]string{}, cfg.Admin.CORSOrigins...),
	}
}
