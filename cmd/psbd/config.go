package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/psbcast/internal/config"
	"github.com/danmuck/psbcast/internal/gateway"
	"github.com/danmuck/psbcast/internal/node"
)

type fileConfig struct {
	ClusterFile          string   `toml:"cluster_file"`
	HostsFile            string   `toml:"hosts_file"`
	Port                 int      `toml:"port"`
	Local                string   `toml:"local"`
	HTTPAddr             string   `toml:"http_addr"`
	CORSOrigins          []string `toml:"cors_origins"`
	SubmitTimeout        string   `toml:"submit_timeout"`
	SubmitToken          string   `toml:"submit_token"`
	ReceiveTimeout       string   `toml:"receive_timeout"`
	MaxBatch             int      `toml:"max_batch"`
	ProgressTimeout      string   `toml:"progress_timeout"`
	MaxProgressTimeout   string   `toml:"max_progress_timeout"`
	UpdateRetry          string   `toml:"update_retry"`
	VCProofInterval      string   `toml:"vc_proof_interval"`
	PrepareInterval      string   `toml:"prepare_interval"`
	ProposalInterval     string   `toml:"proposal_interval"`
	SelfAccept           bool     `toml:"self_accept"`
	RetransmitInterval   string   `toml:"retransmit_interval"`
	RetransmitMultiplier float64  `toml:"retransmit_multiplier"`
	RetransmitMax        string   `toml:"retransmit_max"`
	RetransmitJitter     bool     `toml:"retransmit_jitter"`
	MaxOutstanding       int      `toml:"max_outstanding"`
	LogLevel             string   `toml:"log_level"`
}

// daemonConfig is everything psbd needs before it opens a socket.
type daemonConfig struct {
	ClusterFile string
	HostsFile   string
	Port        int
	Local       string
	LogLevel    string
	Service     node.ServiceConfig
	Gateway     gateway.Config
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		ClusterFile: "cluster.toml",
		Port:        config.DefaultPort,
		Service:     node.DefaultServiceConfig(),
		Gateway:     gateway.DefaultConfig(),
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load psbd config: %w", err)
	}

	if meta.IsDefined("cluster_file") {
		cfg.ClusterFile = relativeTo(path, raw.ClusterFile)
	}
	if meta.IsDefined("hosts_file") {
		cfg.HostsFile = relativeTo(path, raw.HostsFile)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("local") {
		cfg.Local = strings.TrimSpace(raw.Local)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("http_addr") {
		cfg.Gateway.Addr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Gateway.CORSOrigins = normalizeOrigins(raw.CORSOrigins)
	}
	if meta.IsDefined("submit_token") {
		cfg.Gateway.SubmitToken = strings.TrimSpace(raw.SubmitToken)
	}
	if meta.IsDefined("max_batch") {
		cfg.Service.MaxBatch = raw.MaxBatch
	}
	if meta.IsDefined("self_accept") {
		cfg.Service.Replica.SelfAccept = raw.SelfAccept
	}
	if meta.IsDefined("max_outstanding") {
		cfg.Service.Transport.MaxOutstanding = raw.MaxOutstanding
	}
	if meta.IsDefined("retransmit_multiplier") {
		cfg.Service.Transport.Backoff.Multiplier = raw.RetransmitMultiplier
	}
	if meta.IsDefined("retransmit_jitter") {
		cfg.Service.Transport.Backoff.Jitter = raw.RetransmitJitter
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"submit_timeout", raw.SubmitTimeout, &cfg.Gateway.SubmitTimeout},
		{"receive_timeout", raw.ReceiveTimeout, &cfg.Service.ReceiveTimeout},
		{"progress_timeout", raw.ProgressTimeout, &cfg.Service.Replica.ProgressTimeout},
		{"max_progress_timeout", raw.MaxProgressTimeout, &cfg.Service.Replica.MaxProgressTimeout},
		{"update_retry", raw.UpdateRetry, &cfg.Service.Replica.UpdateRetry},
		{"vc_proof_interval", raw.VCProofInterval, &cfg.Service.Replica.VCProofInterval},
		{"prepare_interval", raw.PrepareInterval, &cfg.Service.Replica.PrepareInterval},
		{"proposal_interval", raw.ProposalInterval, &cfg.Service.Replica.ProposalInterval},
		{"retransmit_interval", raw.RetransmitInterval, &cfg.Service.Transport.Backoff.InitialDelay},
		{"retransmit_max", raw.RetransmitMax, &cfg.Service.Transport.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load psbd config: unknown key %q", undecoded[0].String())
	}
	return cfg, nil
}

// relativeTo resolves a file named in the config against the config's
// directory.
func relativeTo(configPath, name string) string {
	name = strings.TrimSpace(name)
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(filepath.Dir(configPath), name)
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}
