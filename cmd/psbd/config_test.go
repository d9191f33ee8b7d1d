package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/psbcast/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "psbd.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadDaemonConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ClusterFile != "cluster.example.toml" {
		t.Fatalf("unexpected cluster file: %q", cfg.ClusterFile)
	}
	if cfg.Local != "replica-b" {
		t.Fatalf("unexpected local: %q", cfg.Local)
	}
	if cfg.Gateway.Addr != "127.0.0.1:8081" || cfg.Gateway.SubmitTimeout != 3*time.Second {
		t.Fatalf("unexpected gateway: %+v", cfg.Gateway)
	}
	if len(cfg.Gateway.CORSOrigins) != 1 || cfg.Gateway.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.Gateway.CORSOrigins)
	}
	if cfg.Service.ReceiveTimeout != 20*time.Millisecond {
		t.Fatalf("unexpected receive timeout: %v", cfg.Service.ReceiveTimeout)
	}
	if cfg.Service.Replica.ProgressTimeout != 5*time.Second || cfg.Service.Replica.MaxProgressTimeout != 80*time.Second {
		t.Fatalf("unexpected progress timeouts: %+v", cfg.Service.Replica)
	}
	if cfg.Service.Replica.PrepareInterval != 50*time.Millisecond {
		t.Fatalf("unexpected prepare interval: %v", cfg.Service.Replica.PrepareInterval)
	}
	if cfg.Service.Transport.Backoff.InitialDelay != time.Second || cfg.Service.Transport.MaxOutstanding != 4096 {
		t.Fatalf("unexpected transport: %+v", cfg.Service.Transport)
	}

	dir, err := buildDirectory(cfg)
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	if dir.LocalID() != 1 || dir.Size() != 3 {
		t.Fatalf("local=%d size=%d", dir.LocalID(), dir.Size())
	}
	self, _ := dir.Addr(dir.LocalID())
	if got := bindAddr(self); got != ":7001" {
		t.Fatalf("bind addr=%q", got)
	}
}

func TestLoadDaemonConfigEmptyPathUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadDaemonConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := defaultDaemonConfig()
	if cfg.ClusterFile != def.ClusterFile || cfg.Service.ReceiveTimeout != def.Service.ReceiveTimeout {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadDaemonConfigResolvesRelativeFiles(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
cluster_file = "nodes.toml"
hosts_file = "/etc/psb/hosts"
`)
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ClusterFile != filepath.Join(filepath.Dir(path), "nodes.toml") {
		t.Fatalf("unexpected cluster file: %q", cfg.ClusterFile)
	}
	if cfg.HostsFile != "/etc/psb/hosts" {
		t.Fatalf("unexpected hosts file: %q", cfg.HostsFile)
	}
}

func TestLoadDaemonConfigSelfAccept(t *testing.T) {
	testlog.Start(t)
	if cfg, err := loadDaemonConfig("ex.config.toml"); err != nil || cfg.Service.Replica.SelfAccept {
		t.Fatalf("example config self_accept=%v err=%v", cfg.Service.Replica.SelfAccept, err)
	}
	cfg, err := loadDaemonConfig(writeConfig(t, "self_accept = true\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Service.Replica.SelfAccept {
		t.Fatalf("self_accept not applied")
	}
}

func TestLoadDaemonConfigBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `progress_timeout = "soon"`)
	if _, err := loadDaemonConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadDaemonConfigUnknownKey(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `heartbeat = "1s"`)
	if _, err := loadDaemonConfig(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestBuildDirectoryFromHostsFile(t *testing.T) {
	testlog.Start(t)
	hosts := filepath.Join(t.TempDir(), "hosts")
	content := "127.0.0.1:7100\n# spare\n\n127.0.0.1:7101\n"
	if err := os.WriteFile(hosts, []byte(content), 0o644); err != nil {
		t.Fatalf("write hosts: %v", err)
	}
	cfg := defaultDaemonConfig()
	cfg.HostsFile = hosts
	cfg.Local = "127.0.0.1:7101"

	dir, err := buildDirectory(cfg)
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	if dir.LocalID() != 1 || dir.Size() != 2 {
		t.Fatalf("local=%d size=%d", dir.LocalID(), dir.Size())
	}
}

func TestBindAddrWithoutPort(t *testing.T) {
	if got := bindAddr(&net.UnixAddr{Name: "sock", Net: "unixgram"}); got != "sock" {
		t.Fatalf("bind addr=%q", got)
	}
}
