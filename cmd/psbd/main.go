package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/psbcast/internal/config"
	"github.com/danmuck/psbcast/internal/gateway"
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/node"
	"github.com/danmuck/psbcast/internal/observability"
	"github.com/danmuck/psbcast/internal/peers"
	"github.com/danmuck/psbcast/internal/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "psbd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("psbd", flag.ContinueOnError)
	configPath := fs.String("config", "", "psbd config file (toml)")
	clusterPath := fs.String("cluster", "", "cluster file, overrides cluster_file")
	hostsPath := fs.String("hosts", "", "plain hosts file, one replica per line")
	local := fs.String("local", "", "name of this replica in the cluster file")
	httpAddr := fs.String("http", "", "client gateway listen address")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logs.ConfigureRuntime()
	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		return err
	}
	if *clusterPath != "" {
		cfg.ClusterFile = *clusterPath
	}
	if *hostsPath != "" {
		cfg.HostsFile = *hostsPath
	}
	if *local != "" {
		cfg.Local = *local
	}
	if *httpAddr != "" {
		cfg.Gateway.Addr = *httpAddr
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.LogLevel != "" && !logs.SetLevel(cfg.LogLevel) {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	observability.InitLogger("psbd")

	dir, err := buildDirectory(cfg)
	if err != nil {
		return err
	}
	self, _ := dir.Addr(dir.LocalID())
	conn, err := transport.ListenUDP(bindAddr(self))
	if err != nil {
		return err
	}
	defer conn.Close()

	svc, err := node.NewService(cfg.Service, conn, dir)
	if err != nil {
		return err
	}
	logs.Infof("psbd replica=%d name=%s n=%d udp=%s http=%s", dir.LocalID(), dir.Name(dir.LocalID()), dir.Size(), conn.LocalAddr(), cfg.Gateway.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- svc.Run(ctx) }()
	go func() { errCh <- gateway.New(svc, cfg.Gateway).Serve(ctx) }()

	var errs []error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	logs.Infof("psbd replica=%d stopped", dir.LocalID())
	return errors.Join(errs...)
}

func buildDirectory(cfg daemonConfig) (*peers.Directory, error) {
	if cfg.HostsFile != "" {
		return peers.LoadHostsFile(cfg.HostsFile, cfg.Port, cfg.Local)
	}
	cluster, err := config.LoadCluster(cfg.ClusterFile)
	if err != nil {
		return nil, err
	}
	return peers.FromCluster(cluster, cfg.Local)
}

// bindAddr listens on every interface at the local replica's port.
func bindAddr(self net.Addr) string {
	_, port, err := net.SplitHostPort(self.String())
	if err != nil || strings.TrimSpace(port) == "" {
		return self.String()
	}
	return ":" + port
}
