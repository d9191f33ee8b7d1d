package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultPort = 7000
	minPort     = 1024
	maxPort     = 65535
)

// ClusterConfig lists the fixed replica set. Replica ids are the entry
// indexes, so every replica must load the same file in the same order.
type ClusterConfig struct {
	Port     int            `toml:"port"`
	Local    string         `toml:"local"`
	Replicas []ReplicaEntry `toml:"replicas"`
}

// ReplicaEntry names one replica. Addr may be empty (name:port is used), a
// bare host, or host:port.
type ReplicaEntry struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

func LoadCluster(path string) (ClusterConfig, error) {
	var cfg ClusterConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClusterConfig{}, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if err := ValidateCluster(cfg); err != nil {
		return ClusterConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateCluster(cfg ClusterConfig) error {
	if cfg.Port < minPort || cfg.Port > maxPort {
		return fmt.Errorf("cluster config port %d outside %d-%d", cfg.Port, minPort, maxPort)
	}
	if len(cfg.Replicas) == 0 {
		return fmt.Errorf("cluster config has no replicas")
	}
	seen := make(map[string]int, len(cfg.Replicas))
	for i, entry := range cfg.Replicas {
		if err := ValidateReplicaEntry(entry); err != nil {
			return fmt.Errorf("replica[%d] invalid: %w", i, err)
		}
		name := strings.TrimSpace(entry.Name)
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("replica[%d] duplicates name %q of replica[%d]", i, name, prev)
		}
		seen[name] = i
	}
	if local := strings.TrimSpace(cfg.Local); local != "" {
		if _, ok := seen[local]; !ok {
			return fmt.Errorf("local replica %q not in cluster", local)
		}
	}
	return nil
}

func ValidateReplicaEntry(entry ReplicaEntry) error {
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("name is required")
	}
	addr := strings.TrimSpace(entry.Addr)
	if addr == "" || !strings.Contains(addr, ":") {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("addr %q: %w", addr, err)
	}
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("host required in addr %q", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < minPort || n > maxPort {
		return fmt.Errorf("addr %q port outside %d-%d", addr, minPort, maxPort)
	}
	return nil
}

// ReplicaAddr returns the host:port for entry under cfg's default port.
func (cfg ClusterConfig) ReplicaAddr(entry ReplicaEntry) string {
	addr := strings.TrimSpace(entry.Addr)
	if addr == "" {
		addr = strings.TrimSpace(entry.Name)
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
