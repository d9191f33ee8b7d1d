package peers

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/psbcast/internal/config"
	"github.com/danmuck/psbcast/internal/testutil/testlog"
)

func TestFromClusterResolvesAndLooksUp(t *testing.T) {
	testlog.Start(t)
	cfg := config.ClusterConfig{
		Port: 7000,
		Replicas: []config.ReplicaEntry{
			{Name: "alpha", Addr: "127.0.0.1:7001"},
			{Name: "beta", Addr: "127.0.0.1:7002"},
			{Name: "gamma", Addr: "127.0.0.1"},
		},
	}
	d, err := FromCluster(cfg, "beta")
	if err != nil {
		t.Fatalf("from cluster: %v", err)
	}
	if d.LocalID() != 1 || d.Size() != 3 {
		t.Fatalf("local=%d size=%d", d.LocalID(), d.Size())
	}
	addr, ok := d.Addr(2)
	if !ok || addr.String() != "127.0.0.1:7000" {
		t.Fatalf("addr(2)=%v ok=%v", addr, ok)
	}
	id, ok := d.Lookup(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7002})
	if !ok || id != 1 {
		t.Fatalf("lookup=%d ok=%v", id, ok)
	}
	if _, ok := d.Lookup(&net.UDPAddr{IP: net.ParseIP("127.0.0.9"), Port: 7002}); ok {
		t.Fatalf("unexpected lookup hit")
	}
	if _, ok := d.Addr(3); ok {
		t.Fatalf("addr out of range should miss")
	}
	if ids := d.IDs(); len(ids) != 3 || ids[2] != 2 {
		t.Fatalf("ids=%v", ids)
	}
	if d.Name(0) != "alpha" {
		t.Fatalf("name(0)=%q", d.Name(0))
	}
}

func TestFromClusterUnknownLocal(t *testing.T) {
	testlog.Start(t)
	cfg := config.ClusterConfig{Port: 7000, Replicas: []config.ReplicaEntry{{Name: "a", Addr: "127.0.0.1"}}}
	if _, err := FromCluster(cfg, "nobody"); !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("expected ErrUnknownHost, got %v", err)
	}
}

func TestLocalMatchesShortHostname(t *testing.T) {
	testlog.Start(t)
	id, err := findLocal([]string{"n0.example.net", "n1.example.net"}, "n1")
	if err != nil || id != 1 {
		t.Fatalf("id=%d err=%v", id, err)
	}
}

func TestLoadHostsFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hosts")
	body := "# cluster\n127.0.0.1:7101\n\n127.0.0.1:7102\n127.0.0.1:7103\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write hosts: %v", err)
	}
	d, err := LoadHostsFile(path, 7000, "127.0.0.1:7103")
	if err != nil {
		t.Fatalf("load hosts: %v", err)
	}
	if d.Size() != 3 || d.LocalID() != 2 {
		t.Fatalf("size=%d local=%d", d.Size(), d.LocalID())
	}
}

func TestNewValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := New(0, nil, nil); !errors.Is(err, ErrEmptyDirectory) {
		t.Fatalf("expected ErrEmptyDirectory, got %v", err)
	}
	a := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7000}
	if _, err := New(1, []net.Addr{a}, nil); !errors.Is(err, ErrLocalOutOfRange) {
		t.Fatalf("expected ErrLocalOutOfRange, got %v", err)
	}
	if _, err := New(0, []net.Addr{a, a}, nil); !errors.Is(err, ErrDuplicateAddr) {
		t.Fatalf("expected ErrDuplicateAddr, got %v", err)
	}
}
