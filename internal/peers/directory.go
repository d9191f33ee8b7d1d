// Package peers maps replica ids to datagram addresses and back.
//
// Ids are positional: the i-th host listed in the cluster (or hosts) file is
// replica i. The local replica is found by explicit name or, failing that, by
// the machine hostname.
package peers

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/psbcast/internal/config"
	logs "github.com/danmuck/psbcast/internal/logging"
)

var (
	ErrUnknownHost     = errors.New("peers: unknown host")
	ErrEmptyDirectory  = errors.New("peers: empty directory")
	ErrDuplicateAddr   = errors.New("peers: duplicate address")
	ErrLocalOutOfRange = errors.New("peers: local id out of range")
)

// Directory is immutable after construction and safe for concurrent reads.
type Directory struct {
	local  uint32
	names  []string
	addrs  []net.Addr
	byAddr map[string]uint32
}

// New builds a directory over already-resolved addresses. names may be nil.
func New(local uint32, addrs []net.Addr, names []string) (*Directory, error) {
	if len(addrs) == 0 {
		return nil, ErrEmptyDirectory
	}
	if int(local) >= len(addrs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrLocalOutOfRange, local, len(addrs))
	}
	d := &Directory{
		local:  local,
		names:  make([]string, len(addrs)),
		addrs:  append([]net.Addr(nil), addrs...),
		byAddr: make(map[string]uint32, len(addrs)),
	}
	for i, addr := range addrs {
		key := addrKey(addr)
		if prev, dup := d.byAddr[key]; dup {
			return nil, fmt.Errorf("%w: %s for replicas %d and %d", ErrDuplicateAddr, key, prev, i)
		}
		d.byAddr[key] = uint32(i)
		if i < len(names) {
			d.names[i] = names[i]
		} else {
			d.names[i] = key
		}
	}
	return d, nil
}

// FromCluster resolves every replica of cfg. localName overrides cfg.Local;
// when both are empty the machine hostname picks the local replica.
func FromCluster(cfg config.ClusterConfig, localName string) (*Directory, error) {
	if len(cfg.Replicas) == 0 {
		return nil, ErrEmptyDirectory
	}
	names := make([]string, len(cfg.Replicas))
	addrs := make([]net.Addr, len(cfg.Replicas))
	for i, entry := range cfg.Replicas {
		names[i] = strings.TrimSpace(entry.Name)
		hostport := cfg.ReplicaAddr(entry)
		addr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return nil, fmt.Errorf("%w: replica %d (%s): %v", ErrUnknownHost, i, hostport, err)
		}
		addrs[i] = addr
	}
	if strings.TrimSpace(localName) == "" {
		localName = cfg.Local
	}
	local, err := findLocal(names, localName)
	if err != nil {
		return nil, err
	}
	return New(local, addrs, names)
}

// LoadHostsFile reads one hostname (or host:port) per line. Blank lines and
// lines starting with '#' are skipped without consuming an id.
func LoadHostsFile(path string, port int, localName string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hosts file open failed (%s): %w", path, err)
	}
	defer f.Close()

	cfg := config.ClusterConfig{Port: port}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg.Replicas = append(cfg.Replicas, config.ReplicaEntry{Name: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hosts file read failed (%s): %w", path, err)
	}
	return FromCluster(cfg, localName)
}

func findLocal(names []string, want string) (uint32, error) {
	want = strings.TrimSpace(want)
	if want == "" {
		host, err := os.Hostname()
		if err != nil {
			return 0, fmt.Errorf("%w: hostname: %v", ErrUnknownHost, err)
		}
		want = host
		logs.Debugf("peers.findLocal hostname=%s", host)
	}
	for i, name := range names {
		if name == want {
			return uint32(i), nil
		}
	}
	short := shortName(want)
	for i, name := range names {
		if shortName(name) == short {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: local %q not listed", ErrUnknownHost, want)
}

func shortName(name string) string {
	if host, _, err := net.SplitHostPort(name); err == nil {
		name = host
	}
	if net.ParseIP(name) != nil {
		return name
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

func addrKey(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return net.JoinHostPort(udp.IP.String(), strconv.Itoa(udp.Port))
	}
	return addr.String()
}

func (d *Directory) Addr(id uint32) (net.Addr, bool) {
	if int(id) >= len(d.addrs) {
		return nil, false
	}
	return d.addrs[id], true
}

func (d *Directory) Lookup(addr net.Addr) (uint32, bool) {
	if addr == nil {
		return 0, false
	}
	id, ok := d.byAddr[addrKey(addr)]
	return id, ok
}

func (d *Directory) IDs() []uint32 {
	out := make([]uint32, len(d.addrs))
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}

func (d *Directory) LocalID() uint32 { return d.local }

func (d *Directory) Size() int { return len(d.addrs) }

func (d *Directory) Name(id uint32) string {
	if int(id) >= len(d.names) {
		return ""
	}
	return d.names[id]
}
