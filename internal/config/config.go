package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned, wrapped, by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvPeers            = "MURMUR_PEERS"
	EnvGatewayAuthToken = "MURMUR_GATEWAY_AUTH_TOKEN"
)

// ServiceConfig declares a service group the local member runs.
type ServiceConfig struct {
	Group       string `yaml:"group"`
	Pkg         string `yaml:"pkg"`
	Port        int    `yaml:"port"`
	Suitability uint64 `yaml:"suitability"`
	// Leader makes the member a candidate in the group's election.
	Leader bool `yaml:"leader"`
	// ConfigFile is gossiped to the group as the service's configuration.
	ConfigFile string `yaml:"config_file"`
}

// Config holds the member configuration.
type Config struct {
	MemberID         string   `yaml:"member_id"`
	ListenSwim       string   `yaml:"listen_swim"`
	ListenGossip     string   `yaml:"listen_gossip"`
	AdvertiseAddress string   `yaml:"advertise_address"`
	Peers            []string `yaml:"peers"`

	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	IndirectChecks int           `yaml:"indirect_checks"`
	SuspicionMult  int           `yaml:"suspicion_mult"`

	GossipFanout     int `yaml:"gossip_fanout"`
	RetransmitMult   int `yaml:"retransmit_mult"`
	MaxRumorsPerTick int `yaml:"max_rumors_per_tick"`
	PushPullTicks    int `yaml:"push_pull_ticks"`
	MaxPacketSize    int `yaml:"max_packet_size"`

	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
	JoinTimeout        time.Duration `yaml:"join_timeout"`

	ListenHTTP       string `yaml:"listen_http"`
	ListenGRPC       string `yaml:"listen_grpc"`
	GatewayAuthToken string `yaml:"gateway_auth_token"`
	RedactHTTP       bool   `yaml:"redact_http"`

	Services []ServiceConfig `yaml:"services"`
}

// Default returns a configuration with every tunable set. The member id is a
// fresh random UUID.
func Default() Config {
	return Config{
		MemberID:           uuid.NewString(),
		ListenSwim:         "0.0.0.0:9638",
		ListenGossip:       "0.0.0.0:9639",
		ProbeInterval:      time.Second,
		ProbeTimeout:       500 * time.Millisecond,
		IndirectChecks:     3,
		SuspicionMult:      4,
		GossipFanout:       3,
		RetransmitMult:     4,
		MaxRumorsPerTick:   64,
		PushPullTicks:      30,
		MaxPacketSize:      1400,
		TombstoneRetention: 24 * time.Hour,
		JoinTimeout:        30 * time.Second,
		ListenHTTP:         "0.0.0.0:9631",
	}
}

// Load reads a yaml file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvPeers); ok {
		peers, err := ParsePeers(v)
		if err != nil {
			return errors.Wrap(err, EnvPeers)
		}
		c.Peers = peers
	}
	if v, ok := os.LookupEnv(EnvGatewayAuthToken); ok {
		c.GatewayAuthToken = v
	}
	return nil
}

// Validate checks the invariants between tunables.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalid, format, args...)
	}
	switch {
	case c.MemberID == "":
		return invalid("member_id must be set")
	case c.ProbeInterval <= 0:
		return invalid("probe_interval must be positive")
	case c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.ProbeInterval:
		return invalid("probe_timeout %s must be positive and below probe_interval %s", c.ProbeTimeout, c.ProbeInterval)
	case c.IndirectChecks < 0:
		return invalid("indirect_checks must not be negative")
	case c.SuspicionMult < 1:
		return invalid("suspicion_mult must be at least 1")
	case c.GossipFanout < 1:
		return invalid("gossip_fanout must be at least 1")
	case c.RetransmitMult < 1:
		return invalid("retransmit_mult must be at least 1")
	case c.MaxRumorsPerTick < 1:
		return invalid("max_rumors_per_tick must be at least 1")
	case c.PushPullTicks < 0:
		return invalid("push_pull_ticks must not be negative")
	case c.MaxPacketSize < 512 || c.MaxPacketSize > 65000:
		return invalid("max_packet_size %d out of range [512, 65000]", c.MaxPacketSize)
	case c.TombstoneRetention < 0:
		return invalid("tombstone_retention must not be negative")
	}
	for _, addr := range []string{c.ListenSwim, c.ListenGossip} {
		if _, err := splitPort(addr); err != nil {
			return invalid("listen address %q: %v", addr, err)
		}
	}
	for _, p := range c.Peers {
		if _, err := splitPort(p); err != nil {
			return invalid("peer %q: %v", p, err)
		}
	}
	seen := make(map[string]bool)
	for _, s := range c.Services {
		if !strings.Contains(s.Group, ".") {
			return invalid("service group %q must look like service.group[@org]", s.Group)
		}
		if seen[s.Group] {
			return invalid("service group %q declared twice", s.Group)
		}
		seen[s.Group] = true
	}
	return nil
}

// SwimPort returns the port of ListenSwim.
func (c *Config) SwimPort() int {
	p, _ := splitPort(c.ListenSwim)
	return p
}

// GossipPort returns the port of ListenGossip.
func (c *Config) GossipPort() int {
	p, _ := splitPort(c.ListenGossip)
	return p
}

// interfaceAddrs is a variable so tests can substitute the host's interfaces.
var interfaceAddrs = net.InterfaceAddrs

// Advertise returns the address peers should use to reach this member. An
// unspecified listen host resolves to the first non-loopback IPv4 address of
// the host, falling back to loopback when there is none.
func (c *Config) Advertise() string {
	if c.AdvertiseAddress != "" {
		return c.AdvertiseAddress
	}
	host, _, err := net.SplitHostPort(c.ListenSwim)
	if err == nil && host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return host
		}
	}
	if ip := hostIP(); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

func hostIP() string {
	addrs, err := interfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || ip.IsLoopback() || !ip.IsGlobalUnicast() {
			continue
		}
		return ip.String()
	}
	return ""
}

// ParsePeers parses a comma-separated list of seed swim addresses in the
// format: "host1:port1,host2:port2"
func ParsePeers(peersStr string) ([]string, error) {
	if peersStr == "" {
		return []string{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := splitPort(part); err != nil {
			return nil, errors.Wrapf(err, "invalid peer %s (expected host:port)", part)
		}
		peers = append(peers, part)
	}

	return peers, nil
}

func splitPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return 0, errors.Errorf("bad port %q", port)
	}
	return p, nil
}
