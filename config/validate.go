package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"fastp2p/p2p/peerbook"
)

// Validate rejects values the node cannot run with.
func (c *Config) Validate() error {
	n := c.Node
	if strings.Contains(n.ID, "/") {
		return fmt.Errorf("node: ID must not contain '/'")
	}
	if n.Port < 0 || n.Port > 65535 {
		return fmt.Errorf("node: Port %d out of range", n.Port)
	}
	if n.PublicIP != "" && net.ParseIP(n.PublicIP) == nil {
		return fmt.Errorf("node: PublicIP %q is not an IP address", n.PublicIP)
	}
	if n.MaxConnections < 0 || n.MaxParallelDials < 0 {
		return fmt.Errorf("node: connection limits must not be negative")
	}
	if n.AcceptRate < 0 || n.AcceptRatePerIP < 0 {
		return fmt.Errorf("node: accept rates must not be negative")
	}
	for field, value := range map[string]string{
		"node.IdentifyTimeout":     n.IdentifyTimeout,
		"node.HeartbeatInterval":   n.HeartbeatInterval,
		"node.DialTimeout":         n.DialTimeout,
		"node.RPCTimeout":          n.RPCTimeout,
		"node.DiscoveryInterval":   n.DiscoveryInterval,
		"peerbook.BanTTL":          c.PeerBook.BanTTL,
		"peerbook.CompactInterval": c.PeerBook.CompactInterval,
		"demo.PublishInterval":     c.Demo.PublishInterval,
		"demo.StatsInterval":       c.Demo.StatsInterval,
	} {
		if _, err := parseDuration(field, value); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.PeerBook.Driver) {
	case "", peerbook.DriverMemory:
	case peerbook.DriverLevelDB, peerbook.DriverBolt, peerbook.DriverSQLite, peerbook.DriverPostgres:
		if strings.TrimSpace(c.PeerBook.Path) == "" {
			return fmt.Errorf("peerbook: Path required for driver %q", c.PeerBook.Driver)
		}
	default:
		return fmt.Errorf("peerbook: unknown driver %q", c.PeerBook.Driver)
	}
	if c.PeerBook.MaxBanAttempts < 0 {
		return fmt.Errorf("peerbook: MaxBanAttempts must not be negative")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	if addr := c.Admin.ListenAddress; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("admin: ListenAddress %q: %w", addr, err)
		}
	}
	return nil
}

// parseDuration accepts an empty value as zero.
func parseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}
