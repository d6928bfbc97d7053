package config

import (
	"time"

	"fastp2p/observability/logging"
	"fastp2p/observability/otel"
	"fastp2p/p2p"
	"fastp2p/p2p/discovery"
	"fastp2p/p2p/gossip"
	"fastp2p/p2p/peerbook"
	"fastp2p/p2p/rpc"
)

// NodeConfig maps the file configuration onto p2p.Config. Validate must have
// succeeded.
func (c *Config) NodeConfig() (p2p.Config, error) {
	n := c.Node
	identify, err := parseDuration("node.IdentifyTimeout", n.IdentifyTimeout)
	if err != nil {
		return p2p.Config{}, err
	}
	heartbeat, err := parseDuration("node.HeartbeatInterval", n.HeartbeatInterval)
	if err != nil {
		return p2p.Config{}, err
	}
	dial, err := parseDuration("node.DialTimeout", n.DialTimeout)
	if err != nil {
		return p2p.Config{}, err
	}
	rpcTimeout, err := parseDuration("node.RPCTimeout", n.RPCTimeout)
	if err != nil {
		return p2p.Config{}, err
	}
	interval, err := parseDuration("node.DiscoveryInterval", n.DiscoveryInterval)
	if err != nil {
		return p2p.Config{}, err
	}
	banTTL, err := parseDuration("peerbook.BanTTL", c.PeerBook.BanTTL)
	if err != nil {
		return p2p.Config{}, err
	}
	compact, err := parseDuration("peerbook.CompactInterval", c.PeerBook.CompactInterval)
	if err != nil {
		return p2p.Config{}, err
	}

	return p2p.Config{
		ID:                n.ID,
		ListenHost:        n.ListenHost,
		Port:              n.Port,
		PublicIP:          n.PublicIP,
		MaxConnections:    n.MaxConnections,
		MaxParallelDials:  n.MaxParallelDials,
		IdentifyTimeout:   identify,
		HeartbeatInterval: heartbeat,
		DialTimeout:       dial,
		AcceptRate:        n.AcceptRate,
		AcceptBurst:       n.AcceptBurst,
		AcceptRatePerIP:   n.AcceptRatePerIP,
		AcceptBurstPerIP:  n.AcceptBurstPerIP,
		RPC:               rpc.Config{DefaultTimeout: rpcTimeout},
		Gossip:            gossip.Config{PublishLimit: n.GossipPublishLimit},
		PeerBook: peerbook.Config{
			MaxBanAttempts:  c.PeerBook.MaxBanAttempts,
			BanTTL:          banTTL,
			CompactInterval: compact,
		},
		Discovery: discovery.Config{
			Seeds:           append([]string(nil), n.Seeds...),
			DNSSeeds:        append([]string(nil), n.DNSSeeds...),
			DNSServer:       n.DNSServer,
			ProvideInterval: interval,
			FindInterval:    interval,
		},
	}, nil
}

// OpenPeerStore opens the configured peer store backend.
func (c *Config) OpenPeerStore() (peerbook.Store, error) {
	return peerbook.Open(c.PeerBook.Driver, c.PeerBook.Path)
}

// LoggingOptions returns the logging setup options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// TelemetryConfig returns the OTLP exporter configuration for service.
func (c *Config) TelemetryConfig(service, nodeID string) otel.Config {
	return otel.Config{
		ServiceName: service,
		NodeID:      nodeID,
		Environment: c.Logging.Environment,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(c.Telemetry.Headers),
		Metrics:     c.Telemetry.Metrics,
		Traces:      c.Telemetry.Traces,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}

// DemoIntervals returns the publish and stats intervals of the demo workload.
func (c *Config) DemoIntervals() (publish, stats time.Duration, err error) {
	if publish, err = parseDuration("demo.PublishInterval", c.Demo.PublishInterval); err != nil {
		return 0, 0, err
	}
	if stats, err = parseDuration("demo.StatsInterval", c.Demo.StatsInterval); err != nil {
		return 0, 0, err
	}
	if publish <= 0 {
		publish = time.Second
	}
	if stats <= 0 {
		stats = 10 * time.Second
	}
	return publish, stats, nil
}
