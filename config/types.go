package config

// NodeSection configures the overlay node.
type NodeSection struct {
	ID               string   `toml:"ID" yaml:"id"`
	ListenHost       string   `toml:"ListenHost" yaml:"listenHost"`
	Port             int      `toml:"Port" yaml:"port"`
	PublicIP         string   `toml:"PublicIP" yaml:"publicIP"`
	Seeds            []string `toml:"Seeds" yaml:"seeds"`
	DNSSeeds         []string `toml:"DNSSeeds" yaml:"dnsSeeds"`
	DNSServer        string   `toml:"DNSServer" yaml:"dnsServer"`
	MaxConnections   int      `toml:"MaxConnections" yaml:"maxConnections"`
	MaxParallelDials int      `toml:"MaxParallelDials" yaml:"maxParallelDials"`

	IdentifyTimeout   string `toml:"IdentifyTimeout" yaml:"identifyTimeout"`
	HeartbeatInterval string `toml:"HeartbeatInterval" yaml:"heartbeatInterval"`
	DialTimeout       string `toml:"DialTimeout" yaml:"dialTimeout"`
	RPCTimeout        string `toml:"RPCTimeout" yaml:"rpcTimeout"`
	DiscoveryInterval string `toml:"DiscoveryInterval" yaml:"discoveryInterval"`

	GossipPublishLimit int `toml:"GossipPublishLimit" yaml:"gossipPublishLimit"`

	AcceptRate       float64 `toml:"AcceptRate" yaml:"acceptRate"`
	AcceptBurst      int     `toml:"AcceptBurst" yaml:"acceptBurst"`
	AcceptRatePerIP  float64 `toml:"AcceptRatePerIP" yaml:"acceptRatePerIP"`
	AcceptBurstPerIP int     `toml:"AcceptBurstPerIP" yaml:"acceptBurstPerIP"`
}

// PeerBookSection selects the peer store and the ban policy.
type PeerBookSection struct {
	// Driver is one of memory, leveldb, bolt, sqlite or postgres.
	Driver          string `toml:"Driver" yaml:"driver"`
	Path            string `toml:"Path" yaml:"path"`
	MaxBanAttempts  int    `toml:"MaxBanAttempts" yaml:"maxBanAttempts"`
	BanTTL          string `toml:"BanTTL" yaml:"banTTL"`
	CompactInterval string `toml:"CompactInterval" yaml:"compactInterval"`
}

// LoggingSection configures the slog JSON handler.
type LoggingSection struct {
	Level         string `toml:"Level" yaml:"level"`
	Environment   string `toml:"Environment" yaml:"environment"`
	File          string `toml:"File" yaml:"file"`
	MaxSizeMB     int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups    int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays    int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	MaskAddresses bool   `toml:"MaskAddresses" yaml:"maskAddresses"`
}

// TelemetrySection configures the OTLP exporters.
type TelemetrySection struct {
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// AdminSection configures the HTTP admin surface. An empty ListenAddress
// disables it.
type AdminSection struct {
	ListenAddress string `toml:"ListenAddress" yaml:"listenAddress"`
}

// DemoSection configures the sample transaction workload.
type DemoSection struct {
	Enabled         bool   `toml:"Enabled" yaml:"enabled"`
	PublishInterval string `toml:"PublishInterval" yaml:"publishInterval"`
	StatsInterval   string `toml:"StatsInterval" yaml:"statsInterval"`
}
