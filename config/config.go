// Package config handles YAML configuration for the broker and agent
// processes. Files are strict (unknown keys rejected), environment
// variables expand before unmarshal, and Validate produces the
// CONFIG_INVALID failures that map to exit code 2.
package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/bastion/types"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// TLSConfig holds the certificate material shared by both processes.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

func (c *TLSConfig) validate(section string) error {
	if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
		return fmt.Errorf("%s: cert_file, key_file, and ca_file are required", section)
	}
	return nil
}

// BrokerConfig is broker.yaml.
type BrokerConfig struct {
	NodeID     string    `yaml:"node_id"`
	ListenAddr string    `yaml:"listen_addr"`
	TLS        TLSConfig `yaml:"tls"`
	TrustMap   string    `yaml:"trust_map"`
	StatusPath string    `yaml:"status_path"`

	MaxEnvelopeBytes   int      `yaml:"max_envelope_bytes"`
	DedupWindowSeconds int      `yaml:"dedup_window_seconds"`
	OffenseLimit       int      `yaml:"offense_limit"`

	Governor GovernorConfig `yaml:"governor"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
}

// GovernorConfig holds the admission thresholds.
type GovernorConfig struct {
	SoftInflight       float64 `yaml:"soft_inflight"`
	HardInflight       float64 `yaml:"hard_inflight"`
	ShedInflight       float64 `yaml:"shed_inflight"`
	ShedSeverityCutoff string  `yaml:"shed_severity_cutoff"`
	BaseHintMS         int64   `yaml:"base_hint_ms"`
}

// LogConfig holds commit log settings.
type LogConfig struct {
	Path           string `yaml:"path"`
	FsyncPolicy    string `yaml:"fsync_policy"` // always | group | interval_ms=<n>
	CursorPath     string `yaml:"cursor_path"`
}

// EngineConfig holds correlation engine settings.
type EngineConfig struct {
	WindowSeconds     int      `yaml:"window_seconds"`
	MaxEventsInWindow int      `yaml:"max_events_in_window"`
	RulesPath         string   `yaml:"rules_path"`
	Decay             Decay    `yaml:"decay"`
	RiskDBPath        string   `yaml:"risk_db_path"`
	Adapters          Adapters `yaml:"adapters"`
}

// Decay holds the risk decay curve.
type Decay struct {
	StartSeconds int `yaml:"start_seconds"`
	FullSeconds  int `yaml:"full_seconds"`
}

// Adapters holds optional incident notification sinks.
type Adapters struct {
	Webhook WebhookAdapter `yaml:"webhook"`
	Redis   RedisAdapter   `yaml:"redis"`
}

// WebhookAdapter configures the HTTP POST incident adapter.
type WebhookAdapter struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// RedisAdapter configures the Redis PUBLISH incident adapter.
type RedisAdapter struct {
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
}

// Validate applies defaults and rejects inconsistent settings.
func (c *BrokerConfig) Validate() error {
	if c.NodeID == "" {
		c.NodeID = "broker"
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if err := c.TLS.validate("tls"); err != nil {
		return err
	}
	if c.TrustMap == "" {
		return fmt.Errorf("trust_map is required")
	}
	if c.Log.Path == "" {
		return fmt.Errorf("log.path is required")
	}
	if c.MaxEnvelopeBytes < 0 {
		return fmt.Errorf("max_envelope_bytes must be >= 0")
	}
	if c.MaxEnvelopeBytes == 0 {
		c.MaxEnvelopeBytes = 131072
	}
	if c.DedupWindowSeconds < 0 {
		return fmt.Errorf("dedup_window_seconds must be >= 0")
	}
	if c.DedupWindowSeconds == 0 {
		c.DedupWindowSeconds = 300
	}
	if c.Governor.ShedSeverityCutoff != "" {
		if _, ok := types.ParseSeverity(c.Governor.ShedSeverityCutoff); !ok {
			return fmt.Errorf("governor.shed_severity_cutoff: unknown severity %q", c.Governor.ShedSeverityCutoff)
		}
	}
	if _, _, err := ParseFsyncPolicy(c.Log.FsyncPolicy); err != nil {
		return err
	}
	if c.Engine.WindowSeconds < 0 {
		return fmt.Errorf("engine.window_seconds must be >= 0")
	}
	if c.Engine.WindowSeconds == 0 {
		c.Engine.WindowSeconds = 300
	}
	if c.Engine.Decay.StartSeconds == 0 {
		c.Engine.Decay.StartSeconds = 600
	}
	if c.Engine.Decay.FullSeconds == 0 {
		c.Engine.Decay.FullSeconds = 3600
	}
	if c.Engine.Decay.FullSeconds <= c.Engine.Decay.StartSeconds {
		return fmt.Errorf("engine.decay.full_seconds must exceed start_seconds")
	}
	if c.Engine.RiskDBPath == "" {
		return fmt.Errorf("engine.risk_db_path is required")
	}
	if c.Log.CursorPath == "" {
		c.Log.CursorPath = c.Log.Path + ".cursor"
	}
	return nil
}

// ParseFsyncPolicy parses the fsync_policy key: "always", "group"
// (the default), or "interval_ms=<n>".
func ParseFsyncPolicy(v string) (policy string, interval time.Duration, err error) {
	switch {
	case v == "" || v == "group":
		return "group", 0, nil
	case v == "always":
		return "always", 0, nil
	default:
		var ms int
		if _, serr := fmt.Sscanf(v, "interval_ms=%d", &ms); serr != nil || ms <= 0 {
			return "", 0, fmt.Errorf("log.fsync_policy: invalid value %q", v)
		}
		return "interval", time.Duration(ms) * time.Millisecond, nil
	}
}

// AgentConfig is agent.yaml.
type AgentConfig struct {
	DeviceID   string    `yaml:"device_id"`
	BrokerAddr string    `yaml:"broker_addr"`
	ServerName string    `yaml:"server_name"`
	TLS        TLSConfig `yaml:"tls"`
	SigningKey string    `yaml:"signing_key"`
	StatusPath string    `yaml:"status_path"`

	WAL       WALConfig       `yaml:"wal"`
	Publisher PublisherConfig `yaml:"publisher"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// WALConfig holds agent WAL settings.
type WALConfig struct {
	Path           string `yaml:"path"`
	MaxBytes       int64  `yaml:"max_bytes"`
	OverflowPolicy string `yaml:"overflow_policy"` // drop_new | drop_low | block
	CompactBytes   int64  `yaml:"compact_bytes"`
}

// PublisherConfig holds the drain loop settings.
type PublisherConfig struct {
	MaxBatch int        `yaml:"max_batch"`
	Retry    RetryConfig `yaml:"retry"`
}

// RetryConfig bounds publish retry backoff.
type RetryConfig struct {
	MinMS            int64 `yaml:"min_ms"`
	MaxMS            int64 `yaml:"max_ms"`
	CircuitThreshold int   `yaml:"circuit_threshold"`
}

// SchedulerConfig holds the collection sources.
type SchedulerConfig struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig is one collection source binding.
type SourceConfig struct {
	// Name selects the source implementation: host_metrics | auth_log.
	Name       string `yaml:"name"`
	IntervalMS int    `yaml:"interval_ms"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	// Path is the input path for file-backed sources.
	Path string `yaml:"path,omitempty"`
	// OverflowPolicy overrides wal.overflow_policy per source.
	OverflowPolicy string `yaml:"overflow_policy,omitempty"`
}

// Validate applies defaults and rejects inconsistent settings.
func (c *AgentConfig) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if c.BrokerAddr == "" {
		return fmt.Errorf("broker_addr is required")
	}
	if err := c.TLS.validate("tls"); err != nil {
		return err
	}
	if c.SigningKey == "" {
		return fmt.Errorf("signing_key is required")
	}
	if c.WAL.Path == "" {
		return fmt.Errorf("wal.path is required")
	}
	if c.WAL.MaxBytes < 0 {
		return fmt.Errorf("wal.max_bytes must be >= 0")
	}
	switch c.WAL.OverflowPolicy {
	case "", "drop_new", "drop_low", "block":
	default:
		return fmt.Errorf("wal.overflow_policy: unknown policy %q", c.WAL.OverflowPolicy)
	}
	if len(c.Scheduler.Sources) == 0 {
		return fmt.Errorf("scheduler.sources must not be empty")
	}
	for i, src := range c.Scheduler.Sources {
		switch src.Name {
		case "host_metrics":
		case "auth_log":
			if src.Path == "" {
				return fmt.Errorf("scheduler.sources[%d]: auth_log requires path", i)
			}
		default:
			return fmt.Errorf("scheduler.sources[%d]: unknown source %q", i, src.Name)
		}
		if src.IntervalMS <= 0 {
			return fmt.Errorf("scheduler.sources[%d]: interval_ms must be positive", i)
		}
		switch src.OverflowPolicy {
		case "", "drop_new", "drop_low", "block":
		default:
			return fmt.Errorf("scheduler.sources[%d]: unknown overflow policy %q", i, src.OverflowPolicy)
		}
	}
	return nil
}
