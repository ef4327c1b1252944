package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML ("100ms", "1h").
type Duration time.Duration

// UnmarshalYAML parses the duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// CaptureConfig selects the frame sources.
type CaptureConfig struct {
	Interfaces  []string `yaml:"interfaces"`
	PcapFile    string   `yaml:"pcap_file"`
	SnapshotLen int32    `yaml:"snapshot_len"`
	Promiscuous bool     `yaml:"promiscuous"`
	BPFFilter   string   `yaml:"bpf_filter"`
	RecordPath  string   `yaml:"record_path"`
}

// BufferConfig holds the bounded frame queue settings.
type BufferConfig struct {
	MaxSize      int      `yaml:"max_size"`
	BatchSize    int      `yaml:"batch_size"`
	BatchTimeout Duration `yaml:"batch_timeout"`
	Overflow     string   `yaml:"overflow"`
}

// EngineConfig holds the detection worker pool settings.
type EngineConfig struct {
	NumWorkers        int    `yaml:"num_workers"`
	WorkerQueueSize   int    `yaml:"worker_queue_size"`
	BalancePolicy     string `yaml:"balance_policy"`
	RecordChannelSize int    `yaml:"record_channel_size"`
}

// VendorConfig configures the OUI resolver.
type VendorConfig struct {
	OUIFile string `yaml:"oui_file"`
}

// HistoryConfig configures the per-source ARP history analyzer.
type HistoryConfig struct {
	MaxKeys      int      `yaml:"max_keys"`
	WindowSize   int      `yaml:"window_size"`
	TimingWindow Duration `yaml:"timing_window"`
	RequestTTL   Duration `yaml:"request_ttl"`
	RateCeiling  float64  `yaml:"rate_ceiling"`
	IATFloor     Duration `yaml:"iat_floor"`
}

// RulesConfig selects and tunes the rule filter signatures.
type RulesConfig struct {
	Signatures           []string `yaml:"signatures"`
	MaxBindings          int      `yaml:"max_bindings"`
	GratuitousThreshold  int      `yaml:"gratuitous_threshold"`
	GratuitousWindow     Duration `yaml:"gratuitous_window"`
	UnsolicitedThreshold int      `yaml:"unsolicited_threshold"`
	UnsolicitedWindow    Duration `yaml:"unsolicited_window"`
}

// FusionConfig holds the decision thresholds.
type FusionConfig struct {
	HighSeverityThreshold float64  `yaml:"high_severity_threshold"`
	ClassifyThreshold     float64  `yaml:"classify_threshold"`
	AlertCooldown         Duration `yaml:"alert_cooldown"`
	CooldownKeys          int      `yaml:"cooldown_keys"`
}

// ClassifierConfig points at an optional model file used as the initial active model.
type ClassifierConfig struct {
	ModelPath string `yaml:"model_path"`
}

// LearningConfig holds the continuous learning loop settings.
type LearningConfig struct {
	Enabled          bool     `yaml:"enabled"`
	LearningInterval Duration `yaml:"learning_interval"`
	CheckInterval    Duration `yaml:"check_interval"`
	MinSamples       int      `yaml:"min_samples"`
	BatchSize        int      `yaml:"batch_size"`
	LearningRate     float64  `yaml:"learning_rate"`
	Epochs           int      `yaml:"epochs"`
	MaxHistory       int      `yaml:"max_history"`
	HighConfidence   float64  `yaml:"high_confidence"`
	LowConfidence    float64  `yaml:"low_confidence"`
	MinAccuracy      float64  `yaml:"min_accuracy"`
	MaxLoss          float64  `yaml:"max_loss"`
	MaxRegression    float64  `yaml:"max_regression"`
	HoldoutEvery     int      `yaml:"holdout_every"`
	HoldoutHistory   int      `yaml:"holdout_history"`
	MaxRetries       int      `yaml:"max_retries"`
	CycleBudget      Duration `yaml:"cycle_budget"`
	StatePath        string   `yaml:"state_path"`
}

// RegistryConfig configures model version retention and backups.
type RegistryConfig struct {
	BackupDir   string `yaml:"backup_dir"`
	MaxVersions int    `yaml:"max_versions"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

// ClickHouseConfig holds the connection details for the ClickHouse record store.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StreamConfig configures the detection record store.
type StreamConfig struct {
	MaxRecords int              `yaml:"max_records"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// NATSConfig configures the NATS alert publisher.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MQTTConfig configures the MQTT alert notifier.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AlertsConfig selects the alert sinks.
type AlertsConfig struct {
	NATS NATSConfig `yaml:"nats"`
	MQTT MQTTConfig `yaml:"mqtt"`
	Log  bool       `yaml:"log"`
}

// APIConfig holds the operator surface listen addresses.
type APIConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	GRPCHealthAddr string `yaml:"grpc_health_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Capture    CaptureConfig    `yaml:"capture"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Engine     EngineConfig     `yaml:"engine"`
	Vendor     VendorConfig     `yaml:"vendor"`
	History    HistoryConfig    `yaml:"history"`
	Rules      RulesConfig      `yaml:"rules"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Learning   LearningConfig   `yaml:"learning"`
	Registry   RegistryConfig   `yaml:"registry"`
	Stream     StreamConfig     `yaml:"stream"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	API        APIConfig        `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file, fills unset fields with
// defaults, applies ARPGUARD_* environment overrides and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	return cfg, nil
}
