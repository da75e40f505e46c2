package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Capture  CaptureConfig  `mapstructure:"capture"`
	Database DatabaseConfig `mapstructure:"database"`
	Flow     FlowConfig     `mapstructure:"flow"`
	Threat   ThreatConfig   `mapstructure:"threat"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Log      LogConfig      `mapstructure:"log"`
	DataDir  string         `mapstructure:"data_dir"`
}

// CaptureConfig describes the live capture handle. An empty interface means
// the first usable system interface; an empty port list captures all traffic
// (DNS on port 53 is always included in the filter).
type CaptureConfig struct {
	Interface   string `mapstructure:"interface"`
	Ports       []int  `mapstructure:"ports"`
	BPFFilter   string `mapstructure:"bpf_filter"` // overrides the generated port filter
	SnapshotLen int    `mapstructure:"snapshot_len"`
	Promiscuous bool   `mapstructure:"promiscuous"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite file path
}

// FlowConfig tunes the in-memory flow table lifecycle.
type FlowConfig struct {
	FlushInterval int `mapstructure:"flush_interval"` // seconds
	IdleTimeout   int `mapstructure:"idle_timeout"`   // seconds
}

// ThreatConfig tunes feed refresh and historical scan cadences.
type ThreatConfig struct {
	UpdateThrottle  int    `mapstructure:"update_throttle"`  // minimum seconds between feed updates
	RefreshInterval int    `mapstructure:"refresh_interval"` // seconds between scheduled refresh attempts
	ScanInterval    int    `mapstructure:"scan_interval"`    // seconds between historical scans
	FetchTimeout    int    `mapstructure:"fetch_timeout"`    // seconds per feed download
	PhishingLevel   string `mapstructure:"phishing_level"`   // standard, extended
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // e.g. ":9155"
}

// QueueConfig enables the optional RabbitMQ alert publisher.
type QueueConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// WatcherConfig enables the drop-in indicator list importer.
type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	WatchDir string `mapstructure:"watch_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	viper.BindEnv("capture.interface", "CAPTURE_INTERFACE")
	viper.BindEnv("capture.bpf_filter", "CAPTURE_BPF_FILTER")

	viper.BindEnv("database.type", "DB_TYPE")
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.db_name", "DB_NAME")

	viper.BindEnv("queue.host", "RABBITMQ_HOST")
	viper.BindEnv("queue.port", "RABBITMQ_PORT")
	viper.BindEnv("queue.user", "RABBITMQ_USER")
	viper.BindEnv("queue.password", "RABBITMQ_PASS")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("capture.snapshot_len", 65535)
	viper.SetDefault("capture.promiscuous", true)

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.path", "./data/netsentry.db")

	viper.SetDefault("flow.flush_interval", 60)
	viper.SetDefault("flow.idle_timeout", 300)

	viper.SetDefault("threat.update_throttle", 3*60*60)
	viper.SetDefault("threat.refresh_interval", 60*60)
	viper.SetDefault("threat.scan_interval", 24*60*60)
	viper.SetDefault("threat.fetch_timeout", 30)
	viper.SetDefault("threat.phishing_level", "extended")

	viper.SetDefault("metrics.listen", ":9155")

	viper.SetDefault("queue.queue", "netsentry.alerts")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("data_dir", "./data")
}
