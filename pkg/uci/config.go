package uci

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/markus-lassfolk/netlocd/pkg"
	"github.com/markus-lassfolk/netlocd/pkg/apdb"
	"github.com/markus-lassfolk/netlocd/pkg/history"
	"github.com/markus-lassfolk/netlocd/pkg/mqtt"
	"github.com/markus-lassfolk/netlocd/pkg/netloc"
	"github.com/markus-lassfolk/netlocd/pkg/wps"
)

// DefaultPath is the system UCI config file
const DefaultPath = "/etc/config/netloc"

// EnvPrefix prefixes every environment override
const EnvPrefix = "NETLOC_"

// Default configuration values
const (
	DefaultServer                    = string(wps.ServerApple)
	DefaultIntervalMS                = 60000
	DefaultScanDevice                = "wlan0"
	DefaultLogLevel                  = "info"
	DefaultAPIListen                 = "127.0.0.1:8765"
	DefaultMetricsListen             = ""
	DefaultHistoryPath               = "/overlay/netloc/history.db"
	DefaultHistoryMaxEntries         = 1000
	DefaultObservationsPath          = "/overlay/netloc/observations.db"
	DefaultObservationsRetentionDays = 30
	DefaultObservationsMaxEntries    = 10000
	DefaultHeartbeatPath             = "/tmp/netlocd.heartbeat"
)

// Config is the complete daemon configuration
type Config struct {
	Enable                    bool   `yaml:"enable" env:"ENABLE"`
	Server                    string `yaml:"server" env:"SERVER"`
	IntervalMS                int64  `yaml:"interval_ms" env:"INTERVAL_MS"`
	MaxUpdateDelayMS          int64  `yaml:"max_update_delay_ms" env:"MAX_UPDATE_DELAY_MS"`
	WorkSource                string `yaml:"work_source" env:"WORK_SOURCE"`
	ScanDevice                string `yaml:"scan_device" env:"SCAN_DEVICE"`
	ScanDurationEstimateMS    int64  `yaml:"scan_duration_estimate_ms" env:"SCAN_DURATION_ESTIMATE_MS"`
	BackoffMS                 int64  `yaml:"backoff_ms" env:"BACKOFF_MS"`
	ScanAlwaysAvailable       bool   `yaml:"scan_always_available" env:"SCAN_ALWAYS_AVAILABLE"`
	LogLevel                  string `yaml:"log_level" env:"LOG_LEVEL"`
	APIListen                 string `yaml:"api_listen" env:"API_LISTEN"`
	APIToken                  string `yaml:"api_token" env:"API_TOKEN"`
	MetricsListen             string `yaml:"metrics_listen" env:"METRICS_LISTEN"`
	HistoryPath               string `yaml:"history_path" env:"HISTORY_PATH"`
	HistoryMaxEntries         int    `yaml:"history_max_entries" env:"HISTORY_MAX_ENTRIES"`
	ObservationsPath          string `yaml:"observations_path" env:"OBSERVATIONS_PATH"`
	ObservationsRetentionDays int    `yaml:"observations_retention_days" env:"OBSERVATIONS_RETENTION_DAYS"`
	ObservationsMaxEntries    int    `yaml:"observations_max_entries" env:"OBSERVATIONS_MAX_ENTRIES"`
	HeartbeatPath             string `yaml:"heartbeat_path" env:"HEARTBEAT_PATH"`
	RPCDPlugin                string `yaml:"rpcd_plugin" env:"RPCD_PLUGIN"`

	MQTT MQTTConfig `yaml:"mqtt" envPrefix:"MQTT_"`
}

// MQTTConfig is the mqtt section
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Broker      string `yaml:"broker" env:"BROKER"`
	Port        int    `yaml:"port" env:"PORT"`
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	Username    string `yaml:"username" env:"USERNAME"`
	Password    string `yaml:"password" env:"PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	QoS         int    `yaml:"qos" env:"QOS"`
	Retain      bool   `yaml:"retain" env:"RETAIN"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.Enable = true
	c.Server = DefaultServer
	c.IntervalMS = DefaultIntervalMS
	c.MaxUpdateDelayMS = 0
	c.WorkSource = netloc.DefaultProviderConfig().WorkSource
	c.ScanDevice = DefaultScanDevice
	c.ScanDurationEstimateMS = netloc.DefaultScanDurationEstimate.Milliseconds()
	c.BackoffMS = netloc.DefaultBackoff.Milliseconds()
	c.ScanAlwaysAvailable = false
	c.LogLevel = DefaultLogLevel
	c.APIListen = DefaultAPIListen
	c.MetricsListen = DefaultMetricsListen
	c.HistoryPath = DefaultHistoryPath
	c.HistoryMaxEntries = DefaultHistoryMaxEntries
	c.ObservationsPath = DefaultObservationsPath
	c.ObservationsRetentionDays = DefaultObservationsRetentionDays
	c.ObservationsMaxEntries = DefaultObservationsMaxEntries
	c.HeartbeatPath = DefaultHeartbeatPath

	m := mqtt.DefaultConfig()
	c.MQTT = MQTTConfig{
		Enabled:     m.Enabled,
		Broker:      m.Broker,
		Port:        m.Port,
		TopicPrefix: m.TopicPrefix,
		QoS:         m.QoS,
		Retain:      m.Retain,
	}
}

// LoadConfig loads defaults, then the file at path, then NETLOC_*
// environment overrides, and validates the result. A missing file is not
// an error. Paths ending in .yaml or .yml are read as YAML, anything else
// as UCI text. The system path is read through the uci binary when it is
// available.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	switch {
	case path == "":
	case isYAML(path):
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	case path == DefaultPath && NewUCI(nil).ValidateUCI(context.Background()) == nil:
		if err := NewUCI(nil).Load(context.Background(), cfg); err != nil {
			return nil, fmt.Errorf("failed to load UCI config: %w", err)
		}
	default:
		if err := cfg.parseUCIFile(path); err != nil {
			return nil, fmt.Errorf("failed to parse UCI config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// parseUCIFile parses a UCI text file
func (c *Config) parseUCIFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.parseUCI(string(data))
}

// parseUCI parses UCI text: "config <type> '<name>'" section headers
// followed by "option <name> '<value>'" lines
func (c *Config) parseUCI(text string) error {
	var sectionType string

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		switch keyword {
		case "config":
			sectionType, _, _ = strings.Cut(rest, " ")
			sectionType = unquote(sectionType)
		case "option":
			name, value, ok := strings.Cut(rest, " ")
			if !ok {
				return fmt.Errorf("line %d: option %q has no value", i+1, name)
			}
			if err := c.parseOption(sectionType, name, unquote(strings.TrimSpace(value))); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
		case "list":
			// no list options
		default:
			return fmt.Errorf("line %d: unexpected %q", i+1, keyword)
		}
	}
	return nil
}

func unquote(s string) string {
	return strings.Trim(s, "'\"")
}

// parseOption routes an option to its section
func (c *Config) parseOption(sectionType, option, value string) error {
	switch sectionType {
	case "netloc", "":
		return c.parseMainOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	default:
		return nil
	}
}

// parseMainOption parses core daemon options. Unknown options are ignored.
func (c *Config) parseMainOption(option, value string) error {
	var err error
	switch option {
	case "enable":
		c.Enable = parseBool(value)
	case "server":
		c.Server = value
	case "interval_ms":
		c.IntervalMS, err = strconv.ParseInt(value, 10, 64)
	case "max_update_delay_ms":
		c.MaxUpdateDelayMS, err = strconv.ParseInt(value, 10, 64)
	case "work_source":
		c.WorkSource = value
	case "scan_device":
		c.ScanDevice = value
	case "scan_duration_estimate_ms":
		c.ScanDurationEstimateMS, err = strconv.ParseInt(value, 10, 64)
	case "backoff_ms":
		c.BackoffMS, err = strconv.ParseInt(value, 10, 64)
	case "scan_always_available":
		c.ScanAlwaysAvailable = parseBool(value)
	case "log_level":
		c.LogLevel = value
	case "api_listen":
		c.APIListen = value
	case "api_token":
		c.APIToken = value
	case "metrics_listen":
		c.MetricsListen = value
	case "history_path":
		c.HistoryPath = value
	case "history_max_entries":
		c.HistoryMaxEntries, err = strconv.Atoi(value)
	case "observations_path":
		c.ObservationsPath = value
	case "observations_retention_days":
		c.ObservationsRetentionDays, err = strconv.Atoi(value)
	case "observations_max_entries":
		c.ObservationsMaxEntries, err = strconv.Atoi(value)
	case "heartbeat_path":
		c.HeartbeatPath = value
	case "rpcd_plugin":
		c.RPCDPlugin = value
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, option, err)
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) error {
	var err error
	switch option {
	case "enabled", "enable":
		c.MQTT.Enabled = parseBool(value)
	case "broker":
		c.MQTT.Broker = value
	case "port":
		c.MQTT.Port, err = strconv.Atoi(value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		c.MQTT.QoS, err = strconv.Atoi(value)
	case "retain":
		c.MQTT.Retain = parseBool(value)
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for mqtt.%s: %w", value, option, err)
	}
	return nil
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func (c *Config) validate() error {
	if _, err := wps.ParseServer(c.Server); err != nil {
		return err
	}
	if c.IntervalMS <= 0 {
		return fmt.Errorf("interval_ms must be positive, got %d", c.IntervalMS)
	}
	if c.MaxUpdateDelayMS < 0 {
		return fmt.Errorf("max_update_delay_ms must not be negative, got %d", c.MaxUpdateDelayMS)
	}
	if c.ScanDurationEstimateMS < 0 || c.BackoffMS < 0 {
		return fmt.Errorf("scan_duration_estimate_ms and backoff_ms must not be negative")
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.HistoryMaxEntries <= 0 {
		return fmt.Errorf("history_max_entries must be positive, got %d", c.HistoryMaxEntries)
	}
	if c.ObservationsRetentionDays < 0 {
		return fmt.Errorf("observations_retention_days must not be negative, got %d", c.ObservationsRetentionDays)
	}
	if c.RPCDPlugin != "" && c.APIListen == "" {
		return fmt.Errorf("rpcd_plugin needs api_listen")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.Port <= 0) {
		return fmt.Errorf("mqtt enabled without broker address")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// ServerValue returns the parsed positioning server
func (c *Config) ServerValue() wps.Server {
	s, _ := wps.ParseServer(c.Server)
	return s
}

// RequestPolicy builds the location request the daemon installs
func (c *Config) RequestPolicy() pkg.RequestPolicy {
	if !c.Enable {
		return pkg.InactiveRequest
	}
	return pkg.RequestPolicy{
		Active:               true,
		IntervalMillis:       c.IntervalMS,
		MaxUpdateDelayMillis: c.MaxUpdateDelayMS,
		WorkSource:           c.WorkSource,
	}
}

// ProviderConfig returns the scheduler settings
func (c *Config) ProviderConfig() netloc.ProviderConfig {
	return netloc.ProviderConfig{
		ScanDurationEstimate: time.Duration(c.ScanDurationEstimateMS) * time.Millisecond,
		Backoff:              time.Duration(c.BackoffMS) * time.Millisecond,
		WorkSource:           c.WorkSource,
	}
}

// MQTTClientConfig returns the mqtt publisher settings
func (c *Config) MQTTClientConfig() *mqtt.Config {
	return &mqtt.Config{
		Enabled:     c.MQTT.Enabled,
		Broker:      c.MQTT.Broker,
		Port:        c.MQTT.Port,
		ClientID:    c.MQTT.ClientID,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TopicPrefix: c.MQTT.TopicPrefix,
		QoS:         c.MQTT.QoS,
		Retain:      c.MQTT.Retain,
	}
}

// HistoryConfig returns the location history settings
func (c *Config) HistoryConfig() *history.Config {
	return &history.Config{Path: c.HistoryPath, MaxEntries: c.HistoryMaxEntries}
}

// ObservationsConfig returns the lookup log settings
func (c *Config) ObservationsConfig() *apdb.Config {
	return &apdb.Config{
		DatabasePath:    c.ObservationsPath,
		MaxObservations: c.ObservationsMaxEntries,
		RetentionDays:   c.ObservationsRetentionDays,
	}
}
