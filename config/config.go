package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Environment overrides carried over from the original deployment.
const (
	EnvServerList = "SERVER_LIST"
	EnvSteamKey   = "STEAM_API_KEY"
	EnvAvatarTTL  = "AVATAR_CACHE_TTL_SECONDS"
	EnvPort       = "PORT"
)

const (
	defaultListen            = ":8000"
	defaultPollIntervalMS    = 10_000
	defaultProbeTimeoutMS    = 3_000
	defaultPingIntervalSec   = 60
	defaultCapacityOffset    = 5
	defaultAvatarTTLSeconds  = 86400
	defaultSteamTimeoutSec   = 10
	defaultSteamRatePerSec   = 5
	defaultSteamEndpoint     = "https://api.steampowered.com/ISteamUser/GetPlayerSummaries/v2/"
	defaultAvatarPebblePath  = "data/avatars"
	defaultAvatarSQLitePath  = "data/avatars.db"
	defaultTelnetPort        = 7300
	defaultTelnetMaxConns    = 200
	defaultMQTTPort          = 1883
	defaultMQTTTopic         = "st-poor-webpanel/servers"
	defaultLogRetentionDays  = 7
	defaultStatsIntervalSecs = 300
)

// Supported target protocols.
const (
	ProtocolA2S    = "a2s"
	ProtocolQuake3 = "quake3"
)

// Supported avatar cache backends.
const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

// ErrInvalid marks configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Targets []Target      `yaml:"targets"`
	Poll    PollConfig    `yaml:"poll"`
	Avatar  AvatarConfig  `yaml:"avatar"`
	Telnet  TelnetConfig  `yaml:"telnet"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	UI      UIConfig      `yaml:"ui"`
	Logging LoggingConfig `yaml:"logging"`
	Stats   StatsConfig   `yaml:"stats"`

	// LoadedFrom records the file the config was read from ("" for defaults only).
	LoadedFrom string `yaml:"-"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Target is one monitored game server. Address is "host:port".
type Target struct {
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"`
}

// PollConfig controls the aggregation poller and broadcast cadence.
type PollConfig struct {
	IntervalMS      int `yaml:"interval_ms"`
	ProbeTimeoutMS  int `yaml:"probe_timeout_ms"`
	PingIntervalSec int `yaml:"ping_interval_seconds"`
	// CapacityOffset is subtracted from the remote max-players value to
	// produce totalPlayers. The deployed panel reserves 5 slots.
	CapacityOffset *int `yaml:"capacity_offset"`
}

// AvatarConfig controls the avatar resolver and its cache store.
type AvatarConfig struct {
	TTLSeconds      int     `yaml:"ttl_seconds"`
	Backend         string  `yaml:"backend"`
	Path            string  `yaml:"path"`
	SteamAPIKey     string  `yaml:"steam_api_key"`
	SteamEndpoint   string  `yaml:"steam_endpoint"`
	SteamTimeoutSec int     `yaml:"steam_timeout_seconds"`
	SteamRatePerSec float64 `yaml:"steam_rate_per_second"`
}

// TelnetConfig contains the optional text feed settings.
type TelnetConfig struct {
	Enabled        bool `yaml:"enabled"`
	Port           int  `yaml:"port"`
	MaxConnections int  `yaml:"max_connections"`
}

// MQTTConfig contains the optional snapshot publisher settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// UIConfig selects the console renderer ("headless" or "tview").
type UIConfig struct {
	Mode string `yaml:"mode"`
}

// LoggingConfig contains file logging settings.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// StatsConfig controls the periodic stats line.
type StatsConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Load reads a YAML config file, applies defaults and environment overrides,
// and validates the result. A missing file is not an error: defaults plus
// environment are used so the original env-only deployment keeps working.
func Load(filename string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.LoadedFrom = filename
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if raw := strings.TrimSpace(getenv(EnvServerList)); raw != "" {
		var addrs []string
		if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
			return fmt.Errorf("%w: %s must be a JSON array of host:port: %v", ErrInvalid, EnvServerList, err)
		}
		targets := make([]Target, 0, len(addrs))
		for _, addr := range addrs {
			targets = append(targets, Target{Address: addr})
		}
		c.Targets = targets
	}
	if key := strings.TrimSpace(getenv(EnvSteamKey)); key != "" {
		c.Avatar.SteamAPIKey = key
	}
	if raw := strings.TrimSpace(getenv(EnvAvatarTTL)); raw != "" {
		ttl, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvAvatarTTL, raw, err)
		}
		c.Avatar.TTLSeconds = ttl
	}
	if port := strings.TrimSpace(getenv(EnvPort)); port != "" {
		c.Server.Listen = ":" + port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = defaultListen
	}
	for i := range c.Targets {
		c.Targets[i].Address = strings.TrimSpace(c.Targets[i].Address)
		c.Targets[i].Protocol = strings.ToLower(strings.TrimSpace(c.Targets[i].Protocol))
		if c.Targets[i].Protocol == "" {
			c.Targets[i].Protocol = ProtocolA2S
		}
	}
	if c.Poll.IntervalMS <= 0 {
		c.Poll.IntervalMS = defaultPollIntervalMS
	}
	if c.Poll.ProbeTimeoutMS <= 0 {
		c.Poll.ProbeTimeoutMS = defaultProbeTimeoutMS
	}
	if c.Poll.PingIntervalSec <= 0 {
		c.Poll.PingIntervalSec = defaultPingIntervalSec
	}
	if c.Poll.CapacityOffset == nil {
		offset := defaultCapacityOffset
		c.Poll.CapacityOffset = &offset
	}
	if c.Avatar.TTLSeconds <= 0 {
		c.Avatar.TTLSeconds = defaultAvatarTTLSeconds
	}
	c.Avatar.Backend = strings.ToLower(strings.TrimSpace(c.Avatar.Backend))
	if c.Avatar.Backend == "" {
		c.Avatar.Backend = BackendPebble
	}
	if strings.TrimSpace(c.Avatar.Path) == "" {
		if c.Avatar.Backend == BackendSQLite {
			c.Avatar.Path = defaultAvatarSQLitePath
		} else {
			c.Avatar.Path = defaultAvatarPebblePath
		}
	}
	if strings.TrimSpace(c.Avatar.SteamEndpoint) == "" {
		c.Avatar.SteamEndpoint = defaultSteamEndpoint
	}
	if c.Avatar.SteamTimeoutSec <= 0 {
		c.Avatar.SteamTimeoutSec = defaultSteamTimeoutSec
	}
	if c.Avatar.SteamRatePerSec <= 0 {
		c.Avatar.SteamRatePerSec = defaultSteamRatePerSec
	}
	if c.Telnet.Port <= 0 {
		c.Telnet.Port = defaultTelnetPort
	}
	if c.Telnet.MaxConnections <= 0 {
		c.Telnet.MaxConnections = defaultTelnetMaxConns
	}
	if c.MQTT.Port <= 0 {
		c.MQTT.Port = defaultMQTTPort
	}
	if strings.TrimSpace(c.MQTT.Topic) == "" {
		c.MQTT.Topic = defaultMQTTTopic
	}
	c.UI.Mode = strings.ToLower(strings.TrimSpace(c.UI.Mode))
	if c.UI.Mode == "" {
		c.UI.Mode = "headless"
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
	if c.Stats.IntervalSeconds <= 0 {
		c.Stats.IntervalSeconds = defaultStatsIntervalSecs
	}
}

// Validate checks target addresses and enumerated settings.
func (c *Config) Validate() error {
	for i, t := range c.Targets {
		if _, _, err := SplitHostPort(t.Address); err != nil {
			return fmt.Errorf("%w: targets[%d]: %v", ErrInvalid, i, err)
		}
		switch t.Protocol {
		case ProtocolA2S, ProtocolQuake3:
		default:
			return fmt.Errorf("%w: targets[%d]: unknown protocol %q", ErrInvalid, i, t.Protocol)
		}
	}
	switch c.Avatar.Backend {
	case BackendPebble, BackendSQLite:
	default:
		return fmt.Errorf("%w: avatar.backend %q (want pebble or sqlite)", ErrInvalid, c.Avatar.Backend)
	}
	switch c.UI.Mode {
	case "headless", "tview":
	default:
		return fmt.Errorf("%w: ui.mode %q (want headless or tview)", ErrInvalid, c.UI.Mode)
	}
	if c.Telnet.Enabled && c.Telnet.Port > 65535 {
		return fmt.Errorf("%w: telnet.port %d out of range", ErrInvalid, c.Telnet.Port)
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	return nil
}

// SplitHostPort parses "host:port" and enforces a port in 1..65535.
func SplitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, fmt.Errorf("address %q: %w", addr, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("address %q: empty host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("address %q: port must be 1-65535", addr)
	}
	return host, port, nil
}

// Print displays the configuration.
func (c *Config) Print() {
	fmt.Printf("HTTP: %s\n", c.Server.Listen)
	fmt.Printf("Targets: %d (poll every %dms, probe timeout %dms, capacity offset %d)\n",
		len(c.Targets), c.Poll.IntervalMS, c.Poll.ProbeTimeoutMS, *c.Poll.CapacityOffset)
	keyState := "missing"
	if c.Avatar.SteamAPIKey != "" {
		keyState = "set"
	}
	fmt.Printf("Avatar cache: %s at %s (ttl=%ds, steam key %s)\n", c.Avatar.Backend, c.Avatar.Path, c.Avatar.TTLSeconds, keyState)
	if c.Telnet.Enabled {
		fmt.Printf("Telnet feed: port %d (max %d connections)\n", c.Telnet.Port, c.Telnet.MaxConnections)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
}
