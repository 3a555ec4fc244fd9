package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration lets durations be written as "5s" in TOML files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

const (
	BackendMemory    = "memory"
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
)

type Config struct {
	StoreBackend string `toml:"store_backend"`

	ZKServers        []string `toml:"zk_servers"`
	ZKSessionTimeout Duration `toml:"zk_session_timeout"`

	EtcdEndpoints  []string `toml:"etcd_endpoints"`
	EtcdSessionTTL int      `toml:"etcd_session_ttl"`
	EtcdKeyPrefix  string   `toml:"etcd_key_prefix"`

	// RootPath is the namespace every primitive lives under.
	RootPath string `toml:"root_path"`
	// WaitTimeout bounds barrier, queue and member-count waits; zero waits forever.
	WaitTimeout          Duration `toml:"wait_timeout"`
	PeerRequestTimeout   Duration `toml:"peer_request_timeout"`
	PeerLivenessInterval Duration `toml:"peer_liveness_interval"`
	MessageTTL           Duration `toml:"message_ttl"`
	JanitorSchedule      string   `toml:"janitor_schedule"`
	MaxChunkSize         int      `toml:"max_chunk_size"`

	LogLevel    string `toml:"log_level"`
	LogEncoding string `toml:"log_encoding"`

	APIPort string `toml:"api_port"`

	TracingEnabled  bool    `toml:"tracing_enabled"`
	TracingEndpoint string  `toml:"tracing_endpoint"`
	TracingSampling float64 `toml:"tracing_sampling"`

	BreakerFailureThreshold int      `toml:"breaker_failure_threshold"`
	BreakerTimeout          Duration `toml:"breaker_timeout"`
}

// LoadConfig builds the configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		StoreBackend:            getEnv("COORD_STORE_BACKEND", BackendMemory),
		ZKServers:               getEnvAsList("ZK_SERVERS", []string{"localhost:2181"}),
		ZKSessionTimeout:        getEnvAsDuration("ZK_SESSION_TIMEOUT", 10*time.Second),
		EtcdEndpoints:           getEnvAsList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		EtcdSessionTTL:          getEnvAsInt("ETCD_SESSION_TTL", 15),
		EtcdKeyPrefix:           getEnv("ETCD_KEY_PREFIX", "/coordkit"),
		RootPath:                getEnv("COORD_ROOT_PATH", "/coordination"),
		WaitTimeout:             getEnvAsDuration("COORD_WAIT_TIMEOUT", 0),
		PeerRequestTimeout:      getEnvAsDuration("COORD_PEER_REQUEST_TIMEOUT", 2*time.Minute),
		PeerLivenessInterval:    getEnvAsDuration("COORD_PEER_LIVENESS_INTERVAL", 5*time.Second),
		MessageTTL:              getEnvAsDuration("COORD_MESSAGE_TTL", 2*time.Minute),
		JanitorSchedule:         getEnv("COORD_JANITOR_SCHEDULE", "@every 30s"),
		MaxChunkSize:            getEnvAsInt("COORD_MAX_CHUNK_SIZE", 512*1024),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogEncoding:             getEnv("LOG_ENCODING", "json"),
		APIPort:                 getEnv("API_PORT", "8080"),
		TracingEnabled:          getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint:         getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingSampling:         getEnvAsFloat("TRACING_SAMPLING", 1.0),
		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerTimeout:          getEnvAsDuration("BREAKER_TIMEOUT", 30*time.Second),
	}
}

// LoadFile overlays a TOML file on top of the environment configuration.
// Keys absent from the file keep their environment (or default) value.
func LoadFile(path string) (*Config, error) {
	cfg := LoadConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendZooKeeper:
		if len(c.ZKServers) == 0 {
			return errors.New("zookeeper backend requires zk_servers")
		}
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return errors.New("etcd backend requires etcd_endpoints")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if !strings.HasPrefix(c.RootPath, "/") || (len(c.RootPath) > 1 && strings.HasSuffix(c.RootPath, "/")) {
		return fmt.Errorf("root path must be absolute without trailing slash: %q", c.RootPath)
	}
	if c.MaxChunkSize <= 0 {
		return errors.New("max chunk size must be positive")
	}
	if c.PeerLivenessInterval.Duration <= 0 {
		return errors.New("peer liveness interval must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return Duration{value}
	}
	return Duration{fallback}
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
