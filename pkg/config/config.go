/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variables used to configure the fleet-console
const EnvPrefix = "APIP_CONSOLE_"

// Config holds all configuration for the fleet-console
type Config struct {
	FleetConsole FleetConsole `koanf:"fleet_console"`
}

// FleetConsole holds the main configuration sections for the fleet-console
type FleetConsole struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Storage      StorageConfig      `koanf:"storage"`
	ControlPlane ControlPlaneConfig `koanf:"controlplane"`
	Transport    TransportConfig    `koanf:"transport"`
	Queue        QueueConfig        `koanf:"queue"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// ServerConfig holds status API server configuration
type ServerConfig struct {
	APIPort         int           `koanf:"api_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" (default) or "text"
}

// StorageConfig holds durable store configuration
type StorageConfig struct {
	Type   string       `koanf:"type"`   // "bolt", "sqlite", or "memory"
	Bolt   BoltConfig   `koanf:"bolt"`   // bbolt-specific configuration
	SQLite SQLiteConfig `koanf:"sqlite"` // SQLite-specific configuration
}

// BoltConfig holds bbolt-specific configuration
type BoltConfig struct {
	Path string `koanf:"path"` // Path to bbolt database file
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `koanf:"path"` // Path to SQLite database file
}

// ControlPlaneConfig holds control plane connection configuration
type ControlPlaneConfig struct {
	Host               string        `koanf:"host"`                 // Control plane hostname
	Channel            string        `koanf:"channel"`              // Dashboard channel to subscribe to
	Token              string        `koanf:"token"`                // Console session token (api-key)
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"` // Skip TLS certificate verification (dev only)
	ConnectTimeout     time.Duration `koanf:"connect_timeout"`      // WebSocket dial timeout
	KeepaliveInterval  time.Duration `koanf:"keepalive_interval"`   // Ping interval; missing pongs for 2x this forces a reconnect
	ReconnectInitial   time.Duration `koanf:"reconnect_initial"`    // Initial retry delay
	ReconnectMax       time.Duration `koanf:"reconnect_max"`        // Maximum retry delay
	MaxFailures        int           `koanf:"max_failures"`         // Consecutive failures before the connection is marked degraded
}

// TransportConfig holds transport selection configuration
type TransportConfig struct {
	PollInterval           time.Duration `koanf:"poll_interval"`            // Poll fallback fetch interval
	StreamRecoveryInterval time.Duration `koanf:"stream_recovery_interval"` // How often a degraded stream is retried while polling
}

// QueueConfig holds offline mutation queue configuration
type QueueConfig struct {
	Cap             int           `koanf:"cap"`              // Maximum pending mutations per channel
	MaxAge          time.Duration `koanf:"max_age"`          // Mutations older than this fail instead of replaying; 0 disables expiry
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"` // Per-mutation delivery timeout
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// LoadConfig loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load environment variables with prefix
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)

		// Custom mappings for control plane variables
		switch s {
		case "control_plane_host":
			return "fleet_console.controlplane.host"
		case "session_token":
			return "fleet_console.controlplane.token"
		case "insecure_skip_verify":
			return "fleet_console.controlplane.insecure_skip_verify"
		default:
			// Standard mapping: "__" escapes a literal underscore, "_" becomes "."
			s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
			s = strings.ReplaceAll(s, "_", ".")
			s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
			return s
		}
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal into Config struct with DecodeHook for duration strings
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config struct with default configuration values
func defaultConfig() *Config {
	return &Config{
		FleetConsole: FleetConsole{
			Server: ServerConfig{
				APIPort:         9390,
				ShutdownTimeout: 15 * time.Second,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Storage: StorageConfig{
				Type: "bolt",
				Bolt: BoltConfig{
					Path: "./data/fleet-console.db",
				},
				SQLite: SQLiteConfig{
					Path: "./data/fleet-console.sqlite",
				},
			},
			ControlPlane: ControlPlaneConfig{
				Host:               "localhost:9243",
				Channel:            "fleet",
				Token:              "",
				InsecureSkipVerify: false,
				ConnectTimeout:     10 * time.Second,
				KeepaliveInterval:  15 * time.Second,
				ReconnectInitial:   1 * time.Second,
				ReconnectMax:       30 * time.Second,
				MaxFailures:        5,
			},
			Transport: TransportConfig{
				PollInterval:           10 * time.Second,
				StreamRecoveryInterval: 30 * time.Second,
			},
			Queue: QueueConfig{
				Cap:             100,
				MaxAge:          0, // never expire by default
				DeliveryTimeout: 15 * time.Second,
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9391,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	fc := &c.FleetConsole

	// Validate storage type
	validStorageTypes := []string{"bolt", "sqlite", "memory"}
	isValidType := false
	for _, t := range validStorageTypes {
		if fc.Storage.Type == t {
			isValidType = true
			break
		}
	}
	if !isValidType {
		return fmt.Errorf("storage.type must be one of: bolt, sqlite, memory, got: %s", fc.Storage.Type)
	}

	if fc.Storage.Type == "bolt" && fc.Storage.Bolt.Path == "" {
		return fmt.Errorf("storage.bolt.path is required when storage.type is 'bolt'")
	}
	if fc.Storage.Type == "sqlite" && fc.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required when storage.type is 'sqlite'")
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	isValidLevel := false
	for _, level := range validLevels {
		if strings.ToLower(fc.Logging.Level) == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", fc.Logging.Level)
	}

	if fc.Logging.Format != "json" && fc.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be either 'json' or 'text', got: %s", fc.Logging.Format)
	}

	// Validate ports
	if fc.Server.APIPort < 1 || fc.Server.APIPort > 65535 {
		return fmt.Errorf("server.api_port must be between 1 and 65535, got: %d", fc.Server.APIPort)
	}
	if fc.Metrics.Enabled {
		if fc.Metrics.Port < 1 || fc.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", fc.Metrics.Port)
		}
		if fc.Metrics.Port == fc.Server.APIPort {
			return fmt.Errorf("metrics.port cannot be same as server.api_port")
		}
	}

	if err := c.validateControlPlaneConfig(); err != nil {
		return err
	}

	if err := c.validateTransportConfig(); err != nil {
		return err
	}

	return c.validateQueueConfig()
}

// validateControlPlaneConfig validates the control plane configuration
func (c *Config) validateControlPlaneConfig() error {
	cp := &c.FleetConsole.ControlPlane

	if cp.Host == "" {
		return fmt.Errorf("controlplane.host is required")
	}
	if cp.Channel == "" {
		return fmt.Errorf("controlplane.channel is required")
	}

	// Token is optional - the console can run offline-only until a session
	// token is provided

	if cp.ConnectTimeout <= 0 {
		return fmt.Errorf("controlplane.connect_timeout must be positive, got: %s", cp.ConnectTimeout)
	}
	if cp.KeepaliveInterval <= 0 {
		return fmt.Errorf("controlplane.keepalive_interval must be positive, got: %s", cp.KeepaliveInterval)
	}
	if cp.ReconnectInitial <= 0 {
		return fmt.Errorf("controlplane.reconnect_initial must be positive, got: %s", cp.ReconnectInitial)
	}
	if cp.ReconnectMax <= 0 {
		return fmt.Errorf("controlplane.reconnect_max must be positive, got: %s", cp.ReconnectMax)
	}
	if cp.ReconnectInitial > cp.ReconnectMax {
		return fmt.Errorf("controlplane.reconnect_initial (%s) must be <= controlplane.reconnect_max (%s)",
			cp.ReconnectInitial, cp.ReconnectMax)
	}
	if cp.MaxFailures < 1 {
		return fmt.Errorf("controlplane.max_failures must be at least 1, got: %d", cp.MaxFailures)
	}

	return nil
}

// validateTransportConfig validates the transport configuration
func (c *Config) validateTransportConfig() error {
	tr := &c.FleetConsole.Transport

	if tr.PollInterval <= 0 {
		return fmt.Errorf("transport.poll_interval must be positive, got: %s", tr.PollInterval)
	}
	if tr.StreamRecoveryInterval <= 0 {
		return fmt.Errorf("transport.stream_recovery_interval must be positive, got: %s", tr.StreamRecoveryInterval)
	}

	return nil
}

// validateQueueConfig validates the queue configuration
func (c *Config) validateQueueConfig() error {
	q := &c.FleetConsole.Queue

	if q.Cap < 1 {
		return fmt.Errorf("queue.cap must be at least 1, got: %d", q.Cap)
	}
	if q.MaxAge < 0 {
		return fmt.Errorf("queue.max_age must not be negative, got: %s", q.MaxAge)
	}
	if q.DeliveryTimeout <= 0 {
		return fmt.Errorf("queue.delivery_timeout must be positive, got: %s", q.DeliveryTimeout)
	}

	return nil
}

// IsPersistentMode returns true if storage type is not memory
func (c *Config) IsPersistentMode() bool {
	return c.FleetConsole.Storage.Type != "memory"
}
