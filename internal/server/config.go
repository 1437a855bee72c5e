package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/erikjber/opengammatool/internal/export"
	"github.com/erikjber/opengammatool/internal/gammascout"
	"github.com/erikjber/opengammatool/internal/publisher"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/gammatool/config.yaml"

// Config holds all gammatool configuration.
type Config struct {
	mu sync.RWMutex

	Device DeviceConfig     `yaml:"device" json:"device"`
	Export export.Config    `yaml:"export" json:"export"`
	MQTT   publisher.Config `yaml:"mqtt" json:"mqtt"`
	Server ServerConfig     `yaml:"server" json:"server"`
	Log    LogConfig        `yaml:"log" json:"log"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type           string `yaml:"type" json:"type"`                   // "serial" or "demo"
	PortPath       string `yaml:"port_path" json:"portPath"`          // e.g. /dev/ttyUSB0
	Protocol       string `yaml:"protocol" json:"protocol"`           // "auto", "v1" or "v2"
	TimeoutMs      int    `yaml:"timeout_ms" json:"timeoutMs"`        // confirmation wait
	CharDelayMs    int    `yaml:"char_delay_ms" json:"charDelayMs"`   // clock command pacing
	TransferIdleMs int    `yaml:"transfer_idle_ms" json:"transferIdleMs"`
}

type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr" json:"listenAddr"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowedOrigins"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"` // zerolog level name
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:           "serial",
			PortPath:       "/dev/ttyUSB0",
			Protocol:       "auto",
			TimeoutMs:      2000,
			CharDelayMs:    500,
			TransferIdleMs: 10000,
		},
		Export: export.Config{
			AutoSave: false,
			Dir:      "/var/lib/gammatool",
		},
		MQTT: publisher.Config{
			Enabled:  false,
			Server:   publisher.DefaultServer,
			ClientID: publisher.DefaultClientID,
			Topic:    publisher.DefaultTopic,
		},
		Server: ServerConfig{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("component", "config").Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Str("component", "config").Str("path", path).Err(err).Msg("config unreadable, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("component", "config").Str("path", path).Msg("loaded")
	}

	// .env next to the config first, then the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("component", "config").Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_PROTOCOL, DEVICE_TIMEOUT_MS,
// EXPORT_DIR, EXPORT_AUTO_SAVE, MQTT_ENABLED, MQTT_SERVER, MQTT_TOPIC,
// MQTT_USERNAME, MQTT_PASSWORD, LISTEN_ADDR, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.PortPath = v
	}
	if v := os.Getenv("DEVICE_PROTOCOL"); v != "" {
		c.Device.Protocol = v
	}
	if v := os.Getenv("DEVICE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.TimeoutMs = n
		}
	}
	if v := os.Getenv("EXPORT_DIR"); v != "" {
		c.Export.Dir = v
	}
	if v := os.Getenv("EXPORT_AUTO_SAVE"); v != "" {
		c.Export.AutoSave = envBool(v)
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = envBool(v)
	}
	if v := os.Getenv("MQTT_SERVER"); v != "" {
		c.MQTT.Server = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.MQTT.Topic = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// DeviceSettings converts the device section into session settings.
func (c *Config) DeviceSettings() gammascout.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return gammascout.Config{
		PortPath:     c.Device.PortPath,
		Protocol:     c.Device.Protocol,
		Timeout:      ms(c.Device.TimeoutMs),
		CharDelay:    ms(c.Device.CharDelayMs),
		TransferIdle: ms(c.Device.TransferIdleMs),
	}
}

// Validate reports settings that would make a session unusable.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, err := gammascout.ParseProtocol(c.Device.Protocol); err != nil {
		return err
	}
	switch c.Device.Type {
	case "serial", "demo":
	default:
		return fmt.Errorf("config: unknown device type %q (want serial or demo)", c.Device.Type)
	}
	if c.Device.Type == "serial" && c.Device.PortPath == "" {
		return fmt.Errorf("config: device.port_path is required")
	}
	return nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = defaultConfigPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
