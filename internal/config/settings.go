package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Settings are the daemon's process-level settings.
type Settings struct {
	Listen   string
	DBPath   string
	LogLevel string
	Adapter  string
	// Transport seeds the TransportConfig when nothing is persisted yet.
	Transport TransportConfig
}

// Load reads settings from the optional YAML file at path, then XCOM_*
// environment variables, over built-in defaults.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("XCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("listen", "127.0.0.1:6070")
	v.SetDefault("db_path", "/var/lib/xcom-meshd/state.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("ble.adapter", def.Adapter)
	v.SetDefault("transport.family", def.Family)
	v.SetDefault("transport.address", "")
	v.SetDefault("transport.auto_reconnect", def.AutoReconnect)
	v.SetDefault("transport.max_log_entries", def.MaxLogEntries)
	v.SetDefault("transport.max_nodes", def.MaxNodes)
	v.SetDefault("transport.max_channels", def.MaxChannels)
	v.SetDefault("transport.max_dm_peers", def.MaxDmPeers)
	v.SetDefault("transport.reconnect_min_delay", def.ReconnectMinDelay())
	v.SetDefault("transport.reconnect_max_delay", def.ReconnectMaxDelay())
	v.SetDefault("transport.max_attempts", def.MaxAttempts)
	v.SetDefault("transport.command_timeout", def.CommandTimeout())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s := &Settings{
		Listen:   v.GetString("listen"),
		DBPath:   v.GetString("db_path"),
		LogLevel: strings.ToLower(v.GetString("log.level")),
		Adapter:  v.GetString("ble.adapter"),
	}
	if _, err := zapcore.ParseLevel(s.LogLevel); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	// Nested keys are read one by one so env overrides apply to each.
	t := TransportConfig{
		Family:              v.GetString("transport.family"),
		Address:             v.GetString("transport.address"),
		Adapter:             s.Adapter,
		AutoReconnect:       v.GetBool("transport.auto_reconnect"),
		MaxLogEntries:       v.GetInt("transport.max_log_entries"),
		MaxNodes:            v.GetInt("transport.max_nodes"),
		MaxChannels:         v.GetInt("transport.max_channels"),
		MaxDmPeers:          v.GetInt("transport.max_dm_peers"),
		ReconnectMinDelayMs: v.GetDuration("transport.reconnect_min_delay").Milliseconds(),
		ReconnectMaxDelayMs: v.GetDuration("transport.reconnect_max_delay").Milliseconds(),
		MaxAttempts:         v.GetInt("transport.max_attempts"),
		CommandTimeoutMs:    v.GetDuration("transport.command_timeout").Milliseconds(),
	}
	if err := v.UnmarshalKey("transport.meshtastic", &t.Meshtastic); err != nil {
		return nil, fmt.Errorf("transport.meshtastic: %w", err)
	}
	if err := v.UnmarshalKey("transport.meshcore", &t.MeshCore); err != nil {
		return nil, fmt.Errorf("transport.meshcore: %w", err)
	}
	s.Transport = Normalize(t)
	return s, nil
}
