// Package config holds the transport configuration and the daemon settings.
//
// TransportConfig is an immutable snapshot: it is only ever replaced through
// Merge followed by Normalize, which re-clamps every bound.
package config

import (
	"strconv"
	"strings"
	"time"

	"xcom-meshd/internal/ble"
)

// Radio families.
const (
	FamilyMeshtastic = "meshtastic"
	FamilyMeshCore   = "meshcore"
)

// Families lists every supported family.
var Families = []string{FamilyMeshtastic, FamilyMeshCore}

// ConnectionBLE is the only connection kind.
const ConnectionBLE = "ble"

// Destination modes.
const (
	ModeBroadcast = "broadcast"
	ModeDirect    = "direct"
)

const (
	MinLogEntries, MaxLogEntries, DefaultLogEntries = 50, 5000, 500
	MinNodes, MaxNodes, DefaultNodes                = 10, 2000, 300
	MinChannels, MaxChannels, DefaultChannels       = 1, 64, 16
	MinDmPeers, MaxDmPeers, DefaultDmPeers          = 10, 1000, 200
	MaxAttemptsCap                                  = 1000
	MaxChannelIndex                                 = 7
)

const (
	MinReconnectDelay     = 250 * time.Millisecond
	MaxReconnectMinDelay  = 60 * time.Second
	DefaultReconnectMin   = time.Second
	MaxReconnectDelay     = 10 * time.Minute
	DefaultReconnectMax   = 30 * time.Second
	MinCommandTimeout     = time.Second
	MaxCommandTimeout     = 60 * time.Second
	DefaultCommandTimeout = 8 * time.Second
)

// Destination says where SendText goes when the caller does not say.
// Channel applies to broadcasts, Target to direct messages: a Meshtastic
// node ID ("!a1b2c3d4" or decimal) or a MeshCore public key prefix in hex.
type Destination struct {
	Mode    string `json:"mode" mapstructure:"mode"`
	Channel int    `json:"channel" mapstructure:"channel"`
	Target  string `json:"target,omitempty" mapstructure:"target"`
}

// TransportConfig is the persisted transport configuration.
type TransportConfig struct {
	Family        string `json:"family"`
	Connection    string `json:"connection"`
	Address       string `json:"address,omitempty"`
	Adapter       string `json:"adapter"`
	AutoReconnect bool   `json:"auto_reconnect"`

	Meshtastic Destination `json:"meshtastic"`
	MeshCore   Destination `json:"meshcore"`

	MaxLogEntries       int   `json:"max_log_entries"`
	MaxNodes            int   `json:"max_nodes"`
	MaxChannels         int   `json:"max_channels"`
	MaxDmPeers          int   `json:"max_dm_peers"`
	ReconnectMinDelayMs int64 `json:"reconnect_min_delay_ms"`
	ReconnectMaxDelayMs int64 `json:"reconnect_max_delay_ms"`
	MaxAttempts         int   `json:"max_attempts"`
	CommandTimeoutMs    int64 `json:"command_timeout_ms"`
}

// Default returns the normalized defaults.
func Default() TransportConfig {
	return Normalize(TransportConfig{AutoReconnect: true})
}

func (c TransportConfig) ReconnectMinDelay() time.Duration {
	return time.Duration(c.ReconnectMinDelayMs) * time.Millisecond
}

func (c TransportConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

func (c TransportConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// DestinationFor returns the default destination of family.
func (c TransportConfig) DestinationFor(family string) Destination {
	if family == FamilyMeshCore {
		return c.MeshCore
	}
	return c.Meshtastic
}

// LinkChanged reports whether moving from a to b changes which device the
// transport talks to.
func LinkChanged(a, b TransportConfig) bool {
	return a.Family != b.Family || a.Address != b.Address || a.Adapter != b.Adapter
}

// Normalize clamps every bound and replaces unknown enum values.
func Normalize(c TransportConfig) TransportConfig {
	switch strings.ToLower(strings.TrimSpace(c.Family)) {
	case FamilyMeshCore:
		c.Family = FamilyMeshCore
	default:
		c.Family = FamilyMeshtastic
	}
	c.Connection = ConnectionBLE

	c.Address = strings.TrimSpace(c.Address)
	if c.Address != "" {
		if addr, err := ble.ParseAddress(c.Address); err == nil {
			c.Address = addr
		} else {
			c.Address = ""
		}
	}
	if a, err := ble.SanitizeAdapter(strings.TrimSpace(c.Adapter)); err == nil {
		c.Adapter = a
	} else {
		c.Adapter = "hci0"
	}

	c.Meshtastic = NormalizeDestination(c.Meshtastic)
	c.MeshCore = NormalizeDestination(c.MeshCore)

	c.MaxLogEntries = clampInt(c.MaxLogEntries, MinLogEntries, MaxLogEntries, DefaultLogEntries)
	c.MaxNodes = clampInt(c.MaxNodes, MinNodes, MaxNodes, DefaultNodes)
	c.MaxChannels = clampInt(c.MaxChannels, MinChannels, MaxChannels, DefaultChannels)
	c.MaxDmPeers = clampInt(c.MaxDmPeers, MinDmPeers, MaxDmPeers, DefaultDmPeers)
	c.MaxAttempts = min(max(c.MaxAttempts, 0), MaxAttemptsCap)

	minDelay := clampDuration(c.ReconnectMinDelay(), MinReconnectDelay, MaxReconnectMinDelay, DefaultReconnectMin)
	maxDelay := clampDuration(c.ReconnectMaxDelay(), minDelay, MaxReconnectDelay, max(DefaultReconnectMax, minDelay))
	c.ReconnectMinDelayMs = minDelay.Milliseconds()
	c.ReconnectMaxDelayMs = maxDelay.Milliseconds()
	c.CommandTimeoutMs = clampDuration(c.CommandTimeout(), MinCommandTimeout, MaxCommandTimeout, DefaultCommandTimeout).Milliseconds()
	return c
}

// NormalizeDestination clamps the channel index and falls back to broadcast
// when a direct destination has no target.
func NormalizeDestination(d Destination) Destination {
	d.Target = strings.TrimSpace(d.Target)
	d.Channel = min(max(d.Channel, 0), MaxChannelIndex)
	switch strings.ToLower(strings.TrimSpace(d.Mode)) {
	case ModeDirect:
		if d.Target == "" {
			d.Mode = ModeBroadcast
		} else {
			d.Mode = ModeDirect
		}
	default:
		d.Mode = ModeBroadcast
	}
	if d.Mode == ModeBroadcast {
		d.Target = ""
	}
	return d
}

// clampInt maps zero to def and clamps everything else into [lo, hi].
func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

func clampDuration(v, lo, hi, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

// ParseNodeNum accepts "!a1b2c3d4", "0xa1b2c3d4" or a decimal node number.
func ParseNodeNum(s string) (uint32, bool) {
	s = strings.TrimSpace(s)
	base := 10
	switch {
	case strings.HasPrefix(s, "!"):
		s, base = s[1:], 16
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s, base = s[2:], 16
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
