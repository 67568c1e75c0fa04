package config

// DestinationPatch carries optional destination updates.
type DestinationPatch struct {
	Mode    *string `json:"mode,omitempty"`
	Channel *int    `json:"channel,omitempty"`
	Target  *string `json:"target,omitempty"`
}

// Patch is a partial TransportConfig. Nil fields are left unchanged.
type Patch struct {
	Family        *string `json:"family,omitempty"`
	Address       *string `json:"address,omitempty"`
	Adapter       *string `json:"adapter,omitempty"`
	AutoReconnect *bool   `json:"auto_reconnect,omitempty"`

	Meshtastic *DestinationPatch `json:"meshtastic,omitempty"`
	MeshCore   *DestinationPatch `json:"meshcore,omitempty"`

	MaxLogEntries       *int   `json:"max_log_entries,omitempty"`
	MaxNodes            *int   `json:"max_nodes,omitempty"`
	MaxChannels         *int   `json:"max_channels,omitempty"`
	MaxDmPeers          *int   `json:"max_dm_peers,omitempty"`
	ReconnectMinDelayMs *int64 `json:"reconnect_min_delay_ms,omitempty"`
	ReconnectMaxDelayMs *int64 `json:"reconnect_max_delay_ms,omitempty"`
	MaxAttempts         *int   `json:"max_attempts,omitempty"`
	CommandTimeoutMs    *int64 `json:"command_timeout_ms,omitempty"`
}

// Merge applies p to c. The result still needs Normalize.
func Merge(c TransportConfig, p Patch) TransportConfig {
	set(&c.Family, p.Family)
	set(&c.Address, p.Address)
	set(&c.Adapter, p.Adapter)
	set(&c.AutoReconnect, p.AutoReconnect)
	c.Meshtastic = mergeDestination(c.Meshtastic, p.Meshtastic)
	c.MeshCore = mergeDestination(c.MeshCore, p.MeshCore)
	set(&c.MaxLogEntries, p.MaxLogEntries)
	set(&c.MaxNodes, p.MaxNodes)
	set(&c.MaxChannels, p.MaxChannels)
	set(&c.MaxDmPeers, p.MaxDmPeers)
	set(&c.ReconnectMinDelayMs, p.ReconnectMinDelayMs)
	set(&c.ReconnectMaxDelayMs, p.ReconnectMaxDelayMs)
	set(&c.MaxAttempts, p.MaxAttempts)
	set(&c.CommandTimeoutMs, p.CommandTimeoutMs)
	return c
}

// Apply is Merge followed by Normalize.
func Apply(c TransportConfig, p Patch) TransportConfig {
	return Normalize(Merge(c, p))
}

func mergeDestination(d Destination, p *DestinationPatch) Destination {
	if p == nil {
		return d
	}
	set(&d.Mode, p.Mode)
	set(&d.Channel, p.Channel)
	set(&d.Target, p.Target)
	return d
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
