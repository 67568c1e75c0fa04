package transport

import (
	"time"

	"xcom-meshd/internal/config"
	"xcom-meshd/internal/directory"
	"xcom-meshd/internal/driver"
)

// Status is the TransportStatus: what the transport looks like from the
// outside right now.
type Status struct {
	Connected        bool               `json:"connected"`
	LinkConnected    bool               `json:"link_connected"`
	DeviceStatus     string             `json:"device_status"`
	Reconnecting     bool               `json:"reconnecting"`
	ReconnectState   string             `json:"reconnect_state"`
	Attempt          int                `json:"attempt"`
	NextAttemptAt    *time.Time         `json:"next_attempt_at,omitempty"`
	ManualDisconnect bool               `json:"manual_disconnect"`
	LastError        string             `json:"last_error,omitempty"`
	Family           string             `json:"family"`
	Device           *driver.DeviceInfo `json:"device,omitempty"`
}

// Snapshot is the full state returned by State.
type Snapshot struct {
	Config   config.TransportConfig               `json:"config"`
	Status   Status                               `json:"status"`
	Traffic  []directory.Entry                    `json:"traffic"`
	Nodes    []directory.NodeRecord               `json:"nodes"`
	Channels map[string][]directory.ChannelRecord `json:"channels"`
}

// Update types.
const (
	UpdateStatus   = "status"
	UpdateConfig   = "config"
	UpdateTraffic  = "traffic"
	UpdateNode     = "node"
	UpdateChannel  = "channel"
	UpdateMessage  = "message"
	UpdateBinary   = "binary"
	UpdateDmUnread = "dm_unread"
	UpdateCleared  = "cleared"
)

// Update is one change pushed to subscribers. Type says which field is set.
type Update struct {
	Type     string                             `json:"type"`
	Status   *Status                            `json:"status,omitempty"`
	Config   *config.TransportConfig            `json:"config,omitempty"`
	Traffic  *directory.Entry                   `json:"traffic,omitempty"`
	Node     *directory.NodeRecord              `json:"node,omitempty"`
	Channel  *ChannelUpdate                     `json:"channel,omitempty"`
	Message  *Message                           `json:"message,omitempty"`
	Binary   *Binary                            `json:"binary,omitempty"`
	DmUnread map[string]directory.DmUnreadEntry `json:"dm_unread,omitempty"`
	// Cleared names the directory that was emptied: "traffic", "nodes",
	// "channels.<family>" or "dm_unread".
	Cleared string `json:"cleared,omitempty"`
}

type ChannelUpdate struct {
	Family string `json:"family"`
	directory.ChannelRecord
}

// Message is an inbound text as subscribers see it.
type Message struct {
	Family  string    `json:"family"`
	From    string    `json:"from"`
	FromNum uint32    `json:"from_num,omitempty"`
	Direct  bool      `json:"direct"`
	Channel int       `json:"channel"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
	SNR     *float64  `json:"snr,omitempty"`
}

// Binary is an opaque payload the radio relayed.
type Binary struct {
	Family string `json:"family"`
	From   string `json:"from"`
	Data   []byte `json:"data"`
}
