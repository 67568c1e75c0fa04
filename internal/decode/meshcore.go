// Package decode parses the structured payloads carried inside MeshCore
// companion frames and the TAK sub-messages relayed over both mesh families.
//
// Fixed-layout decoders return nil when the buffer is shorter than the layout
// requires. Tag-based decoders skip unknown fields and return nil only on
// malformed input or out-of-range positions.
package decode

import (
	"bytes"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"xcom-meshd/internal/wire"
)

// SelfInfoLen is the fixed size of a SELF_INFO payload, opcode excluded.
const SelfInfoLen = 4 + 6 + 1 + 4 + 4 + 4 + 32 + 1 + 1

// SelfInfo is the radio's own identity as reported after APP_START.
type SelfInfo struct {
	ID         uint32
	Prefix     string // hex of the 6-byte public key prefix
	AdvertType byte
	Lat        float64
	Lon        float64
	HasFix     bool
	Timestamp  uint32
	Name       string
	Battery    uint8
}

// ParseSelfInfo decodes a SELF_INFO payload.
func ParseSelfInfo(b []byte) *SelfInfo {
	if len(b) < SelfInfoLen {
		return nil
	}
	id, off, _ := wire.Uint32LE(b, 0)
	s := &SelfInfo{ID: id, Prefix: hex.EncodeToString(b[off : off+6])}
	off += 6
	s.AdvertType = b[off]
	off++
	lat, off, _ := wire.Int32LE(b, off)
	lon, off, _ := wire.Int32LE(b, off)
	s.Timestamp, off, _ = wire.Uint32LE(b, off)
	s.Name = cString(b[off : off+32])
	off += 32
	off++ // reserved
	s.Battery = b[off]

	if lat != 0 || lon != 0 {
		if la, lo, ok := ScalePosition(lat, lon, 1e6); ok {
			s.Lat, s.Lon, s.HasFix = la, lo, true
		}
	}
	return s
}

// MessageHeader is an incoming direct text message.
type MessageHeader struct {
	Timestamp uint32
	Prefix    string
	Text      string
}

// ParseMessageHeader decodes a CONTACT_MSG payload: sender timestamp,
// 6-byte prefix, text length, text.
func ParseMessageHeader(b []byte) *MessageHeader {
	const fixed = 4 + 6 + 1
	if len(b) < fixed {
		return nil
	}
	ts, off, _ := wire.Uint32LE(b, 0)
	prefix := hex.EncodeToString(b[off : off+6])
	off += 6
	n := int(b[off])
	off++
	if len(b) < off+n {
		return nil
	}
	return &MessageHeader{Timestamp: ts, Prefix: prefix, Text: validText(b[off : off+n])}
}

// ContactMessage is the v3 direct message form, which carries SNR and path.
type ContactMessage struct {
	SNR       float64
	Prefix    string
	PathLen   byte
	TextType  byte
	Timestamp uint32
	Text      string
}

// ParseContactMessageV3 decodes a CONTACT_MSG_V3 payload.
func ParseContactMessageV3(b []byte) *ContactMessage {
	const fixed = 1 + 2 + 6 + 1 + 1 + 4
	if len(b) < fixed {
		return nil
	}
	m := &ContactMessage{SNR: float64(int8(b[0])) / 4}
	off := 3
	m.Prefix = hex.EncodeToString(b[off : off+6])
	off += 6
	m.PathLen, m.TextType = b[off], b[off+1]
	off += 2
	m.Timestamp, off, _ = wire.Uint32LE(b, off)
	m.Text = validText(b[off:])
	return m
}

// ChannelMessage is a group text received on a channel slot.
type ChannelMessage struct {
	SNR       float64
	Channel   uint8
	PathLen   byte
	TextType  byte
	Timestamp uint32
	Text      string
}

// ParseChannelMessage decodes CHANNEL_MSG (v3=false) or CHANNEL_MSG_V3.
func ParseChannelMessage(b []byte, v3 bool) *ChannelMessage {
	m := &ChannelMessage{}
	off := 0
	if v3 {
		if len(b) < 3 {
			return nil
		}
		m.SNR = float64(int8(b[0])) / 4
		off = 3
	}
	if len(b) < off+1+1+1+4 {
		return nil
	}
	m.Channel, m.PathLen, m.TextType = b[off], b[off+1], b[off+2]
	off += 3
	m.Timestamp, off, _ = wire.Uint32LE(b, off)
	m.Text = validText(b[off:])
	return m
}

// DeviceInfo is the DEVICE_INFO response to DEVICE_QUERY.
type DeviceInfo struct {
	FirmwareVersion byte
	MaxContacts     int
	MaxChannels     int
	BuildDate       string
	Model           string
	Version         string
}

// ParseDeviceInfo decodes a DEVICE_INFO payload. Firmware older than v3 only
// reports its version byte.
func ParseDeviceInfo(b []byte) *DeviceInfo {
	if len(b) < 1 {
		return nil
	}
	d := &DeviceInfo{FirmwareVersion: b[0]}
	if d.FirmwareVersion < 3 || len(b) < 3 {
		return d
	}
	d.MaxContacts = int(b[1]) * 2
	d.MaxChannels = int(b[2])
	off := 3 + 4 // ble pin
	if len(b) < off+12+40 {
		return d
	}
	d.BuildDate = cString(b[off : off+12])
	off += 12
	d.Model = cString(b[off : off+40])
	off += 40
	d.Version = strings.TrimSpace(cString(b[off:]))
	return d
}

// ChannelInfo is a CHANNEL_INFO response. The channel secret is not kept.
type ChannelInfo struct {
	Index uint8
	Name  string
}

func ParseChannelInfo(b []byte) *ChannelInfo {
	if len(b) < 1+32 {
		return nil
	}
	return &ChannelInfo{Index: b[0], Name: cString(b[1:33])}
}

// Advert is a node advertisement push. Short ADVERT pushes carry only the
// public key; NEW_ADVERT carries the full contact record.
type Advert struct {
	PublicKey  string
	ID         uint32
	Type       byte
	Name       string
	LastAdvert uint32
	Lat        float64
	Lon        float64
	HasFix     bool
}

const (
	pubKeyLen     = 32
	contactRecLen = pubKeyLen + 1 + 1 + 1 + 64 + 32 + 4 + 4 + 4
)

func ParseAdvert(b []byte) *Advert {
	if len(b) < 6 {
		return nil
	}
	key := b[:min(len(b), pubKeyLen)]
	id, _, _ := wire.Uint32BE(key, 0)
	a := &Advert{PublicKey: hex.EncodeToString(key), ID: id}
	if len(b) < contactRecLen {
		return a
	}
	off := pubKeyLen
	a.Type = b[off]
	off += 3 + 64 // type, flags, out_path_len, out_path
	a.Name = cString(b[off : off+32])
	off += 32
	a.LastAdvert, off, _ = wire.Uint32LE(b, off)
	lat, off, _ := wire.Int32LE(b, off)
	lon, _, _ := wire.Int32LE(b, off)
	if lat != 0 || lon != 0 {
		if la, lo, ok := ScalePosition(lat, lon, 1e6); ok {
			a.Lat, a.Lon, a.HasFix = la, lo, true
		}
	}
	return a
}

// NodeIDFromPrefix derives the numeric node key from a hex public key prefix.
func NodeIDFromPrefix(prefix string) uint32 {
	raw, err := hex.DecodeString(prefix)
	if err != nil || len(raw) < 4 {
		return 0
	}
	id, _, _ := wire.Uint32BE(raw, 0)
	return id
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return validText(b)
}

func validText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
