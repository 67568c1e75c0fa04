// Package frame implements the length-prefixed, XOR-checksummed framing used
// by MeshCore companion radios over a BLE serial service.
//
// Wire format:
//
//	+----------+----------------+----------+
//	| len u16  | payload (len)  | xor u8   |
//	|   LE     |                |          |
//	+----------+----------------+----------+
//
// Outbound frames are cut into ChunkSize writes. Inbound notifications are
// accumulated until a full frame is present.
package frame

import (
	"encoding/binary"

	"xcom-meshd/internal/linkerr"
)

const (
	// ChunkSize is the largest single BLE write, the minimum guaranteed ATT MTU payload.
	ChunkSize = 20
	// MaxPayload is the largest payload a companion radio accepts.
	MaxPayload = 512

	headerLen  = 2
	trailerLen = 1
)

// Checksum is the XOR of every byte of payload.
func Checksum(payload []byte) byte {
	var x byte
	for _, c := range payload {
		x ^= c
	}
	return x
}

// Encode returns the unchunked frame for payload.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, linkerr.Malformed("payload %d bytes exceeds %d", len(payload), MaxPayload)
	}
	buf := make([]byte, headerLen+len(payload)+trailerLen)
	binary.LittleEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[headerLen:], payload)
	buf[len(buf)-1] = Checksum(payload)
	return buf, nil
}

// Wrap encodes payload and splits the frame into ChunkSize writes.
func Wrap(payload []byte) ([][]byte, error) {
	buf, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	chunks := make([][]byte, 0, (len(buf)+ChunkSize-1)/ChunkSize)
	for len(buf) > 0 {
		n := min(ChunkSize, len(buf))
		chunks = append(chunks, buf[:n:n])
		buf = buf[n:]
	}
	return chunks, nil
}

// Feed appends chunk to buf and extracts every complete frame. It returns the
// validated payloads and the bytes left over for the next call.
//
// A checksum mismatch, or a declared length above MaxPayload, drops the whole
// accumulated buffer: rest is empty and err is ChecksumMismatch. Frames
// validated earlier in the same call are still returned. The error is
// advisory; the stream resynchronises on the next notification.
func Feed(buf, chunk []byte) (frames [][]byte, rest []byte, err error) {
	acc := make([]byte, 0, len(buf)+len(chunk))
	acc = append(acc, buf...)
	acc = append(acc, chunk...)

	for len(acc) >= headerLen {
		n := int(binary.LittleEndian.Uint16(acc))
		if n > MaxPayload {
			return frames, nil, linkerr.ChecksumMismatch()
		}
		total := headerLen + n + trailerLen
		if len(acc) < total {
			break
		}
		payload := acc[headerLen : headerLen+n]
		if Checksum(payload) != acc[total-1] {
			return frames, nil, linkerr.ChecksumMismatch()
		}
		frames = append(frames, append([]byte(nil), payload...))
		acc = acc[total:]
	}
	if len(acc) == 0 {
		return frames, nil, nil
	}
	return frames, acc, nil
}

// Decoder holds the accumulation buffer for one device session.
type Decoder struct {
	buf []byte
}

// Feed is the stateful form of the package-level Feed.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	frames, rest, err := Feed(d.buf, chunk)
	d.buf = rest
	return frames, err
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset discards any partial frame, used when the link drops.
func (d *Decoder) Reset() { d.buf = nil }
