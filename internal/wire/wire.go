// Package wire decodes varints, fixed-width integers and length-delimited
// fields from immutable byte buffers. Every function takes a cursor offset and
// returns the decoded value with the offset just past it. None of them panic:
// out-of-range offsets and short buffers come back as linkerr errors.
package wire

import (
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"

	"xcom-meshd/internal/linkerr"
)

// Wire types of a tagged field.
type Type = protowire.Type

const (
	VarintType  = protowire.VarintType
	Fixed64Type = protowire.Fixed64Type
	BytesType   = protowire.BytesType
	Fixed32Type = protowire.Fixed32Type
)

// MaxVarintLen is the longest encoding of a 64-bit varint.
const MaxVarintLen = 10

func tail(b []byte, off int, what string) ([]byte, error) {
	if off < 0 || off > len(b) {
		return nil, linkerr.Truncated(what)
	}
	return b[off:], nil
}

// Varint decodes an unsigned LEB128 varint at off.
func Varint(b []byte, off int) (uint64, int, error) {
	rest, err := tail(b, off, "varint")
	if err != nil {
		return 0, off, err
	}
	v, n := protowire.ConsumeVarint(rest)
	if n < 0 {
		limit := min(len(rest), MaxVarintLen)
		for i := 0; i < limit; i++ {
			if rest[i] < 0x80 {
				return 0, off, linkerr.Malformed("varint overflows 64 bits")
			}
		}
		return 0, off, linkerr.Truncated("varint")
	}
	return v, off + n, nil
}

// AppendVarint is the encoding counterpart of Varint.
func AppendVarint(dst []byte, v uint64) []byte {
	return protowire.AppendVarint(dst, v)
}

// Fixed32 decodes a little-endian uint32.
func Fixed32(b []byte, off int) (uint32, int, error) {
	rest, err := tail(b, off, "fixed32")
	if err != nil {
		return 0, off, err
	}
	v, n := protowire.ConsumeFixed32(rest)
	if n < 0 {
		return 0, off, linkerr.Truncated("fixed32")
	}
	return v, off + n, nil
}

// SFixed32 decodes a little-endian two's complement int32.
func SFixed32(b []byte, off int) (int32, int, error) {
	v, next, err := Fixed32(b, off)
	return int32(v), next, err
}

// Fixed64 decodes a little-endian uint64.
func Fixed64(b []byte, off int) (uint64, int, error) {
	rest, err := tail(b, off, "fixed64")
	if err != nil {
		return 0, off, err
	}
	v, n := protowire.ConsumeFixed64(rest)
	if n < 0 {
		return 0, off, linkerr.Truncated("fixed64")
	}
	return v, off + n, nil
}

// Bytes decodes a varint length followed by that many bytes. The returned
// slice aliases b.
func Bytes(b []byte, off int) ([]byte, int, error) {
	l, next, err := Varint(b, off)
	if err != nil {
		return nil, off, err
	}
	if l > uint64(len(b)-next) {
		return nil, off, linkerr.Truncated("length-delimited field")
	}
	end := next + int(l)
	return b[next:end], end, nil
}

// Tag decodes a field key into its field number and wire type.
func Tag(b []byte, off int) (int, Type, int, error) {
	v, next, err := Varint(b, off)
	if err != nil {
		return 0, 0, off, err
	}
	num := v >> 3
	if num == 0 || num > uint64(protowire.MaxValidNumber) {
		return 0, 0, off, linkerr.Malformed("invalid field number %d", num)
	}
	return int(num), Type(v & 7), next, nil
}

// Skip consumes one field value of the given wire type.
func Skip(b []byte, off int, typ Type) (int, error) {
	switch typ {
	case VarintType:
		_, next, err := Varint(b, off)
		return next, err
	case Fixed64Type:
		_, next, err := Fixed64(b, off)
		return next, err
	case BytesType:
		_, next, err := Bytes(b, off)
		return next, err
	case Fixed32Type:
		_, next, err := Fixed32(b, off)
		return next, err
	default:
		return off, linkerr.Malformed("unsupported wire type %d", typ)
	}
}

// Uint16LE reads two bytes little-endian.
func Uint16LE(b []byte, off int) (uint16, int, error) {
	if off < 0 || off+2 > len(b) {
		return 0, off, linkerr.Truncated("uint16")
	}
	return binary.LittleEndian.Uint16(b[off:]), off + 2, nil
}

// Uint32LE reads four bytes little-endian.
func Uint32LE(b []byte, off int) (uint32, int, error) {
	if off < 0 || off+4 > len(b) {
		return 0, off, linkerr.Truncated("uint32")
	}
	return binary.LittleEndian.Uint32(b[off:]), off + 4, nil
}

// Int32LE reads a signed 32-bit little-endian integer.
func Int32LE(b []byte, off int) (int32, int, error) {
	v, next, err := Uint32LE(b, off)
	return int32(v), next, err
}

func Uint16BE(b []byte, off int) (uint16, int, error) {
	if off < 0 || off+2 > len(b) {
		return 0, off, linkerr.Truncated("uint16")
	}
	return binary.BigEndian.Uint16(b[off:]), off + 2, nil
}

func Uint32BE(b []byte, off int) (uint32, int, error) {
	if off < 0 || off+4 > len(b) {
		return 0, off, linkerr.Truncated("uint32")
	}
	return binary.BigEndian.Uint32(b[off:]), off + 4, nil
}
