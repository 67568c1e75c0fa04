package wire

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xcom-meshd/internal/linkerr"
)

func TestVarintRoundTrip(t *testing.T) {
	tests := []struct {
		v   uint64
		len int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{math.MaxUint32, 5},
		{math.MaxUint64, 10},
	}
	for _, tt := range tests {
		buf := AppendVarint([]byte{0xAA}, tt.v)
		require.Len(t, buf, 1+tt.len)

		got, next, err := Varint(buf, 1)
		require.NoError(t, err)
		assert.Equal(t, tt.v, got)
		assert.Equal(t, len(buf), next)
	}
}

func TestVarintTruncated(t *testing.T) {
	noTerminator := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	_, next, err := Varint(noTerminator, 0)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))
	assert.Equal(t, 0, next)

	_, _, err = Varint([]byte{0x80, 0x80}, 0)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))

	_, _, err = Varint([]byte{0x01}, 5)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))
}

func TestVarintOverflowIsMalformed(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x02}
	_, _, err := Varint(buf, 0)
	assert.True(t, errors.Is(err, linkerr.ErrMalformed))
}

func TestFixedWidth(t *testing.T) {
	buf := []byte{0x00, 0x1B, 0xB7, 0x00, 0x00, 0xFF, 0xFF}

	v, next, err := SFixed32(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(12_000_000), v)
	assert.Equal(t, 5, next)

	u16, _, err := Uint16LE(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), u16)

	_, _, err = Uint32LE(buf, 4)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))
	_, _, err = Fixed64(buf, 0)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))
	_, _, err = Uint16BE(buf, -1)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))

	be, _, err := Uint32BE([]byte{0x01, 0x02, 0x03, 0x04}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), be)
}

func TestBytesBoundsChecked(t *testing.T) {
	b, next, err := Bytes([]byte{0x03, 'a', 'b', 'c', 'd'}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b)
	assert.Equal(t, 4, next)

	_, _, err = Bytes([]byte{0x05, 'a'}, 0)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))

	// Length that would overflow int.
	huge := AppendVarint(nil, math.MaxUint64)
	_, _, err = Bytes(huge, 0)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))
}

func TestSkipAndFields(t *testing.T) {
	// field 1 sfixed32, field 9 unknown bytes, field 3 varint, field 7 fixed64
	msg := []byte{0x0D, 0x80, 0x96, 0x98, 0x00}
	msg = append(msg, 0x4A, 0x02, 'h', 'i')
	msg = append(msg, 0x18, 0x96, 0x01)
	msg = append(msg, 0x39, 1, 2, 3, 4, 5, 6, 7, 8)

	seen := map[int]Field{}
	err := Fields(msg, func(f Field) error {
		seen[f.Num] = f
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(10_000_000), seen[1].Int32())
	assert.Equal(t, []byte("hi"), seen[9].Bytes)
	assert.Equal(t, uint64(150), seen[3].Varint)
	assert.Equal(t, Fixed64Type, seen[7].Type)

	// offset 5 holds a tag byte, read as a length it overruns the buffer
	_, err = Skip(msg, 5, BytesType)
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))

	next, err := Skip(msg, 6, BytesType)
	require.NoError(t, err)
	assert.Equal(t, 9, next)

	_, err = Skip(msg, 0, 3)
	assert.True(t, errors.Is(err, linkerr.ErrMalformed))
}

func TestFieldsRejectsTruncatedMessage(t *testing.T) {
	err := Fields([]byte{0x0D, 0x01, 0x02}, func(Field) error { return nil })
	assert.True(t, errors.Is(err, linkerr.ErrTruncated))

	err = Fields([]byte{0x00, 0x01}, func(Field) error { return nil })
	assert.True(t, errors.Is(err, linkerr.ErrMalformed))
}
