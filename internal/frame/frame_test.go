package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xcom-meshd/internal/linkerr"
)

func TestWrapChunking(t *testing.T) {
	chunks, err := Wrap(bytes.Repeat([]byte{0x41}, 40))
	require.NoError(t, err)
	// 2 + 40 + 1 = 43 bytes
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], ChunkSize)
	assert.Len(t, chunks[1], ChunkSize)
	assert.Len(t, chunks[2], 3)
	assert.Equal(t, []byte{40, 0}, chunks[0][:2])

	_, err = Wrap(make([]byte, MaxPayload+1))
	assert.True(t, errors.Is(err, linkerr.ErrMalformed))
}

func TestRoundTripArbitrarySplits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sizes := []int{0, 1, 17, 18, 19, 20, 64, 300, MaxPayload}

	for _, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)

		chunks, err := Wrap(payload)
		require.NoError(t, err)
		stream := bytes.Join(chunks, nil)

		for trial := 0; trial < 20; trial++ {
			var dec Decoder
			var got [][]byte
			for off := 0; off < len(stream); {
				n := 1 + rng.Intn(25)
				end := min(off+n, len(stream))
				frames, err := dec.Feed(stream[off:end])
				require.NoError(t, err)
				got = append(got, frames...)
				off = end
			}
			require.Len(t, got, 1, "size %d", size)
			assert.Equal(t, payload, got[0])
			assert.Zero(t, dec.Buffered())
		}
	}
}

func TestFeedKeepsFollowingFrame(t *testing.T) {
	a, _ := Encode([]byte("first"))
	b, _ := Encode([]byte("second"))
	stream := append(append([]byte{}, a...), b[:4]...)

	frames, rest, err := Feed(nil, stream)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("first"), frames[0])
	assert.Equal(t, b[:4], rest)

	frames, rest, err = Feed(rest, b[4:])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("second")}, frames)
	assert.Empty(t, rest)
}

func TestCorruptChecksumDropsBuffer(t *testing.T) {
	buf, err := Encode([]byte("hello mesh"))
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xFF

	frames, rest, err := Feed(nil, buf)
	assert.Empty(t, frames)
	assert.Empty(t, rest)
	assert.True(t, errors.Is(err, linkerr.ErrChecksumMismatch))

	// The next good frame decodes from a clean buffer.
	good, _ := Encode([]byte("ok"))
	frames, _, err = Feed(rest, good)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("ok")}, frames)
}

func TestOversizeLengthIsDesync(t *testing.T) {
	var dec Decoder
	frames, err := dec.Feed([]byte{0xFF, 0xFF, 0x00})
	assert.Empty(t, frames)
	assert.True(t, errors.Is(err, linkerr.ErrChecksumMismatch))
	assert.Zero(t, dec.Buffered())
}

func TestDecoderReset(t *testing.T) {
	var dec Decoder
	buf, _ := Encode([]byte("partial"))
	_, err := dec.Feed(buf[:5])
	require.NoError(t, err)
	assert.Equal(t, 5, dec.Buffered())

	dec.Reset()
	assert.Zero(t, dec.Buffered())
}
