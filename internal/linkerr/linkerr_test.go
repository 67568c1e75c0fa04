package linkerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("send: %w", Timeout("response 0x06"))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Timeout("config"), "Timed out waiting for config"},
		{NotConnected("send"), "Device not connected"},
		{DeviceUnavailable("no authorized device"), "Device unavailable: no authorized device"},
		{Malformed("bad length %d", 3), "Malformed data: bad length 3"},
		{fmt.Errorf("wrap: %w", Truncated("varint")), "Truncated data in varint"},
		{errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.err))
	}
}
