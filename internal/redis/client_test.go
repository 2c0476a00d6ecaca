package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	assert.Same(t, c, GetClient())

	require.NoError(t, Close())
	assert.Nil(t, GetClient())
	assert.NoError(t, Close())
}

func TestConnectUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	_, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}

func TestKeysShareRoomPrefix(t *testing.T) {
	assert.Equal(t, "room:r1", RoomKey("r1"))
	assert.Equal(t, "room:r1:signals", SignalLogKey("r1"))
	assert.Equal(t, "room:r1:peers", PresenceKey("r1"))
	assert.Equal(t, "code:ABC234", CodeKey("ABC234"))
}
