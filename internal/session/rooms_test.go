package session

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	rdb "github.com/paulomaciel91/cactosaude-sub003/internal/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRoomCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := generateRoomCode()
		require.Len(t, code, roomCodeLength)
		for _, ch := range code {
			assert.True(t, strings.ContainsRune(codeChars, ch), "unexpected %q", ch)
		}
	}
}

func TestJoinLink(t *testing.T) {
	assert.Equal(t, "https://a.example/telemedicina/sala/r1", JoinLink("https://a.example/", "r1"))
}

func roomStores(t *testing.T) map[string]RoomStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]RoomStore{
		"memory": NewMemoryRoomStore("https://clinic.example"),
		"redis":  NewRedisRoomStore(client, "https://clinic.example"),
	}
}

func TestRoomStores(t *testing.T) {
	for name, store := range roomStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			room, created, err := store.Ensure(ctx, "", "dr-silva")
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "dr-silva", room.CreatorID)
			assert.Equal(t, "https://clinic.example/telemedicina/sala/"+room.ID, room.JoinLink)

			again, created, err := store.Ensure(ctx, room.ID, "patient")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, room.Code, again.Code)
			assert.Equal(t, "dr-silva", again.CreatorID)

			byCode, err := store.Lookup(ctx, strings.ToLower(room.Code))
			require.NoError(t, err)
			assert.Equal(t, room.ID, byCode.ID)

			// Zero is not in the code alphabet, so this code never exists.
			_, _, err = store.Ensure(ctx, "000000", "")
			assert.ErrorIs(t, err, ErrRoomNotFound)

			// A shared link with an id nobody registered yet still works.
			named, created, err := store.Ensure(ctx, "consulta-42", "patient")
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "consulta-42", named.ID)

			require.NoError(t, store.Delete(ctx, room.ID))
			_, err = store.Lookup(ctx, room.ID)
			assert.ErrorIs(t, err, ErrRoomNotFound)
			_, err = store.Lookup(ctx, room.Code)
			assert.ErrorIs(t, err, ErrRoomNotFound)
			assert.ErrorIs(t, store.Delete(ctx, room.ID), ErrRoomNotFound)
		})
	}
}

func TestRedisRoomStoreKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisRoomStore(client, "http://localhost")
	ctx := context.Background()

	room, _, err := store.Ensure(ctx, "", "")
	require.NoError(t, err)

	assert.True(t, mr.Exists(rdb.RoomKey(room.ID)))
	id, err := mr.Get(rdb.CodeKey(room.Code))
	require.NoError(t, err)
	assert.Equal(t, room.ID, id)
	assert.Equal(t, RoomTTL, mr.TTL(rdb.RoomKey(room.ID)))

	mr.Set(rdb.RoomKey("broken"), "{not json")
	_, err = store.Lookup(ctx, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomNotFound)

	require.NoError(t, client.RPush(ctx, rdb.SignalLogKey(room.ID), "x").Err())
	require.NoError(t, store.Delete(ctx, room.ID))
	assert.False(t, mr.Exists(rdb.SignalLogKey(room.ID)))
}
