package redis

// Key layout. Everything for one room shares the "room:<id>" prefix so a
// room can be inspected with a single SCAN.

func RoomKey(roomID string) string { return "room:" + roomID }

func CodeKey(code string) string { return "code:" + code }

// SignalLogKey is the capped list holding the room's signaling messages.
func SignalLogKey(roomID string) string { return "room:" + roomID + ":signals" }

// SignalChannel is the pub/sub channel for the low latency delivery path.
func SignalChannel(roomID string) string { return "room:" + roomID + ":signals:live" }

// PresenceKey is the sorted set of participant ids scored by last-seen millis.
func PresenceKey(roomID string) string { return "room:" + roomID + ":peers" }
