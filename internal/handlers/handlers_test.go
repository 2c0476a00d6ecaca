package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/paulomaciel91/cactosaude-sub003/config"
	"github.com/paulomaciel91/cactosaude-sub003/internal/media"
	"github.com/paulomaciel91/cactosaude-sub003/internal/middleware"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/paulomaciel91/cactosaude-sub003/internal/presence"
	"github.com/paulomaciel91/cactosaude-sub003/internal/rtc"
	"github.com/paulomaciel91/cactosaude-sub003/internal/session"
	"github.com/paulomaciel91/cactosaude-sub003/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type fixture struct {
	router   *gin.Engine
	sessions *Sessions
	rooms    *session.MemoryRoomStore
	denied   []media.Source
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.JWTSecret = secret
	cfg.AllowedOrigins = []string{"https://clinic.example"}
	cfg.WebRTC.ICEServers = nil

	api, err := rtc.NewAPI(rtc.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	f := &fixture{rooms: session.NewMemoryRoomStore(cfg.PublicBaseURL)}
	signals := signaling.NewMemoryBackend(cfg.Signaling.LogCap)
	store := presence.NewMemoryStore()

	f.sessions = NewSessions(func(userID string, cb session.Callbacks) *session.Manager {
		devices := media.NewSyntheticDevices(20*time.Millisecond, zerolog.Nop())
		for _, src := range f.denied {
			devices.Deny(src)
		}
		return session.NewManager(session.Deps{
			Config:   cfg,
			API:      api,
			Signals:  signals,
			Presence: store,
			Rooms:    f.rooms,
			Devices:  devices,
			UserID:   userID,
			Logger:   zerolog.Nop(),
		}, cb)
	}, zerolog.Nop())
	t.Cleanup(f.sessions.Shutdown)

	f.router = NewRouter(cfg, f.sessions, NewRooms(f.rooms, store, cfg.Presence.TTL, zerolog.Nop()))
	return f
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := middleware.IssueToken(secret, user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "dr-silva", Password: "x"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[LoginResponse](t, w)
	assert.Equal(t, "dr-silva", res.UserID)

	claims, err := middleware.ParseToken(secret, res.Token)
	require.NoError(t, err)
	assert.Equal(t, "dr-silva", claims.UserID)

	w = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Token abc")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := middleware.IssueToken("other-secret", "mallory", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOriginFilter(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://clinic.example")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://clinic.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", "dr-silva", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode[models.StartSessionResponse](t, w)
	assert.NotEmpty(t, started.SessionID)
	assert.True(t, strings.HasSuffix(started.JoinLink, "/telemedicina/sala/"+started.RoomID))

	w = f.do(t, http.MethodGet, "/api/rooms/"+started.Code, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	room := decode[models.RoomInfo](t, w)
	assert.Equal(t, started.RoomID, room.ID)
	assert.Equal(t, 1, room.ParticipantCount)
	assert.Equal(t, 2, room.MaxParticipants)

	base := "/api/sessions/" + started.SessionID
	w = f.do(t, http.MethodPost, base+"/mic", "dr-silva", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.ToggleResponse](t, w).Enabled)

	w = f.do(t, http.MethodPost, base+"/camera", "dr-silva", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[models.ToggleResponse](t, w).Enabled)

	w = f.do(t, http.MethodPost, base+"/screen", "dr-silva", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.ToggleResponse](t, w).Enabled)

	w = f.do(t, http.MethodPost, base+"/speaker", "dr-silva", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, base+"/mic", "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, base, "dr-silva", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[models.SessionStatus](t, w)
	assert.Equal(t, "negotiating", status.State)
	assert.Equal(t, 1, status.ParticipantCount)
	assert.Equal(t, started.RoomID, status.Room.ID)

	w = f.do(t, http.MethodDelete, base, "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodDelete, base, "dr-silva", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, base, "dr-silva", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, base+"/mic", "dr-silva", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/rooms/"+started.RoomID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[models.RoomInfo](t, w).ParticipantCount)
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", "dr-silva", models.StartSessionRequest{RoomID: "000000"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.denied = []media.Source{media.SourceCamera}
	w = f.do(t, http.MethodPost, "/api/sessions", "dr-silva", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "access denied")

	f.sessions.mu.RLock()
	assert.Empty(t, f.sessions.live)
	f.sessions.mu.RUnlock()
}

func TestDeleteRoomCreatorOnly(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", "dr-silva", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode[models.StartSessionResponse](t, w)

	w = f.do(t, http.MethodDelete, "/api/rooms/"+started.RoomID, "patient", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodDelete, "/api/rooms/"+started.RoomID, "dr-silva", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/rooms/"+started.Code, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	w := f.do(t, http.MethodPost, "/api/sessions", "dr-silva", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode[models.StartSessionResponse](t, w)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/sessions/" + started.SessionID + "/events?token=" + token(t, "dr-silva")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	seen := map[models.EventType]json.RawMessage{}
	read := func() models.EventType {
		var ev struct {
			Type models.EventType `json:"type"`
			Data json.RawMessage  `json:"data"`
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, conn.ReadJSON(&ev))
		seen[ev.Type] = ev.Data
		return ev.Type
	}
	for {
		if _, ok := seen[models.EventParticipantCount]; ok {
			if _, ok := seen[models.EventRoomCreated]; ok {
				break
			}
		}
		read()
	}
	assert.Contains(t, string(seen[models.EventRoomCreated]), started.RoomID)
	assert.JSONEq(t, `{"count":1}`, string(seen[models.EventParticipantCount]))

	w = f.do(t, http.MethodDelete, "/api/sessions/"+started.SessionID, "dr-silva", nil)
	require.Equal(t, http.StatusOK, w.Code)

	for {
		if read() == models.EventConnectionState && strings.Contains(string(seen[models.EventConnectionState]), "closed") {
			break
		}
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived),
		"stream closes after the session ends: %v", err)
}

func TestEventStreamOtherUser(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", "dr-silva", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode[models.StartSessionResponse](t, w)

	w = f.do(t, http.MethodGet, "/ws/sessions/"+started.SessionID+"/events", "patient", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
