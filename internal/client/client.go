// Package client talks to a running "telemed serve" control API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
)

// APIError is a non-2xx reply from the control API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control api: %d %s", e.Status, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

type Client struct {
	rc *resty.Client
}

// New returns a client for the API at baseURL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(40*time.Second).
		SetHeader("Content-Type", "application/json").
		SetError(&errorBody{})
	return &Client{rc: rc}
}

// SetToken authenticates later calls.
func (c *Client) SetToken(token string) *Client {
	c.rc.SetAuthToken(token)
	return c
}

func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	res, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&out).
		Post("/api/auth/login")
	if err := check(res, err); err != nil {
		return "", err
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

// StartSession creates a room when roomID is empty, or joins it.
func (c *Client) StartSession(ctx context.Context, roomID string) (models.StartSessionResponse, error) {
	var out models.StartSessionResponse
	res, err := c.rc.R().
		SetContext(ctx).
		SetBody(models.StartSessionRequest{RoomID: roomID}).
		SetResult(&out).
		Post("/api/sessions")
	return out, check(res, err)
}

func (c *Client) Status(ctx context.Context, sessionID string) (models.SessionStatus, error) {
	var out models.SessionStatus
	res, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("id", sessionID).
		Get("/api/sessions/{id}")
	return out, check(res, err)
}

// Toggle flips "mic", "camera" or "screen" and returns the new state.
func (c *Client) Toggle(ctx context.Context, sessionID, device string) (bool, error) {
	var out models.ToggleResponse
	res, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParams(map[string]string{"id": sessionID, "device": device}).
		Post("/api/sessions/{id}/{device}")
	return out.Enabled, check(res, err)
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	res, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", sessionID).
		Delete("/api/sessions/{id}")
	return check(res, err)
}

// Room looks a room up by id or join code.
func (c *Client) Room(ctx context.Context, idOrCode string) (models.RoomInfo, error) {
	var out models.RoomInfo
	res, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("room", idOrCode).
		Get("/api/rooms/{room}")
	return out, check(res, err)
}

func check(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if res.IsSuccess() {
		return nil
	}
	msg := http.StatusText(res.StatusCode())
	if body, ok := res.Error().(*errorBody); ok && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: res.StatusCode(), Message: msg}
}
