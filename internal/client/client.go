// Package client is the HTTP side of the device and admin protocol.
// Non-2xx replies come back as *utils.APIError carrying the status.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harrylevesque/fleetsync/internal/models"
	"github.com/harrylevesque/fleetsync/internal/utils"
)

// Client talks to one server. The bearer token is used only by the
// admin calls.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for baseURL. A nil httpClient uses a default with
// no timeout; periodic callers bound calls with their context.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Token   string          `json:"token"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, authed bool, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.Token())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			msg = env.Message
		}
		return utils.New(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: malformed response: %w", method, path, err)
	}
	return nil
}

// doEnvelope runs a call whose reply is {success, message, data} and
// decodes data into out.
func (c *Client) doEnvelope(ctx context.Context, method, path string, authed bool, body, out any) error {
	var env envelope
	if err := c.do(ctx, method, path, authed, body, &env); err != nil {
		return err
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request rejected"
		}
		return utils.New(http.StatusOK, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: malformed data: %w", method, path, err)
		}
	}
	return nil
}

// Device calls.

func (c *Client) RegisterDevice(ctx context.Context, deviceID string, at time.Time) error {
	body := map[string]string{"deviceId": deviceID, "timestamp": at.UTC().Format(time.RFC3339Nano)}
	return c.doEnvelope(ctx, http.MethodPost, "/api/register-device", false, body, nil)
}

func (c *Client) UpdatePermission(ctx context.Context, deviceID string, permission bool) error {
	body := map[string]any{"deviceId": deviceID, "permission": permission}
	return c.doEnvelope(ctx, http.MethodPost, "/api/update-permission", false, body, nil)
}

func (c *Client) SubmitRecord(ctx context.Context, deviceID string, rec models.Record, permission bool) error {
	body := struct {
		DeviceID   string `json:"deviceId"`
		Permission bool   `json:"permission"`
		models.Record
	}{deviceID, permission, rec}
	return c.doEnvelope(ctx, http.MethodPost, "/api/register", false, body, nil)
}

func (c *Client) CheckResubmit(ctx context.Context, deviceID string) (bool, error) {
	var out struct {
		Resubmit bool `json:"resubmit"`
	}
	err := c.do(ctx, http.MethodGet, "/api/check-resubmit?deviceId="+url.QueryEscape(deviceID), false, nil, &out)
	return out.Resubmit, err
}

func (c *Client) PostMessage(ctx context.Context, msg models.Message) error {
	return c.doEnvelope(ctx, http.MethodPost, "/api/messages", false, msg, nil)
}

// Admin calls.

// Login exchanges the password for a token and stores it on success.
func (c *Client) Login(ctx context.Context, password string) (string, error) {
	var env envelope
	if err := c.do(ctx, http.MethodPost, "/api/login", false, map[string]string{"password": password}, &env); err != nil {
		return "", err
	}
	if !env.Success || env.Token == "" {
		return "", utils.New(http.StatusUnauthorized, "login failed")
	}
	c.SetToken(env.Token)
	return env.Token, nil
}

func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := c.doEnvelope(ctx, http.MethodGet, "/api/devices", true, nil, &out)
	return out, err
}

func (c *Client) Messages(ctx context.Context, deviceID string) ([]models.Message, error) {
	var out []models.Message
	err := c.doEnvelope(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(deviceID)+"/messages", true, nil, &out)
	return out, err
}

func (c *Client) RequestPermission(ctx context.Context, deviceID string) error {
	return c.doEnvelope(ctx, http.MethodPost, "/api/request-permission", true, map[string]string{"deviceId": deviceID}, nil)
}

func (c *Client) PromptResubmit(ctx context.Context, deviceID string) error {
	return c.doEnvelope(ctx, http.MethodPost, "/api/prompt-resubmit", true, map[string]string{"deviceId": deviceID}, nil)
}

func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	return c.doEnvelope(ctx, http.MethodPost, "/api/delete-device", true, map[string]string{"deviceId": deviceID}, nil)
}

// WebsocketURL maps the server base to ws(s)://.../path.
func (c *Client) WebsocketURL(path string) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + path
}
