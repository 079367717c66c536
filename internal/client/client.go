// Package client talks to a running recordd over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-record/internal/recorder"
)

type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the daemon at addr, e.g. http://127.0.0.1:8080.
func New(addr string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse daemon address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported daemon scheme %q", base.Scheme)
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Record(ctx context.Context) (recorder.Snapshot, error) {
	return c.do(ctx, http.MethodPost, "/api/record")
}

func (c *Client) Stop(ctx context.Context) (recorder.Snapshot, error) {
	return c.do(ctx, http.MethodPost, "/api/stop")
}

func (c *Client) Status(ctx context.Context) (recorder.Snapshot, error) {
	return c.do(ctx, http.MethodGet, "/api/status")
}

func (c *Client) do(ctx context.Context, method, path string) (recorder.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), nil)
	if err != nil {
		return recorder.Snapshot{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return recorder.Snapshot{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return recorder.Snapshot{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error    string            `json:"error"`
			Snapshot recorder.Snapshot `json:"snapshot"`
		}
		if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
			return failure.Snapshot, errors.New(failure.Error)
		}
		return recorder.Snapshot{}, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	var snap recorder.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return recorder.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Watch calls fn with every snapshot pushed by the daemon until ctx is done
// or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(recorder.Snapshot)) error {
	u := *c.base.JoinPath("/api/ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var snap recorder.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read snapshot: %w", err)
		}
		fn(snap)
	}
}
