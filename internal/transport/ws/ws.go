// Package ws implements the connection transport over websockets.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/tOgg1/chatsync/internal/connection"
	"github.com/tOgg1/chatsync/internal/logging"
)

const defaultReadLimit = 4 << 20

// Dialer opens websocket connections to a fixed URL.
type Dialer struct {
	URL       string
	Token     string
	Header    http.Header
	ReadLimit int64
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(ctx context.Context) (connection.Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	for k, vs := range d.Header {
		for _, v := range vs {
			opts.HTTPHeader.Add(k, v)
		}
	}
	if token := strings.TrimSpace(d.Token); token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}

	logger := logging.Component("ws")
	logger.Debug().
		Str("url", logging.RedactURL(d.URL)).
		Interface("headers", logging.RedactHeaders(opts.HTTPHeader)).
		Msg("dialing")
	conn, resp, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &Conn{conn: conn}, nil
}

// Conn adapts a websocket connection to connection.Conn.
type Conn struct {
	conn *websocket.Conn
}

// Wrap adapts an accepted or dialed websocket.
func Wrap(c *websocket.Conn) *Conn {
	return &Conn{conn: c}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// Ping waits for the pong, which requires a concurrent Read.
func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Conn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "client closed")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
