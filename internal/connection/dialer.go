package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"storefront-chat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Conn is one physical channel carrying JSON frames.
type Conn interface {
	ReadFrame() (models.Frame, error)
	WriteFrame(frame models.Frame) error
	Close() error
}

// Dialer opens a Conn authenticated with a bearer credential.
type Dialer interface {
	Dial(ctx context.Context, url, credential string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial performs the websocket handshake. A 401 or 403 answer is reported as ErrUnauthorized.
func (d WebsocketDialer) Dial(ctx context.Context, url, credential string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() (models.Frame, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return models.Frame{}, err
	}
	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return models.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Event == "" {
		return models.Frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return frame, nil
}

func (c *wsConn) WriteFrame(frame models.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
