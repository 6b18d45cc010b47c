package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// ControlMessage is the subscribe/unsubscribe request sent over the feed.
type ControlMessage struct {
	GUID   string      `json:"guid"`
	Method string      `json:"method"`
	Data   ControlData `json:"data"`
}

type ControlData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// Conn is one open feed socket. ReadMessage is called from a single goroutine;
// Send, Ping and Close may be called concurrently with it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Send(msg ControlMessage) error
	Ping() error
	Close() error
}

// Dialer opens feed sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the vendor feed with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	// ReadTimeout closes a socket that has delivered neither a frame nor a pong for this
	// long. Zero disables the deadline.
	ReadTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	w := &wsConn{c: c, readTimeout: d.ReadTimeout}
	if w.readTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(w.readTimeout))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(w.readTimeout))
		})
	}
	return w, nil
}

type wsConn struct {
	c           *websocket.Conn
	mu          sync.Mutex
	readTimeout time.Duration
}

func (w *wsConn) ReadMessage() (int, []byte, error) {
	kind, data, err := w.c.ReadMessage()
	if err == nil && w.readTimeout > 0 {
		_ = w.c.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	return kind, data, err
}

// Send writes the control message as a binary frame, which the v3 feed requires.
func (w *wsConn) Send(msg ControlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.BinaryMessage, payload)
}

func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.mu.Unlock()

	return w.c.Close()
}
