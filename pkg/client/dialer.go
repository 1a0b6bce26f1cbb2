package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// webSocketDialer establishes gorilla/websocket transports.
type webSocketDialer struct {
	dialer *websocket.Dialer
}

func newWebSocketDialer() *webSocketDialer {
	return &webSocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
	}
}

func (d *webSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &webSocketTransport{conn: conn}, nil
}

// webSocketTransport adapts a gorilla connection to the Transport interface.
// Writes are serialized: gorilla allows only one concurrent writer, and the
// agent writes from both its send path and the pong reply path.
type webSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *webSocketTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *webSocketTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
