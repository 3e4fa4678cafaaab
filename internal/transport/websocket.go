package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// WSConn adapts a coder/websocket connection to the Conn interface.
type WSConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an accepted websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, ErrClosed
		}
		return nil, err
	}
	return data, nil
}

func (w *WSConn) Write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if websocket.CloseStatus(err) != -1 {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (w *WSConn) Close(code CloseCode, reason string) error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close(wsStatus(code), reason)
	})
	return w.closeErr
}

func wsStatus(code CloseCode) websocket.StatusCode {
	switch code {
	case CloseNormal:
		return websocket.StatusNormalClosure
	case CloseServerShutdown:
		return websocket.StatusGoingAway
	case CloseProtocol:
		return websocket.StatusProtocolError
	default:
		return websocket.StatusPolicyViolation
	}
}
