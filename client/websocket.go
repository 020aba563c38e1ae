package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventSource delivers backend events for one client id.
// Receive returns ErrReceiveTimeout when nothing arrived within timeout; any other error
// means the stream is no longer usable.
type EventSource interface {
	Receive(ctx context.Context, timeout time.Duration) (*WSStatusMessage, error)
	Close() error
}

// WebSocketConnection is an EventSource over the backend's /ws endpoint.
// A single reader goroutine owns the connection and hands decoded messages to Receive,
// so a receive timeout never touches the socket.
type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn

	messages  chan *WSStatusMessage
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	err       error
	logger    *slog.Logger
}

// Subscribe opens the event stream for clientID. ctx bounds the dial only.
func (c *ComfyClient) Subscribe(ctx context.Context, clientID string) (EventSource, error) {
	wsurl := c.wsURL(clientID)
	conn, resp, err := c.dialer.DialContext(ctx, wsurl, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", wsurl, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", wsurl, err)
	}
	c.logger.Debug("websocket connected", "url", wsurl)
	return newWebSocketConnection(wsurl, conn, c.logger), nil
}

func newWebSocketConnection(wsurl string, conn *websocket.Conn, logger *slog.Logger) *WebSocketConnection {
	w := &WebSocketConnection{
		WebSocketURL: wsurl,
		Conn:         conn,
		messages:     make(chan *WSStatusMessage, 64),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
		logger:       logger,
	}
	go w.handleMessages()
	return w
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	defer close(w.done)
	for {
		mtype, message, err := w.Conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closing:
				w.err = errSourceClosed
			default:
				w.logger.Warn("websocket read error", "error", err)
				w.err = err
			}
			return
		}
		// binary frames carry preview images
		if mtype != websocket.TextMessage {
			continue
		}

		msg := &WSStatusMessage{}
		if err := json.Unmarshal(message, msg); err != nil {
			w.logger.Error("deserializing status message", "error", err, "message", string(message))
			continue
		}

		select {
		case w.messages <- msg:
		case <-w.closing:
			w.err = errSourceClosed
			return
		}
	}
}

var errSourceClosed = errors.New("websocket closed")

// Receive waits for the next message. Buffered messages are delivered before a read error.
func (w *WebSocketConnection) Receive(ctx context.Context, timeout time.Duration) (*WSStatusMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-w.messages:
		return msg, nil
	case <-w.done:
		select {
		case msg := <-w.messages:
			return msg, nil
		default:
		}
		return nil, w.err
	case <-expired:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *WebSocketConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closing)
		_ = w.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = w.Conn.Close()
	})
	return err
}
