package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// WebSocketLink carries one frame per websocket message. Text codecs use text
// messages and binary codecs use binary messages.
type WebSocketLink struct {
	codec Codec
	conn  *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// NewWebSocketLink wraps an established websocket connection.
func NewWebSocketLink(conn *websocket.Conn, codec Codec) *WebSocketLink {
	if codec == nil {
		codec = JSON()
	}
	conn.SetReadLimit(MaxFrameSize)
	return &WebSocketLink{codec: codec, conn: conn, done: make(chan struct{})}
}

func (l *WebSocketLink) Codec() Codec { return l.codec }

func (l *WebSocketLink) Done() <-chan struct{} { return l.done }

func (l *WebSocketLink) Send(ctx context.Context, frame Frame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	data, err := l.codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	messageType := websocket.TextMessage
	if l.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(deadline)
	err = l.conn.WriteMessage(messageType, data)
	l.writeMu.Unlock()
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

func (l *WebSocketLink) Recv() (Frame, error) {
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			_ = l.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				return Frame{}, ErrLinkClosed
			}
			return Frame{}, fmt.Errorf("%w: %v", ErrLinkClosed, err)
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		var frame Frame
		if err := l.codec.Unmarshal(data, &frame); err != nil {
			return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
		}
		return frame, nil
	}
}

// Close sends a close message and closes the connection.
func (l *WebSocketLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}
