package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WSStreamer forwards one execution's events over an accepted WebSocket
// connection. Writes are serialized because WebSocket connections do not
// support concurrent writers.
type WSStreamer struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// NewWSStreamer wraps an accepted connection.
func NewWSStreamer(conn *websocket.Conn, logger *zap.Logger) *WSStreamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSStreamer{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_streamer")),
	}
}

// Stream subscribes to the bus for the execution and writes each event as
// a JSON text message until the context ends, the subscription closes, or
// a write fails.
func (w *WSStreamer) Stream(ctx context.Context, bus *Bus, executionID uuid.UUID) error {
	sub := bus.Subscribe(SubscriberFilter{ExecutionID: executionID})
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := w.write(ctx, event); err != nil {
				return err
			}
			if terminal(event.Type) {
				return nil
			}
		}
	}
}

func (w *WSStreamer) write(ctx context.Context, event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (w *WSStreamer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusNormalClosure, "stream complete")
}

func terminal(t EventType) bool {
	switch t {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}
