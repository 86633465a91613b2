package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 5 * time.Second

// Watch connects to a tag stream at url and calls fn for every event until
// ctx is cancelled. It reconnects after connection errors.
func Watch(ctx context.Context, url string, logger *slog.Logger, fn func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := watchOnce(ctx, url, logger, fn); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("stream connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
					// backoff before reconnecting
				}
			}
		}
	}
}

func watchOnce(ctx context.Context, url string, logger *slog.Logger, fn func(Event)) error {
	logger.Info("connecting to stream", "url", url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger.Info("connected to stream")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			logger.Error("failed to parse event", "error", err)
			continue
		}
		fn(ev)
	}
}
