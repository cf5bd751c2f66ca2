// Package livestream feeds accepted telemetry into a Redis Stream for the
// web layer's live view. The feed is best-effort: a Redis failure never
// aborts the bridge's primary write path.
package livestream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/models"
)

// Event is one accepted telemetry sample as published to the stream.
type Event struct {
	Topic    string        `json:"topic"`
	DeviceID string        `json:"device_id"`
	Sample   models.Sample `json:"sample"`
}

type Feed struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

func NewFeed(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *Feed {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &Feed{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// Publish appends an event to the stream, trimming to the configured cap.
func (f *Feed) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode live event: %w", err)
	}
	err = f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":      string(body),
			"timestamp": time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", f.stream, err)
	}
	return nil
}

// Recent returns up to n of the newest events, oldest first.
func (f *Feed) Recent(ctx context.Context, n int64) ([]Event, error) {
	if n <= 0 {
		n = 100
	}
	msgs, err := f.client.XRevRangeN(ctx, f.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", f.stream, err)
	}

	out := make([]Event, 0, len(msgs))
	// XRevRange yields newest first; reverse while decoding.
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			f.logger.Warn("dropping undecodable live event", zap.String("id", msgs[i].ID))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
