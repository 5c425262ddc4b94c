package batch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ProgressChannel is the Redis channel batch snapshots are published on.
const ProgressChannel = "EVENT_SEARCH_PROGRESS"

// Publisher receives every session snapshot the orchestrator produces,
// for consumers outside the process.
type Publisher interface {
	Publish(ctx context.Context, s Session)
}

// RedisPublisher publishes snapshots on ProgressChannel. Failures are
// logged and never affect the batch.
type RedisPublisher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(rdb *redis.Client, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, s Session) {
	if err := p.rdb.Publish(ctx, ProgressChannel, progressEvent(s)).Err(); err != nil {
		p.logger.Warn("publish "+ProgressChannel+" failed", "session", s.ID, "error", err)
	}
}

func progressEvent(s Session) []byte {
	event, _ := json.Marshal(map[string]any{
		"type":              ProgressChannel,
		"sessionId":         s.ID,
		"status":            s.Status,
		"companiesSearched": s.CompaniesSearched,
		"totalCompanies":    s.TotalCompanies,
		"totalResults":      s.TotalResults,
		"errorCount":        s.ErrorCount,
	})
	return event
}
