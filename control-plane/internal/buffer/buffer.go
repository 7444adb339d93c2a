// Package buffer provides a Redis-backed write-ahead buffer for classified
// reports. Batch ingestion lands here first, decoupling agent submissions
// from database writes and riding out database slowdowns.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fleet-net/comply-mon/control-plane/internal/config"
	"github.com/fleet-net/comply-mon/pkg/types"
)

const (
	// Redis key for the buffered reports queue
	keyReports = "complymon:reports"

	// DefaultBatchSize is how many reports one flush moves to the database.
	DefaultBatchSize = config.BufferFlushBatchSize

	// DefaultFlushInterval is how often the flusher drains the buffer.
	DefaultFlushInterval = config.BufferFlushInterval
)

// ReportBuffer provides Redis-backed buffering for classified reports.
type ReportBuffer struct {
	client *redis.Client
	logger *slog.Logger
}

// NewReportBuffer creates a new Redis-backed report buffer.
func NewReportBuffer(redisURL string, logger *slog.Logger) (*ReportBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &ReportBuffer{
		client: client,
		logger: logger,
	}, nil
}

// Push adds reports to the buffer.
// Reports are JSON-encoded and pushed to a Redis list.
func (b *ReportBuffer) Push(ctx context.Context, reports []*types.Report) error {
	if len(reports) == 0 {
		return nil
	}

	values := make([]interface{}, len(reports))
	for i, r := range reports {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		values[i] = data
	}

	// Push all reports atomically
	if err := b.client.LPush(ctx, keyReports, values...).Err(); err != nil {
		return fmt.Errorf("failed to push reports to redis: %w", err)
	}

	return nil
}

// Pop retrieves and removes up to maxReports from the buffer.
// Returns the reports in FIFO order so arrival order survives buffering.
func (b *ReportBuffer) Pop(ctx context.Context, maxReports int) ([]*types.Report, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, maxReports)

	for i := 0; i < maxReports; i++ {
		cmds[i] = pipe.RPop(ctx, keyReports)
	}

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to pop reports from redis: %w", err)
	}

	reports := make([]*types.Report, 0, maxReports)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue // No more items
		}
		if err != nil {
			continue // Skip errors for individual items
		}

		var r types.Report
		if err := json.Unmarshal(data, &r); err != nil {
			b.logger.Warn("failed to unmarshal buffered report", "error", err)
			continue
		}
		reports = append(reports, &r)
	}

	return reports, nil
}

// Len returns the number of buffered reports.
func (b *ReportBuffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyReports).Result()
}

// Close closes the Redis connection.
func (b *ReportBuffer) Close() error {
	return b.client.Close()
}
