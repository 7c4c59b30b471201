package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mailrelay/internal/domain"
)

const (
	keyOutcomesTotal = "stats:outcomes"
	dailyRetention   = 48 * time.Hour
)

func dailyKey(day string) string {
	return fmt.Sprintf("stats:outcomes:%s", day)
}

// RecordOutcome bumps the total and the per-day counter of an outcome.
func (s *Store) RecordOutcome(ctx context.Context, outcome domain.Outcome) error {
	day := dailyKey(s.now().UTC().Format(time.DateOnly))

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, keyOutcomesTotal, string(outcome), 1)
	pipe.HIncrBy(ctx, day, string(outcome), 1)
	pipe.Expire(ctx, day, dailyRetention)
	_, err := pipe.Exec(ctx)
	return err
}

// Stats returns all-time and today's outcome counters.
func (s *Store) Stats(ctx context.Context) (*domain.OutcomeStats, error) {
	day := s.now().UTC().Format(time.DateOnly)

	pipe := s.client.Pipeline()
	totalCmd := pipe.HGetAll(ctx, keyOutcomesTotal)
	todayCmd := pipe.HGetAll(ctx, dailyKey(day))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	total, err := toCounts(totalCmd.Val())
	if err != nil {
		return nil, err
	}
	today, err := toCounts(todayCmd.Val())
	if err != nil {
		return nil, err
	}
	return &domain.OutcomeStats{Day: day, Today: today, Total: total}, nil
}

func toCounts(raw map[string]string) (map[string]int64, error) {
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
