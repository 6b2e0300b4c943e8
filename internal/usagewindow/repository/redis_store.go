package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
)

const windowKeyFormat = "usage_window:%s:%s"

// redisStore keeps one sorted set per (user, window), scored by the entry
// timestamp in microseconds. The whole key expires after the window duration
// plus a safety margin, so idle users self-clean.
type redisStore struct {
	client *redis.Client
}

// ProvideVolatileStore returns the redis-backed fast lookup store.
func ProvideVolatileStore(client *redis.Client) usagewindowdomain.VolatileStore {
	return &redisStore{client: client}
}

func (r *redisStore) Append(
	ctx context.Context,
	userID string,
	window usagewindowdomain.WindowType,
	entry usagewindowdomain.CachedEntry,
	cutoff time.Time,
	ttl time.Duration,
) error {
	key := windowKey(userID, window)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  scoreFor(entry.RecordedAt),
		Member: formatMember(entry),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", exclusiveScore(cutoff))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisStore) SumSince(
	ctx context.Context,
	userID string,
	window usagewindowdomain.WindowType,
	cutoff time.Time,
) (float64, bool, error) {
	key := windowKey(userID, window)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	if exists == 0 {
		// Key expired or never written; only the durable store can answer.
		return 0, false, nil
	}

	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: inclusiveScore(cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, false, err
	}

	var total float64
	for _, member := range members {
		cost, err := parseMemberCost(member)
		if err != nil {
			return 0, false, err
		}
		total += cost
	}
	return total, true, nil
}

func (r *redisStore) OldestSince(
	ctx context.Context,
	userID string,
	window usagewindowdomain.WindowType,
	cutoff time.Time,
) (time.Time, bool, error) {
	key := windowKey(userID, window)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if exists == 0 {
		return time.Time{}, false, nil
	}

	entries, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:    inclusiveScore(cutoff),
		Max:    "+inf",
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(entries) == 0 {
		return time.Time{}, true, nil
	}
	return time.UnixMicro(int64(entries[0].Score)).UTC(), true, nil
}

func (r *redisStore) Clear(
	ctx context.Context,
	userID string,
	window usagewindowdomain.WindowType,
) error {
	return r.client.Del(ctx, windowKey(userID, window)).Err()
}

func windowKey(userID string, window usagewindowdomain.WindowType) string {
	return fmt.Sprintf(windowKeyFormat, strings.TrimSpace(userID), window)
}

func scoreFor(t time.Time) float64 {
	return float64(t.UTC().UnixMicro())
}

func inclusiveScore(t time.Time) string {
	return strconv.FormatFloat(scoreFor(t), 'f', -1, 64)
}

func exclusiveScore(t time.Time) string {
	return "(" + inclusiveScore(t)
}

// formatMember encodes cost:source_event_id:timestamp_micro. The timestamp
// keeps members unique when a user records identical costs in the same window.
func formatMember(entry usagewindowdomain.CachedEntry) string {
	return fmt.Sprintf("%s:%s:%d",
		strconv.FormatFloat(entry.Cost, 'f', -1, 64),
		entry.SourceEventID,
		entry.RecordedAt.UTC().UnixMicro(),
	)
}

func parseMemberCost(member string) (float64, error) {
	idx := strings.Index(member, ":")
	if idx <= 0 {
		return 0, fmt.Errorf("malformed window cache member %q", member)
	}
	return strconv.ParseFloat(member[:idx], 64)
}
