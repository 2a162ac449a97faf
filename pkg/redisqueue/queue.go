// Package redisqueue is a set of named FIFO queues on Redis lists with a registry of known
// queues, a delayed set for deferred items and a dead-letter list.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"media-pipeline/dto"
	"strconv"
	"time"
)

// ErrEmpty is returned by Pop when no item arrived before the timeout.
var ErrEmpty = errors.New("redisqueue: no item available")

const defaultPrefix = "video"

type delayedEntry struct {
	Queue string       `json:"queue"`
	Item  dto.WorkItem `json:"item"`
	Nonce string       `json:"nonce"`
}

// DeadLetterEntry is what DeadLetter stores for an item that will not be retried.
type DeadLetterEntry struct {
	Queue    string       `json:"queue"`
	Item     dto.WorkItem `json:"item"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failedAt"`
}

// pruneScript drops registry members whose last push is older than ARGV[1] and whose list is empty.
// Running it server-side keeps the check and the removal atomic against a concurrent Push.
var pruneScript = redis.NewScript(`
local removed = 0
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, queue in ipairs(stale) do
	if redis.call('LLEN', queue) == 0 then
		redis.call('ZREM', KEYS[1], queue)
		removed = removed + 1
	end
end
return removed
`)

type Queue struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) *Queue {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Queue{client: client, prefix: prefix}
}

// UserQueue is the list that holds the pending items of one user.
func (q *Queue) UserQueue(userID uuid.UUID) string {
	return fmt.Sprintf("%s:user:%s", q.prefix, userID)
}

func (q *Queue) registryKey() string { return q.prefix + ":queues" }

func (q *Queue) delayedKey() string { return q.prefix + ":delayed" }

func (q *Queue) DeadLetterKey() string { return q.prefix + ":dead" }

// Push appends item to queue and marks the queue as recently used in the registry.
func (q *Queue) Push(ctx context.Context, queue string, item dto.WorkItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item %s: %w", item.ID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, queue, raw)
		pipe.ZAdd(ctx, q.registryKey(), redis.Z{Score: float64(time.Now().Unix()), Member: queue})
		return nil
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", queue, err)
	}
	return nil
}

// Pop blocks up to timeout for the first item available across queues, checked in the given order.
func (q *Queue) Pop(ctx context.Context, queues []string, timeout time.Duration) (string, *dto.WorkItem, error) {
	if len(queues) == 0 {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(timeout):
			return "", nil, ErrEmpty
		}
	}

	res, err := q.client.BLPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrEmpty
	}
	if err != nil {
		return "", nil, err
	}

	var item dto.WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return res[0], nil, fmt.Errorf("decode item from %s: %w", res[0], err)
	}
	return res[0], &item, nil
}

// Delay parks item until the given time; PromoteDue moves it back onto queue afterwards.
func (q *Queue) Delay(ctx context.Context, queue string, item dto.WorkItem, until time.Time) error {
	raw, err := json.Marshal(delayedEntry{Queue: queue, Item: item, Nonce: uuid.NewString()})
	if err != nil {
		return fmt.Errorf("encode delayed item %s: %w", item.ID, err)
	}
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(until.UnixMilli()), Member: raw}).Err()
}

// PromoteDue pushes every delayed item due at now back onto its queue. An entry is only pushed by
// the caller whose ZREM removed it, so concurrent promoters never duplicate work.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return promoted, fmt.Errorf("decode delayed entry: %w", err)
		}
		if err := q.Push(ctx, entry.Queue, entry.Item); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Queues lists every registered queue.
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	return q.client.ZRange(ctx, q.registryKey(), 0, -1).Result()
}

// Prune unregisters queues that have seen no push since idleSince and hold no items.
func (q *Queue) Prune(ctx context.Context, idleSince time.Time) (int, error) {
	removed, err := pruneScript.Run(ctx, q.client, []string{q.registryKey()}, idleSince.Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("prune registry: %w", err)
	}
	return removed, nil
}

// DeadLetter records item with the error that made it give up.
func (q *Queue) DeadLetter(ctx context.Context, queue string, item dto.WorkItem, cause error) error {
	entry := DeadLetterEntry{Queue: queue, Item: item, FailedAt: time.Now().UTC()}
	if cause != nil {
		entry.Error = cause.Error()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.DeadLetterKey(), raw).Err()
}

// DeadLetters returns the dead-lettered entries in insertion order.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetterEntry, error) {
	raws, err := q.client.LRange(ctx, q.DeadLetterKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, queue).Result()
}

// DelayedLen counts items waiting in the delayed set.
func (q *Queue) DelayedLen(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey()).Result()
}
