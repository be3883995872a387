package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MaxRecoveries is how many times a stuck task is requeued before it is
// moved to the dead list.
const MaxRecoveries = 5

// promoteScript moves up to ARGV[2] due members from the delayed set to the
// ready list in one step.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// recoverScript requeues one stuck delivery unless it was acked meanwhile.
// Returns 1 when requeued, 2 when dead-lettered, 0 when already gone.
var recoverScript = redis.NewScript(`
redis.call('ZREM', KEYS[3], ARGV[1])
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
local n = redis.call('HINCRBY', KEYS[4], ARGV[2], 1)
if n > tonumber(ARGV[3]) then
  redis.call('HDEL', KEYS[4], ARGV[2])
  redis.call('LPUSH', KEYS[5], ARGV[1])
  return 2
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// RedisBackend keeps each queue in five keys:
//
//	<prefix>queue:<name>:ready       list, LPUSH in / BLMOVE out from the right
//	<prefix>queue:<name>:delayed     zset scored by due time (ms)
//	<prefix>queue:<name>:processing  list of deliveries owned by consumers
//	<prefix>queue:<name>:claimed     zset of processing members scored by dequeue time (ms)
//	<prefix>queue:<name>:recoveries  hash of envelope id -> recovery count
//	<prefix>queue:<name>:dead        list of dead-lettered deliveries
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, now: time.Now}
}

// WithClock replaces the clock used for delays and stale detection.
func (b *RedisBackend) WithClock(now func() time.Time) *RedisBackend {
	b.now = now
	return b
}

func (b *RedisBackend) key(q Queue, part string) string {
	return fmt.Sprintf("%squeue:%s:%s", b.prefix, q, part)
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (b *RedisBackend) Enqueue(ctx context.Context, q Queue, body interface{}, delay time.Duration) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s task: %w", q, err)
	}
	env := Envelope{ID: uuid.NewString(), Queue: q, Body: payload, EnqueuedAt: b.now().UTC()}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if delay > 0 {
		due := b.now().Add(delay)
		err = b.client.ZAdd(ctx, b.key(q, "delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: data}).Err()
	} else {
		err = b.client.LPush(ctx, b.key(q, "ready"), data).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q, err)
	}
	return nil
}

func (b *RedisBackend) Dequeue(ctx context.Context, q Queue, timeout time.Duration) (*Delivery, error) {
	raw, err := b.client.BLMove(ctx, b.key(q, "ready"), b.key(q, "processing"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", q, err)
	}

	if err := b.client.ZAdd(ctx, b.key(q, "claimed"), redis.Z{Score: float64(b.now().UnixMilli()), Member: raw}).Err(); err != nil {
		log.Warn("claim score not recorded", "queue", string(q), "error", err)
	}

	d := &Delivery{raw: raw}
	d.Queue = q
	if err := json.Unmarshal([]byte(raw), &d.Envelope); err != nil {
		// Unreadable deliveries are dropped so they cannot wedge the queue.
		b.Ack(ctx, d)
		return nil, fmt.Errorf("decode %s envelope: %w", q, err)
	}
	return d, nil
}

func (b *RedisBackend) Ack(ctx context.Context, d *Delivery) error {
	q := d.Queue
	if q == "" {
		return nil
	}
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.key(q, "processing"), 1, d.raw)
	pipe.ZRem(ctx, b.key(q, "claimed"), d.raw)
	pipe.HDel(ctx, b.key(q, "recoveries"), d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", q, err)
	}
	return nil
}

func (b *RedisBackend) Touch(ctx context.Context, d *Delivery) error {
	q := d.Queue
	if q == "" {
		return nil
	}
	err := b.client.ZAddXX(ctx, b.key(q, "claimed"), redis.Z{Score: float64(b.now().UnixMilli()), Member: d.raw}).Err()
	if err != nil {
		return fmt.Errorf("touch %s: %w", q, err)
	}
	return nil
}

func (b *RedisBackend) Depth(ctx context.Context, q Queue) (int64, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, b.key(q, "ready"))
	processing := pipe.LLen(ctx, b.key(q, "processing"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("depth %s: %w", q, err)
	}
	return ready.Val() + processing.Val(), nil
}

func (b *RedisBackend) PromoteDelayed(ctx context.Context, q Queue) (int, error) {
	n, err := promoteScript.Run(ctx, b.client,
		[]string{b.key(q, "delayed"), b.key(q, "ready")}, ms(b.now()), 500).Int()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", q, err)
	}
	return n, nil
}

// Recover also adopts processing members that never got a claim score,
// which happens when a consumer dies between BLMOVE and ZADD. They become
// recoverable one staleAge later.
func (b *RedisBackend) Recover(ctx context.Context, q Queue, staleAge time.Duration) (int, int, error) {
	now := b.now()
	if err := b.adoptOrphans(ctx, q, now); err != nil {
		return 0, 0, err
	}

	stale, err := b.client.ZRangeByScore(ctx, b.key(q, "claimed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: ms(now.Add(-staleAge)),
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("scan %s claims: %w", q, err)
	}

	keys := []string{
		b.key(q, "processing"), b.key(q, "ready"), b.key(q, "claimed"),
		b.key(q, "recoveries"), b.key(q, "dead"),
	}
	requeued, dead := 0, 0
	for _, raw := range stale {
		var env Envelope
		_ = json.Unmarshal([]byte(raw), &env)
		res, err := recoverScript.Run(ctx, b.client, keys, raw, env.ID, MaxRecoveries).Int()
		if err != nil {
			return requeued, dead, fmt.Errorf("recover %s: %w", q, err)
		}
		switch res {
		case 1:
			requeued++
		case 2:
			dead++
		}
	}
	return requeued, dead, nil
}

func (b *RedisBackend) adoptOrphans(ctx context.Context, q Queue, now time.Time) error {
	members, err := b.client.LRange(ctx, b.key(q, "processing"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list %s processing: %w", q, err)
	}
	for _, raw := range members {
		err := b.client.ZAddNX(ctx, b.key(q, "claimed"), redis.Z{Score: float64(now.UnixMilli()), Member: raw}).Err()
		if err != nil {
			return fmt.Errorf("adopt %s orphan: %w", q, err)
		}
	}
	return nil
}

// cancelTTL bounds how long a cancellation flag outlives its campaign.
const cancelTTL = 7 * 24 * time.Hour

func (b *RedisBackend) SetCancelled(ctx context.Context, campaignID string) error {
	if err := b.client.Set(ctx, b.prefix+"cancelled:"+campaignID, 1, cancelTTL).Err(); err != nil {
		return fmt.Errorf("flag cancelled: %w", err)
	}
	return nil
}

func (b *RedisBackend) IsCancelled(ctx context.Context, campaignID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.prefix+"cancelled:"+campaignID).Result()
	if err != nil {
		return false, fmt.Errorf("check cancelled: %w", err)
	}
	return n > 0, nil
}

// DeadLetters returns the dead-lettered deliveries of a queue.
func (b *RedisBackend) DeadLetters(ctx context.Context, q Queue) ([]Envelope, error) {
	raws, err := b.client.LRange(ctx, b.key(q, "dead"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s dead letters: %w", q, err)
	}
	out := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			out = append(out, env)
		}
	}
	return out, nil
}

var _ Backend = (*RedisBackend)(nil)
