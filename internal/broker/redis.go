package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Prefix   string
	Group    string
	Consumer string
	// Block is how long Fetch waits for new entries; zero or less does not block.
	Block time.Duration
	// ReclaimAfter re-delivers entries left unacked by a consumer for this long; zero disables it.
	ReclaimAfter time.Duration
	BatchSize    int64
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "delayflow"
	}
	if c.Group == "" {
		c.Group = "delayflow"
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	return c
}

// promoteScript moves due members of the delay set into the ready stream.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, body in ipairs(due) do
  if redis.call('ZREM', KEYS[1], body) == 1 then
    redis.call('XADD', KEYS[2], '*', 'body', body)
    moved = moved + 1
  end
end
return moved
`)

type Redis struct {
	rdb     redis.UniversalClient
	cfg     Config
	delayed string
	ready   string
	cancel  string
}

func NewRedis(rdb redis.UniversalClient, cfg Config) *Redis {
	cfg = cfg.withDefaults()
	return &Redis{
		rdb:     rdb,
		cfg:     cfg,
		delayed: cfg.Prefix + ":delayed",
		ready:   cfg.Prefix + ":ready",
		cancel:  cfg.Prefix + ":cancel",
	}
}

func stamp(msg *Message) {
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now()
	}
}

// PublishDelayed stores msg until msg.DeliverAt.
func (b *Redis) PublishDelayed(ctx context.Context, msg Message) error {
	stamp(&msg)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.rdb.ZAdd(ctx, b.delayed, redis.Z{Score: float64(msg.DeliverAt.UnixMilli()), Member: body}).Err()
}

// PublishCancel appends msg to the cancellation stream for immediate delivery.
func (b *Redis) PublishCancel(ctx context.Context, msg Message) error {
	stamp(&msg)
	msg.Kind = KindCancel
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: b.cancel, Values: map[string]any{"body": body}}).Err()
}

// Promote moves up to BatchSize messages due at now into the ready stream.
func (b *Redis) Promote(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, b.rdb, []string{b.delayed, b.ready}, now.UnixMilli(), b.cfg.BatchSize).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed messages: %w", err)
	}
	return n, nil
}

// RunPromoter promotes due messages every interval until ctx is done.
func (b *Redis) RunPromoter(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("delayed message promoter started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for {
				n, err := b.Promote(ctx, now)
				if err != nil {
					log.Error().Err(err).Msg("failed to promote delayed messages")
					break
				}
				if n > 0 {
					log.Debug().Int("promoted", n).Msg("delayed messages promoted")
				}
				if int64(n) < b.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// EnsureGroup creates the consumer group on both streams.
func (b *Redis) EnsureGroup(ctx context.Context) error {
	for _, stream := range []string{b.ready, b.cancel} {
		err := b.rdb.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

// Fetch returns deliveries for this consumer: stale pending entries first, then new ones.
func (b *Redis) Fetch(ctx context.Context) ([]Delivery, error) {
	var out []Delivery
	if b.cfg.ReclaimAfter > 0 {
		for _, stream := range []string{b.cancel, b.ready} {
			msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    b.cfg.Group,
				Consumer: b.cfg.Consumer,
				MinIdle:  b.cfg.ReclaimAfter,
				Start:    "0-0",
				Count:    b.cfg.BatchSize,
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("reclaim %s: %w", stream, err)
			}
			out = append(out, b.decode(ctx, stream, msgs)...)
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	block := b.cfg.Block
	if block <= 0 {
		block = -1
	}
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cancel, b.ready, ">", ">"},
		Count:    b.cfg.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read streams: %w", err)
	}
	for _, s := range streams {
		out = append(out, b.decode(ctx, s.Stream, s.Messages)...)
	}
	return out, nil
}

// decode turns stream entries into deliveries. Undecodable entries are acked and dropped.
func (b *Redis) decode(ctx context.Context, stream string, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		var msg Message
		raw, _ := m.Values["body"].(string)
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Error().Err(err).Str("stream", stream).Str("entry", m.ID).Msg("dropping undecodable broker message")
			_ = b.Ack(ctx, Delivery{Stream: stream, ID: m.ID})
			continue
		}
		out = append(out, Delivery{Stream: stream, ID: m.ID, Message: msg})
	}
	return out
}

// Ack acknowledges and removes a handled delivery.
func (b *Redis) Ack(ctx context.Context, d Delivery) error {
	if err := b.rdb.XAck(ctx, d.Stream, b.cfg.Group, d.ID).Err(); err != nil {
		return err
	}
	return b.rdb.XDel(ctx, d.Stream, d.ID).Err()
}

// Delayed returns the number of messages still waiting for their delivery time.
func (b *Redis) Delayed(ctx context.Context) (int64, error) {
	return b.rdb.ZCard(ctx, b.delayed).Result()
}
