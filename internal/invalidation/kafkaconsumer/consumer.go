// Package kafkaconsumer subscribes to imagery invalidation events and drops
// the affected tiles from the cache tiers.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tilevault/tilevault/internal/config"
	"github.com/tilevault/tilevault/internal/invalidation"
	"github.com/tilevault/tilevault/internal/observability"
	"github.com/tilevault/tilevault/internal/tilemath"
)

// TileInvalidator applies invalidation events to the caches and stores.
// The manager satisfies this. The zoom variants drop whole provider/zoom
// slices by key prefix when enumerating tiles would blow the event budget.
type TileInvalidator interface {
	Invalidate(ctx context.Context, provider string, tiles []tilemath.Tile) error
	Expire(ctx context.Context, provider string, tiles []tilemath.Tile) error
	InvalidateZooms(ctx context.Context, provider string, zooms []int) error
	ExpireZooms(ctx context.Context, provider string, zooms []int) error
}

const seqCacheSize = 1024

type Consumer struct {
	cfg  config.Invalidation
	sink TileInvalidator
	log  zerolog.Logger

	// highest seq applied per event stream; replays below it are dropped
	seen *lru.Cache[string, int64]

	ready atomic.Bool

	mu         sync.Mutex
	partitions []int32 // claims on cfg.Topic from the latest rebalance
}

func New(cfg config.Invalidation, sink TileInvalidator, log zerolog.Logger) *Consumer {
	seen, _ := lru.New[string, int64](seqCacheSize)
	return &Consumer{
		cfg:  cfg,
		sink: sink,
		log:  log.With().Str("component", "kafka_consumer").Logger(),
		seen: seen,
	}
}

// Readiness reports whether the consumer has joined its group and which
// partitions it holds.
func (c *Consumer) Readiness() (bool, string) {
	if !c.ready.Load() {
		return false, "kafka consumer not joined"
	}
	c.mu.Lock()
	parts := append([]int32(nil), c.partitions...)
	c.mu.Unlock()
	return true, fmt.Sprintf("consuming %s partitions %v", c.cfg.Topic, parts)
}

// Start consumes until ctx is canceled. Transient group errors are retried
// with a short backoff.
func (c *Consumer) Start(ctx context.Context) error {
	if c.sink == nil {
		return errors.New("kafkaconsumer: missing invalidator")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := c.handler()

	c.log.Info().
		Strs("brokers", c.cfg.Brokers).
		Str("topic", c.cfg.Topic).
		Str("group", c.cfg.GroupID).
		Msg("invalidation consumer starting")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.ready.Store(false)
				c.log.Error().Err(err).Str("topic", c.cfg.Topic).Msg("consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// handler builds the group handler, recording the claimed partitions on
// every rebalance.
func (c *Consumer) handler() *groupHandler {
	return &groupHandler{
		process: c.ProcessOne,
		onSetup: func(sess sarama.ConsumerGroupSession) {
			parts := append([]int32(nil), sess.Claims()[c.cfg.Topic]...)
			slices.Sort(parts)
			c.mu.Lock()
			c.partitions = parts
			c.mu.Unlock()
			c.ready.Store(true)
		},
	}
}

// ProcessOne applies a single invalidation message.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncInvalidation("decode_error")
		c.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("invalidation decode failed")
		// poison messages are logged and skipped, never retried
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncInvalidation("invalid")
		c.log.Warn().Err(err).Str("provider", ev.Provider).Msg("invalidation rejected")
		return nil
	}
	if c.stale(ev) {
		observability.IncInvalidation("stale")
		c.log.Debug().
			Str("provider", ev.Provider).
			Int64("seq", ev.Seq).
			Msg("invalidation replay dropped")
		return nil
	}

	budget := c.budget()
	if ev.BBox != nil && coverSize(ev, budget) > budget {
		// dropping whole zoom slices beats truncating the expansion,
		// which left the tiles past the cap stale in cache
		return c.applyZooms(ctx, ev)
	}

	tiles := c.tilesForEvent(ev)
	if len(tiles) == 0 {
		observability.IncInvalidation("empty")
		return nil
	}

	// explicit tile lists above the budget are applied in slices so a
	// single event cannot monopolize the cache tiers
	for start := 0; start < len(tiles); start += budget {
		chunk := tiles[start:min(start+budget, len(tiles))]
		var err error
		switch ev.Op {
		case invalidation.OpExpire:
			err = c.sink.Expire(ctx, ev.Provider, chunk)
		default:
			err = c.sink.Invalidate(ctx, ev.Provider, chunk)
		}
		if err != nil {
			observability.IncInvalidation("error")
			return fmt.Errorf("apply %s for %s: %w", ev.Op, ev.Provider, err)
		}
	}

	observability.IncInvalidation("ok")
	observability.AddInvalidatedKeys(len(tiles))
	observability.SetInvalidationLagSeconds(time.Since(ev.TS).Seconds())

	c.log.Info().
		Str("op", ev.Op).
		Str("provider", ev.Provider).
		Int("tiles", len(tiles)).
		Msg("invalidated tiles")
	return nil
}

// applyZooms handles a bbox event whose expansion exceeds the budget by
// purging the affected zoom levels wholesale.
func (c *Consumer) applyZooms(ctx context.Context, ev invalidation.Event) error {
	var err error
	switch ev.Op {
	case invalidation.OpExpire:
		err = c.sink.ExpireZooms(ctx, ev.Provider, ev.Zooms)
	default:
		err = c.sink.InvalidateZooms(ctx, ev.Provider, ev.Zooms)
	}
	if err != nil {
		observability.IncInvalidation("error")
		return fmt.Errorf("apply %s zooms for %s: %w", ev.Op, ev.Provider, err)
	}

	observability.IncInvalidation("ok")
	observability.SetInvalidationLagSeconds(time.Since(ev.TS).Seconds())

	c.log.Info().
		Str("op", ev.Op).
		Str("provider", ev.Provider).
		Ints("zooms", ev.Zooms).
		Msg("invalidated zoom levels")
	return nil
}

func (c *Consumer) budget() int {
	if c.cfg.MaxTilesPerEvent > 0 {
		return c.cfg.MaxTilesPerEvent
	}
	return 4096
}

// coverSize counts the tiles a bbox event would expand to, stopping once the
// count passes limit.
func coverSize(ev invalidation.Event, limit int) int {
	var n int
	for _, z := range ev.Zooms {
		n += tilemath.CoverCount(*ev.BBox, z)
		if n > limit {
			return n
		}
	}
	return n
}

// stale records the event's sequence number and reports whether it has been
// superseded. Events without a seq are always applied.
func (c *Consumer) stale(ev invalidation.Event) bool {
	if ev.Seq == 0 {
		return false
	}
	key := ev.DedupeKey()
	if last, ok := c.seen.Get(key); ok && ev.Seq <= last {
		return true
	}
	c.seen.Add(key, ev.Seq)
	return false
}

// tilesForEvent expands a bbox event into tiles. Events whose expansion
// would exceed the budget never reach this; applyZooms handles those.
func (c *Consumer) tilesForEvent(ev invalidation.Event) []tilemath.Tile {
	if len(ev.Tiles) > 0 {
		return ev.Tiles
	}
	var out []tilemath.Tile
	for _, z := range ev.Zooms {
		out = append(out, tilemath.Cover(*ev.BBox, z)...)
	}
	return out
}
