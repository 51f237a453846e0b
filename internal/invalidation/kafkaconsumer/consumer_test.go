package kafkaconsumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/tilevault/tilevault/internal/config"
	"github.com/tilevault/tilevault/internal/invalidation"
	"github.com/tilevault/tilevault/internal/tilemath"
)

type fakeSink struct {
	mu               sync.Mutex
	invalidated      map[string][]tilemath.Tile
	expired          map[string][]tilemath.Tile
	invalidatedZooms map[string][]int
	expiredZooms     map[string][]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		invalidated:      map[string][]tilemath.Tile{},
		expired:          map[string][]tilemath.Tile{},
		invalidatedZooms: map[string][]int{},
		expiredZooms:     map[string][]int{},
	}
}

func (f *fakeSink) Invalidate(_ context.Context, provider string, tiles []tilemath.Tile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated[provider] = append(f.invalidated[provider], tiles...)
	return nil
}

func (f *fakeSink) Expire(_ context.Context, provider string, tiles []tilemath.Tile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[provider] = append(f.expired[provider], tiles...)
	return nil
}

func (f *fakeSink) InvalidateZooms(_ context.Context, provider string, zooms []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidatedZooms[provider] = append(f.invalidatedZooms[provider], zooms...)
	return nil
}

func (f *fakeSink) ExpireZooms(_ context.Context, provider string, zooms []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredZooms[provider] = append(f.expiredZooms[provider], zooms...)
	return nil
}

func newConsumer(sink TileInvalidator, maxTiles int) *Consumer {
	return New(config.Invalidation{Topic: "imagery-refresh", MaxTilesPerEvent: maxTiles}, sink, zerolog.Nop())
}

func message(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "imagery-refresh", Value: raw}
}

func TestProcessRefreshTileList(t *testing.T) {
	sink := newFakeSink()
	c := newConsumer(sink, 0)

	ev := invalidation.Event{
		Version:  1,
		Op:       invalidation.OpRefresh,
		Provider: "osm",
		TS:       time.Now(),
		Tiles:    []tilemath.Tile{{Z: 10, X: 1, Y: 2}, {Z: 10, X: 1, Y: 3}},
	}
	if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if got := sink.invalidated["osm"]; len(got) != 2 {
		t.Fatalf("invalidated = %v", got)
	}
	if len(sink.expired) != 0 {
		t.Fatal("refresh must not expire")
	}
}

func TestProcessExpireBBox(t *testing.T) {
	sink := newFakeSink()
	c := newConsumer(sink, 0)

	b := tilemath.BBox{MinLon: -0.2, MinLat: -0.2, MaxLon: 0.2, MaxLat: 0.2}
	ev := invalidation.Event{
		Version:  1,
		Op:       invalidation.OpExpire,
		Provider: "esri",
		TS:       time.Now(),
		BBox:     &b,
		Zooms:    []int{8, 9},
	}
	if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	want := len(tilemath.Cover(b, 8)) + len(tilemath.Cover(b, 9))
	if got := sink.expired["esri"]; len(got) != want {
		t.Fatalf("expired %d tiles, want %d", len(got), want)
	}
}

// A bbox whose expansion exceeds the budget must purge whole zoom levels.
// Truncating the expansion left every tile past the cap stale in cache.
func TestProcessOverBudgetBBoxPurgesZooms(t *testing.T) {
	sink := newFakeSink()
	c := newConsumer(sink, 10)

	ev := invalidation.Event{
		Version:  1,
		Op:       invalidation.OpRefresh,
		Provider: "esri",
		TS:       time.Now(),
		BBox:     &tilemath.BBox{MinLon: -10, MinLat: -10, MaxLon: 10, MaxLat: 10},
		Zooms:    []int{11, 12},
	}
	if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(sink.invalidated["esri"]) != 0 {
		t.Fatal("over-budget bbox must not invalidate per tile")
	}
	if got := sink.invalidatedZooms["esri"]; len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Fatalf("invalidated zooms = %v", got)
	}

	ev.Op = invalidation.OpExpire
	ev.Seq = 0
	if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("ProcessOne expire: %v", err)
	}
	if got := sink.expiredZooms["esri"]; len(got) != 2 {
		t.Fatalf("expired zooms = %v", got)
	}
}

// Explicit tile lists above the budget are applied fully, just in slices.
func TestProcessChunksLargeTileList(t *testing.T) {
	sink := newFakeSink()
	c := newConsumer(sink, 3)

	tiles := make([]tilemath.Tile, 8)
	for i := range tiles {
		tiles[i] = tilemath.Tile{Z: 10, X: i, Y: 0}
	}
	ev := invalidation.Event{
		Version:  1,
		Op:       invalidation.OpRefresh,
		Provider: "osm",
		TS:       time.Now(),
		Tiles:    tiles,
	}
	if err := c.ProcessOne(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if got := sink.invalidated["osm"]; len(got) != len(tiles) {
		t.Fatalf("invalidated %d tiles, want all %d", len(got), len(tiles))
	}
}

func TestProcessSkipsGarbageAndInvalid(t *testing.T) {
	sink := newFakeSink()
	c := newConsumer(sink, 0)
	ctx := context.Background()

	// malformed JSON is skipped, not retried
	msg := &sarama.ConsumerMessage{Topic: "imagery-refresh", Value: []byte("{nope")}
	if err := c.ProcessOne(ctx, msg); err != nil {
		t.Fatalf("garbage message: %v", err)
	}

	ev := invalidation.Event{Version: 7, Op: "refresh", Provider: "osm", TS: time.Now()}
	if err := c.ProcessOne(ctx, message(t, ev)); err != nil {
		t.Fatalf("invalid event: %v", err)
	}
	if len(sink.invalidated) != 0 || len(sink.expired) != 0 {
		t.Fatal("nothing should be applied")
	}
}

func TestProcessDropsReplayedSeq(t *testing.T) {
	sink := newFakeSink()
	c := newConsumer(sink, 0)
	ctx := context.Background()

	ev := invalidation.Event{
		Version:  1,
		Op:       invalidation.OpRefresh,
		Provider: "osm",
		TS:       time.Now(),
		Seq:      5,
		Tiles:    []tilemath.Tile{{Z: 10, X: 1, Y: 2}},
	}
	if err := c.ProcessOne(ctx, message(t, ev)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := c.ProcessOne(ctx, message(t, ev)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := sink.invalidated["osm"]; len(got) != 1 {
		t.Fatalf("applied %d times, want 1", len(got))
	}

	// newer seq goes through
	ev.Seq = 6
	if err := c.ProcessOne(ctx, message(t, ev)); err != nil {
		t.Fatalf("newer: %v", err)
	}
	if got := sink.invalidated["osm"]; len(got) != 2 {
		t.Fatalf("applied %d times, want 2", len(got))
	}

	// different source has its own sequence
	ev.Seq = 1
	ev.Source = "other"
	if err := c.ProcessOne(ctx, message(t, ev)); err != nil {
		t.Fatalf("other source: %v", err)
	}
	if got := sink.invalidated["osm"]; len(got) != 3 {
		t.Fatalf("applied %d times, want 3", len(got))
	}
}

type stubSession struct {
	claims map[string][]int32
}

func (s *stubSession) Claims() map[string][]int32                  { return s.claims }
func (s *stubSession) MemberID() string                            { return "member-1" }
func (s *stubSession) GenerationID() int32                         { return 1 }
func (s *stubSession) MarkOffset(string, int32, int64, string)     {}
func (s *stubSession) Commit()                                     {}
func (s *stubSession) ResetOffset(string, int32, int64, string)    {}
func (s *stubSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (s *stubSession) Context() context.Context                    { return context.Background() }

func TestReadinessReportsPartitions(t *testing.T) {
	c := newConsumer(newFakeSink(), 0)
	if ok, _ := c.Readiness(); ok {
		t.Fatal("consumer should start not ready")
	}

	sess := &stubSession{claims: map[string][]int32{"imagery-refresh": {2, 0}}}
	if err := c.handler().Setup(sess); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	ok, reason := c.Readiness()
	if !ok {
		t.Fatalf("not ready after setup: %q", reason)
	}
	if reason != "consuming imagery-refresh partitions [0 2]" {
		t.Fatalf("reason = %q", reason)
	}
}
