package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dayline/internal/clock"
	"dayline/internal/config"
	"dayline/internal/db"
	"dayline/internal/domain"
	"dayline/internal/engine"
	"dayline/internal/migrate"
	"dayline/internal/store"
)

const testDay = "2024-05-12"

func at(hhmm string, sec int) time.Time {
	mins, err := clock.ParseWallClock(hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(2024, 5, 12, mins/60, mins%60, sec, 0, time.Local)
}

type testEnv struct {
	Store  *store.Store
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	st.Now = func() time.Time { return at("08:00", 0) }
	eng := engine.New(st, config.Default())
	eng.Now = func() time.Time { return at("08:00", 0) }
	return testEnv{Store: st, Engine: eng, Ctx: context.Background()}
}

func (env testEnv) addBlock(t *testing.T, activity, start, end string) domain.TimeBlock {
	t.Helper()
	b, err := env.Store.CreateBlock(env.Ctx, testDay, activity, start, end)
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	return b
}

func (env testEnv) historyCount(t *testing.T, blockID string) int {
	t.Helper()
	n, err := env.Store.Repo.CountHistoryForBlock(env.Ctx, blockID)
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	return n
}

func TestBlockCreationValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Store.CreateBlock(env.Ctx, testDay, "reading", "10:00", "09:00"); err == nil {
		t.Fatalf("expected rejection of end before start")
	}
	if _, err := env.Store.CreateBlock(env.Ctx, testDay, "reading", "09:00", "09:00"); err == nil {
		t.Fatalf("expected rejection of zero-length block")
	}
	_, err := env.Store.CreateBlock(env.Ctx, testDay, "reading", "25:00", "26:00")
	var fe *clock.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if _, err := env.Store.CreateBlock(env.Ctx, testDay, "  ", "09:00", "10:00"); err == nil {
		t.Fatalf("expected rejection of empty activity")
	}
	b, err := env.Store.CreateBlock(env.Ctx, testDay, "reading", "9:05", "10:30")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.StartTime != "09:05" || b.EndTime != "10:30" {
		t.Fatalf("times not normalized: %s-%s", b.StartTime, b.EndTime)
	}
	if b.Status != "pending" {
		t.Fatalf("new block status %s", b.Status)
	}
}

func TestPendingBecomesActiveInWindow(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")
	if err := env.Engine.Tick(env.Ctx, at("08:30", 0)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ := env.Store.GetBlock(env.Ctx, b.ID)
	if got.Status != "pending" {
		t.Fatalf("block started early: %s", got.Status)
	}
	if err := env.Engine.Tick(env.Ctx, at("09:00", 0)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = env.Store.GetBlock(env.Ctx, b.ID)
	if got.Status != "active" {
		t.Fatalf("expected active, got %s", got.Status)
	}
}

func TestAttentionStates(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")
	blocks := []domain.TimeBlock{b}

	cases := []struct {
		now  time.Time
		want engine.State
	}{
		{at("08:59", 59), engine.StateScheduled},
		{at("09:00", 0), engine.StateRunning},
		{at("09:59", 59), engine.StateRunning},
		{at("10:00", 0), engine.StateGrace},
		{at("10:14", 59), engine.StateGrace},
		{at("10:15", 0), engine.StateOverdue},
		{at("10:30", 0), engine.StateOverdue},
	}
	for _, c := range cases {
		att := env.Engine.GetAttentionState(c.now, blocks)
		if c.want == engine.StateScheduled {
			if att != nil {
				t.Fatalf("at %v: expected no attention, got %s", c.now, att.State)
			}
			continue
		}
		if att == nil {
			t.Fatalf("at %v: expected %s, got none", c.now, c.want)
		}
		if att.State != c.want {
			t.Fatalf("at %v: expected %s, got %s", c.now, c.want, att.State)
		}
	}

	att := env.Engine.GetAttentionState(at("10:30", 0), blocks)
	if att.MinutesPastDue != 30 {
		t.Fatalf("minutes past due = %d, want 30", att.MinutesPastDue)
	}
}

func TestAttentionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")
	blocks := []domain.TimeBlock{b}
	now := at("10:05", 0)
	first := env.Engine.GetAttentionState(now, blocks)
	second := env.Engine.GetAttentionState(now, blocks)
	if first == nil || second == nil {
		t.Fatalf("expected attention both times")
	}
	if *first != *second {
		t.Fatalf("attention not idempotent: %+v vs %+v", first, second)
	}
}

func TestSelectionPrefersRunningOverOverdue(t *testing.T) {
	env := newTestEnv(t)
	overdue := env.addBlock(t, "breakfast", "08:00", "09:00")
	running := env.addBlock(t, "writing", "09:30", "10:30")
	_ = overdue
	att := env.Engine.GetAttentionState(at("09:40", 0), []domain.TimeBlock{overdue, running})
	if att == nil || att.Block.Activity != "writing" {
		t.Fatalf("expected running block to win, got %+v", att)
	}
	if att.State != engine.StateRunning {
		t.Fatalf("expected running state, got %s", att.State)
	}
}

func TestOverdueTieBreakByEarliestEnd(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "breakfast", "08:00", "09:00")
	c := env.addBlock(t, "email", "08:30", "09:30")
	att := env.Engine.GetAttentionState(at("09:40", 0), []domain.TimeBlock{c, b})
	if att == nil || att.Block.Activity != "breakfast" {
		t.Fatalf("expected earliest end to win, got %+v", att)
	}
	if att.State != engine.StateOverdue {
		t.Fatalf("expected overdue, got %s", att.State)
	}
}

func TestReminderFiresExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addBlock(t, "writing", "09:00", "10:00")
	env.addBlock(t, "lunch", "12:00", "13:00")

	var mu sync.Mutex
	var fired []string
	var next *domain.TimeBlock
	env.Engine.OnReminder(func(b domain.TimeBlock, n *domain.TimeBlock) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, b.Activity)
		next = n
	})

	for _, now := range []time.Time{at("09:59", 59), at("10:00", 0), at("10:00", 1), at("10:05", 0)} {
		if err := env.Engine.Tick(env.Ctx, now); err != nil {
			t.Fatalf("tick at %v: %v", now, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "writing" {
		t.Fatalf("reminder fired %v, want exactly once for writing", fired)
	}
	if next == nil || next.Activity != "lunch" {
		t.Fatalf("expected lunch as next block, got %+v", next)
	}
}

func TestReminderSurvivesColdRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.addBlock(t, "writing", "09:00", "10:00")

	count := 0
	env.Engine.OnReminder(func(domain.TimeBlock, *domain.TimeBlock) { count++ })
	if err := env.Engine.Tick(env.Ctx, at("10:00", 0)); err != nil {
		t.Fatal(err)
	}

	// second engine over the same store: marker is persisted, no re-fire
	fresh := engine.New(env.Store, config.Default())
	fresh.OnReminder(func(domain.TimeBlock, *domain.TimeBlock) { count++ })
	if err := fresh.Tick(env.Ctx, at("10:01", 0)); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("reminder fired %d times across restart, want 1", count)
	}
}

func TestGraceBoundaryClassification(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")
	if err := env.Engine.FinishBlock(env.Ctx, b.ID, at("10:14", 59)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ := env.Store.GetBlock(env.Ctx, b.ID)
	if got.Status != "completed" {
		t.Fatalf("finish inside grace: status %s, want completed", got.Status)
	}
	recs, err := env.Store.HistoryForDay(env.Ctx, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != "on-time" {
		t.Fatalf("expected one on-time record, got %+v", recs)
	}
	if recs[0].ActualEnd != "10:14" {
		t.Fatalf("actual end %s, want 10:14", recs[0].ActualEnd)
	}

	late := env.addBlock(t, "email", "10:30", "11:00")
	if err := env.Engine.FinishBlock(env.Ctx, late.ID, at("11:15", 1)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ = env.Store.GetBlock(env.Ctx, late.ID)
	if got.Status != "overtimed" {
		t.Fatalf("finish past grace: status %s, want overtimed", got.Status)
	}
	recs, _ = env.Store.HistoryForDay(env.Ctx, testDay)
	if len(recs) != 2 {
		t.Fatalf("expected two records, got %d", len(recs))
	}
	var lateRec *domain.HistoryRecord
	for i := range recs {
		if recs[i].BlockID == late.ID {
			lateRec = &recs[i]
		}
	}
	if lateRec == nil || lateRec.Outcome != "overtime" {
		t.Fatalf("expected overtime record for late block, got %+v", recs)
	}
}

func TestFinishClearsReminderMarker(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")
	if err := env.Engine.Tick(env.Ctx, at("10:00", 0)); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Store.GetBlock(env.Ctx, b.ID)
	if !got.ReminderSent {
		t.Fatalf("expected reminder marker set")
	}
	if err := env.Engine.FinishBlock(env.Ctx, b.ID, at("10:05", 0)); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Store.GetBlock(env.Ctx, b.ID)
	if got.ReminderSent {
		t.Fatalf("expected reminder marker cleared on finish")
	}
}

func TestAutoResolveExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")

	// repeated ticks past the deadline must resolve exactly once
	for _, now := range []time.Time{at("10:20", 0), at("10:20", 1), at("10:25", 0), at("11:00", 0)} {
		if err := env.Engine.Tick(env.Ctx, now); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	got, _ := env.Store.GetBlock(env.Ctx, b.ID)
	if got.Status != "overtimed" {
		t.Fatalf("status %s, want overtimed", got.Status)
	}
	recs, err := env.Store.HistoryForDay(env.Ctx, testDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one history record, got %d", len(recs))
	}
	if recs[0].Outcome != "overtime" {
		t.Fatalf("outcome %s, want overtime", recs[0].Outcome)
	}
	if recs[0].ActualEnd != "10:20" {
		t.Fatalf("actual end %s, want deterministic 10:20", recs[0].ActualEnd)
	}
}

func TestAutoResolveUsesDeadlineNotTickTime(t *testing.T) {
	env := newTestEnv(t)
	env.addBlock(t, "writing", "09:00", "10:00")
	// first tick arrives long after the deadline
	if err := env.Engine.Tick(env.Ctx, at("11:37", 42)); err != nil {
		t.Fatal(err)
	}
	recs, _ := env.Store.HistoryForDay(env.Ctx, testDay)
	if len(recs) != 1 || recs[0].ActualEnd != "10:20" {
		t.Fatalf("expected actual end 10:20 regardless of tick delay, got %+v", recs)
	}
}

func TestFinishMissingOrTerminalIsNoop(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.FinishBlock(env.Ctx, "no-such-id", at("10:00", 0)); err != nil {
		t.Fatalf("finish of missing block should be a no-op, got %v", err)
	}
	b := env.addBlock(t, "writing", "09:00", "10:00")
	if err := env.Engine.FinishBlock(env.Ctx, b.ID, at("10:05", 0)); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.FinishBlock(env.Ctx, b.ID, at("10:06", 0)); err != nil {
		t.Fatalf("second finish should be a no-op, got %v", err)
	}
	if n := env.historyCount(t, b.ID); n != 1 {
		t.Fatalf("history records = %d, want 1", n)
	}
}

func TestConcurrentFinishAndAutoResolveSingleHistory(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = env.Engine.FinishBlock(env.Ctx, b.ID, at("10:21", 0))
	}()
	go func() {
		defer wg.Done()
		_ = env.Engine.Tick(env.Ctx, at("10:21", 0))
	}()
	wg.Wait()

	got, _ := env.Store.GetBlock(env.Ctx, b.ID)
	if !got.Terminal() {
		// one path may have lost the in-flight guard before any write
		// landed; the next tick resolves it
		if err := env.Engine.Tick(env.Ctx, at("10:22", 0)); err != nil {
			t.Fatal(err)
		}
		got, _ = env.Store.GetBlock(env.Ctx, b.ID)
		if !got.Terminal() {
			t.Fatalf("block never resolved: %s", got.Status)
		}
	}
	if n := env.historyCount(t, b.ID); n != 1 {
		t.Fatalf("history records = %d, want exactly 1", n)
	}
}

func TestReminderPicksEarliestUpcomingBlock(t *testing.T) {
	env := newTestEnv(t)
	env.addBlock(t, "writing", "09:00", "10:00")
	env.addBlock(t, "review", "13:00", "14:00")
	env.addBlock(t, "lunch", "12:00", "13:00")

	var mu sync.Mutex
	var next *domain.TimeBlock
	env.Engine.OnReminder(func(_ domain.TimeBlock, n *domain.TimeBlock) {
		mu.Lock()
		next = n
		mu.Unlock()
	})
	if err := env.Engine.Tick(env.Ctx, at("10:00", 0)); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if next == nil || next.Activity != "lunch" {
		t.Fatalf("expected earliest upcoming block lunch, got %+v", next)
	}
}

func TestSnapshotTracksStoreAndTicks(t *testing.T) {
	env := newTestEnv(t)
	if att := env.Engine.Snapshot(at("10:05", 0)); att != nil {
		t.Fatalf("expected no attention before any block, got %+v", att)
	}
	b := env.addBlock(t, "writing", "09:00", "10:00")
	att := env.Engine.Snapshot(at("10:05", 0))
	if att == nil || att.Block.ID != b.ID || att.State != engine.StateGrace {
		t.Fatalf("snapshot after create = %+v, want grace for writing", att)
	}

	// a fresh engine over the same store has no block set until its
	// first tick loads one
	fresh := engine.New(env.Store, config.Default())
	if att := fresh.Snapshot(at("10:05", 0)); att != nil {
		t.Fatalf("expected empty snapshot before first tick, got %+v", att)
	}
	if err := fresh.Tick(env.Ctx, at("10:05", 0)); err != nil {
		t.Fatal(err)
	}
	if att := fresh.Snapshot(at("10:05", 0)); att == nil || att.State != engine.StateGrace {
		t.Fatalf("snapshot after tick = %+v, want grace", att)
	}
}

func TestAttentionLoadsCurrentDay(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")
	att, err := env.Engine.Attention(env.Ctx, at("10:05", 0))
	if err != nil {
		t.Fatal(err)
	}
	if att == nil || att.Block.ID != b.ID || att.State != engine.StateGrace {
		t.Fatalf("attention = %+v, want grace for writing", att)
	}
}

func TestRemoveResolvedBlockRefused(t *testing.T) {
	env := newTestEnv(t)
	b := env.addBlock(t, "writing", "09:00", "10:00")
	if err := env.Engine.FinishBlock(env.Ctx, b.ID, at("10:05", 0)); err != nil {
		t.Fatal(err)
	}
	if err := env.Store.RemoveBlock(env.Ctx, b.ID); !errors.Is(err, store.ErrBlockResolved) {
		t.Fatalf("expected ErrBlockResolved, got %v", err)
	}
	if _, err := env.Store.GetBlock(env.Ctx, b.ID); err != nil {
		t.Fatalf("resolved block must stay archived: %v", err)
	}
	if n := env.historyCount(t, b.ID); n != 1 {
		t.Fatalf("history records = %d, want 1", n)
	}

	// unresolved blocks can still be removed
	c := env.addBlock(t, "email", "10:30", "11:00")
	if err := env.Store.RemoveBlock(env.Ctx, c.ID); err != nil {
		t.Fatalf("remove pending block: %v", err)
	}
}

func TestStoreNotifiesSubscribersOnChange(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var last []domain.TimeBlock
	env.Store.SubscribeBlocks(func(blocks []domain.TimeBlock) {
		mu.Lock()
		last = blocks
		mu.Unlock()
	})
	b := env.addBlock(t, "writing", "09:00", "10:00")
	mu.Lock()
	if len(last) != 1 || last[0].ID != b.ID {
		mu.Unlock()
		t.Fatalf("subscriber did not receive created block")
	}
	mu.Unlock()

	if err := env.Engine.FinishBlock(env.Ctx, b.ID, at("10:05", 0)); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(last) != 1 || last[0].Status != "completed" {
		t.Fatalf("subscriber did not see status transition: %+v", last)
	}
}
