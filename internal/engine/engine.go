// Package engine is the schedule timing engine. Driven by a 1 Hz tick,
// it derives each block's attention state from the clock, fires the
// one-shot end-of-block reminder, auto-resolves unattended overdue
// blocks as overtime, and classifies manual finishes as on-time or
// overtime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"dayline/internal/clock"
	"dayline/internal/config"
	"dayline/internal/domain"
	"dayline/internal/repo"
	"dayline/internal/store"
)

// Attention states derived per tick. They are never persisted; the
// persisted block status only records pending/active and the terminal
// outcomes.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateGrace     State = "grace"
	StateOverdue   State = "overdue"
)

// Attention is the engine's per-tick snapshot of the one block that
// currently demands the user's attention.
type Attention struct {
	Block          domain.TimeBlock `json:"block"`
	State          State            `json:"state"`
	MinutesPastDue int              `json:"minutes_past_due"`
}

// ReminderFunc receives the block whose scheduled end just arrived and
// the upcoming pending block, if any.
type ReminderFunc func(block domain.TimeBlock, next *domain.TimeBlock)

type Engine struct {
	Store  *store.Store
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger

	mu          sync.Mutex
	latest      []domain.TimeBlock
	inFlight    map[string]bool
	reminderFns []ReminderFunc
}

func New(st *store.Store, cfg *config.Config) *Engine {
	e := &Engine{
		Store:    st,
		Config:   cfg,
		Now:      time.Now,
		inFlight: make(map[string]bool),
	}
	st.SubscribeBlocks(func(blocks []domain.TimeBlock) {
		e.mu.Lock()
		e.latest = blocks
		e.mu.Unlock()
	})
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) grace() time.Duration {
	return time.Duration(e.Config.Schedule.GraceMinutes) * time.Minute
}

func (e *Engine) autoAdvance() time.Duration {
	return time.Duration(e.Config.Schedule.AutoAdvanceMinutes) * time.Minute
}

// OnReminder registers a callback for the one-shot end-of-block
// reminder. Callbacks run synchronously on the emitting tick.
func (e *Engine) OnReminder(cb ReminderFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reminderFns = append(e.reminderFns, cb)
}

// blockWindow places a block's start and end on its own calendar day.
func blockWindow(b domain.TimeBlock, now time.Time) (time.Time, time.Time, error) {
	ref := now
	if b.Day != "" {
		day, err := clock.ParseDay(b.Day, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		ref = day
	}
	start, err := clock.WallClockToInstant(b.StartTime, ref)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := clock.WallClockToInstant(b.EndTime, ref)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (e *Engine) blockState(b domain.TimeBlock, now time.Time) (State, time.Time, time.Time, bool) {
	start, end, err := blockWindow(b, now)
	if err != nil {
		// times are validated at creation; a block that fails here is
		// unreadable and never surfaces
		return "", time.Time{}, time.Time{}, false
	}
	switch {
	case now.Before(start):
		return StateScheduled, start, end, true
	case now.Before(end):
		return StateRunning, start, end, true
	case now.Before(end.Add(e.grace())):
		return StateGrace, start, end, true
	default:
		return StateOverdue, start, end, true
	}
}

// GetAttentionState returns the single block demanding attention at
// now, or nil. A running block wins over any overdue one; among blocks
// past their end the earliest scheduled end is surfaced first. Pure:
// identical inputs yield identical output.
func (e *Engine) GetAttentionState(now time.Time, blocks []domain.TimeBlock) *Attention {
	var running *Attention
	var runningStart time.Time
	var waiting *Attention
	var waitingEnd time.Time
	for _, b := range blocks {
		if b.Terminal() {
			continue
		}
		state, start, end, ok := e.blockState(b, now)
		if !ok {
			continue
		}
		switch state {
		case StateRunning:
			if running == nil || start.Before(runningStart) {
				running = &Attention{Block: b, State: state}
				runningStart = start
			}
		case StateGrace, StateOverdue:
			if waiting == nil || end.Before(waitingEnd) {
				waiting = &Attention{Block: b, State: state, MinutesPastDue: int(now.Sub(end).Minutes())}
				waitingEnd = end
			}
		}
	}
	if running != nil {
		return running
	}
	return waiting
}

// Snapshot evaluates attention against the latest block set, as pushed
// by the store after a commit or loaded by the last tick, without
// touching the database.
func (e *Engine) Snapshot(now time.Time) *Attention {
	e.mu.Lock()
	blocks := e.latest
	e.mu.Unlock()
	return e.GetAttentionState(now, blocks)
}

// Attention loads the day's blocks and evaluates attention at now.
func (e *Engine) Attention(ctx context.Context, now time.Time) (*Attention, error) {
	blocks, err := e.Store.BlocksForDay(ctx, clock.Day(now))
	if err != nil {
		return nil, err
	}
	return e.GetAttentionState(now, blocks), nil
}

// Tick performs one full recomputation from the latest stored block
// set: pending blocks entering their window are started, due reminders
// are emitted once, and blocks past the auto-advance deadline are
// resolved as overtime. No incremental state is carried between ticks
// beyond the persisted status and the reminder dedupe marker.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	blocks, err := e.Store.BlocksForDay(ctx, clock.Day(now))
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	e.mu.Lock()
	e.latest = blocks
	e.mu.Unlock()
	for _, b := range blocks {
		if b.Terminal() {
			continue
		}
		state, _, end, ok := e.blockState(b, now)
		if !ok {
			continue
		}
		if state != StateScheduled && b.Status == "pending" {
			if _, err := e.Store.StartBlock(ctx, b); err != nil {
				e.logger().Printf("engine: start block %s: %v", b.ID, err)
			}
		}
		if !b.ReminderSent && !now.Before(end) {
			e.emitReminder(ctx, b, blocks, now)
		}
		deadline := end.Add(e.autoAdvance())
		if !now.Before(deadline) {
			e.autoResolve(ctx, b, deadline)
		}
	}
	return nil
}

// emitReminder fires the one-shot reminder. The persisted marker is
// claimed atomically before any callback runs, so a cold subscription
// refresh or process restart never re-notifies.
func (e *Engine) emitReminder(ctx context.Context, b domain.TimeBlock, blocks []domain.TimeBlock, now time.Time) {
	claimed, err := e.Store.MarkReminderSent(ctx, b)
	if err != nil {
		e.logger().Printf("engine: mark reminder %s: %v", b.ID, err)
		return
	}
	if !claimed {
		return
	}
	next := upcomingBlock(b, blocks, now)
	e.mu.Lock()
	fns := make([]ReminderFunc, len(e.reminderFns))
	copy(fns, e.reminderFns)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(b, next)
	}
}

// upcomingBlock picks the pending block whose start instant is at or
// after b's scheduled end, earliest first. Like every other timing
// decision this compares instants, not raw time strings.
func upcomingBlock(b domain.TimeBlock, blocks []domain.TimeBlock, now time.Time) *domain.TimeBlock {
	_, end, err := blockWindow(b, now)
	if err != nil {
		return nil
	}
	var next *domain.TimeBlock
	var nextStart time.Time
	for _, c := range blocks {
		if c.ID == b.ID || c.Status != "pending" {
			continue
		}
		start, _, err := blockWindow(c, now)
		if err != nil || start.Before(end) {
			continue
		}
		if next == nil || start.Before(nextStart) {
			n := c
			next = &n
			nextStart = start
		}
	}
	return next
}

// autoResolve finishes an unattended block as overtime with the
// deterministic deadline as actual end, independent of tick jitter.
func (e *Engine) autoResolve(ctx context.Context, b domain.TimeBlock, deadline time.Time) {
	if !e.acquire(b.ID) {
		return
	}
	defer e.release(b.ID)
	changed, err := e.Store.ResolveBlock(ctx, b, "overtime", clock.FormatClock(deadline), true)
	if err != nil {
		// recoverable: the deadline condition still holds next tick
		e.logger().Printf("engine: auto-resolve %s: %v", b.ID, err)
	}
	if changed {
		e.logger().Printf("engine: auto-resolved %q as overtime at %s", b.Activity, clock.FormatClock(deadline))
	}
}

// FinishBlock records a user-initiated finish. Finishing a missing or
// already resolved block is a logged no-op, never an error to the
// caller.
func (e *Engine) FinishBlock(ctx context.Context, id string, now time.Time) error {
	b, err := e.Store.GetBlock(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.logger().Printf("engine: finish %s: block not found", id)
			return nil
		}
		return err
	}
	if b.Terminal() {
		e.logger().Printf("engine: finish %s: already %s", id, b.Status)
		return nil
	}
	_, end, err := blockWindow(b, now)
	if err != nil {
		return err
	}
	outcome := "on-time"
	if !now.Before(end.Add(e.grace())) {
		outcome = "overtime"
	}
	if !e.acquire(id) {
		e.logger().Printf("engine: finish %s: resolution already in flight", id)
		return nil
	}
	defer e.release(id)
	changed, err := e.Store.ResolveBlock(ctx, b, outcome, clock.FormatClock(now), false)
	if err != nil {
		// surfaced, not retried: a duplicate history entry is worse
		// than asking the user to press finish again
		return err
	}
	if !changed {
		e.logger().Printf("engine: finish %s: lost race, block already resolved", id)
	}
	return nil
}

// acquire marks a block resolution as in flight so overlapping
// evaluations (manual finish racing auto-resolve) never issue
// duplicate writes from this process.
func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[id] {
		return false
	}
	e.inFlight[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

// Run drives the engine at 1 Hz until ctx is canceled. Each tick is
// synchronous; an error during one tick is logged and the next tick
// proceeds from the latest store state.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := e.Tick(ctx, now); err != nil {
				e.logger().Printf("engine: tick: %v", err)
			}
		}
	}
}
