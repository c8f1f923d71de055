// Package store is the schedule store: SQLite persistence for blocks,
// history and the event log, plus change subscriptions that push the
// full current block set to subscribers after every committed change.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dayline/internal/clock"
	"dayline/internal/domain"
	"dayline/internal/events"
	"dayline/internal/repo"
)

// WriteError marks a transient store write failure. Callers treat it
// as recoverable: the tick loop logs and retries on a later tick.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("store write %s: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ErrBlockResolved rejects removal of a finished block. Resolved blocks
// are the archive; they keep their status and history record forever.
var ErrBlockResolved = errors.New("block already resolved")

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *log.Logger

	mu        sync.Mutex
	blockSubs []func([]domain.TimeBlock)
	histSubs  []func(domain.HistoryRecord)
}

func New(db *sql.DB) *Store {
	return &Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// SubscribeBlocks registers a callback that receives the full block
// set of the changed day after every committed change.
func (s *Store) SubscribeBlocks(cb func([]domain.TimeBlock)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockSubs = append(s.blockSubs, cb)
}

// SubscribeHistory registers a callback for appended history records.
func (s *Store) SubscribeHistory(cb func(domain.HistoryRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histSubs = append(s.histSubs, cb)
}

func (s *Store) notifyBlocks(ctx context.Context, day string) {
	s.mu.Lock()
	subs := make([]func([]domain.TimeBlock), len(s.blockSubs))
	copy(subs, s.blockSubs)
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	blocks, err := s.Repo.ListBlocks(ctx, day)
	if err != nil {
		s.logger().Printf("store: reload blocks for notify: %v", err)
		return
	}
	for _, cb := range subs {
		cb(blocks)
	}
}

func (s *Store) notifyHistory(rec domain.HistoryRecord) {
	s.mu.Lock()
	subs := make([]func(domain.HistoryRecord), len(s.histSubs))
	copy(subs, s.histSubs)
	s.mu.Unlock()
	for _, cb := range subs {
		cb(rec)
	}
}

// CreateBlock validates and inserts a new pending block. Times are
// normalized to zero-padded HH:MM and the end must be strictly later
// than the start on the same day.
func (s *Store) CreateBlock(ctx context.Context, day, activity, startTime, endTime string) (domain.TimeBlock, error) {
	if strings.TrimSpace(activity) == "" {
		return domain.TimeBlock{}, errors.New("activity is required")
	}
	startMins, err := clock.ParseWallClock(startTime)
	if err != nil {
		return domain.TimeBlock{}, err
	}
	endMins, err := clock.ParseWallClock(endTime)
	if err != nil {
		return domain.TimeBlock{}, err
	}
	if endMins <= startMins {
		return domain.TimeBlock{}, fmt.Errorf("end time %s must be later than start time %s", endTime, startTime)
	}
	if day == "" {
		day = clock.Day(s.now())
	} else if _, err := clock.ParseDay(day, time.Local); err != nil {
		return domain.TimeBlock{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	b := domain.TimeBlock{
		ID:        uuid.New().String(),
		Day:       day,
		Activity:  strings.TrimSpace(activity),
		StartTime: fmt.Sprintf("%02d:%02d", startMins/60, startMins%60),
		EndTime:   fmt.Sprintf("%02d:%02d", endMins/60, endMins%60),
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeBlock{}, &WriteError{Op: "create block", Err: err}
	}
	defer tx.Rollback()
	if err := s.Repo.InsertBlockTx(ctx, tx, b); err != nil {
		return domain.TimeBlock{}, &WriteError{Op: "create block", Err: err}
	}
	if err := s.Events.Append(ctx, tx, "block.created", b.Day, b.ID, events.EventPayload{"activity": b.Activity, "start": b.StartTime, "end": b.EndTime}); err != nil {
		return domain.TimeBlock{}, &WriteError{Op: "create block", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeBlock{}, &WriteError{Op: "create block", Err: err}
	}
	s.notifyBlocks(ctx, b.Day)
	return b, nil
}

// RemoveBlock deletes a block that never ran to resolution. Resolved
// blocks cannot be removed.
func (s *Store) RemoveBlock(ctx context.Context, id string) error {
	b, err := s.Repo.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if b.Terminal() {
		return ErrBlockResolved
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Op: "remove block", Err: err}
	}
	defer tx.Rollback()
	if err := s.Repo.DeleteBlockTx(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return &WriteError{Op: "remove block", Err: err}
	}
	if err := s.Events.Append(ctx, tx, "block.removed", b.Day, b.ID, events.EventPayload{"activity": b.Activity}); err != nil {
		return &WriteError{Op: "remove block", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Op: "remove block", Err: err}
	}
	s.notifyBlocks(ctx, b.Day)
	return nil
}

// StartBlock flips a pending block to active. Returns false when the
// block had already left pending.
func (s *Store) StartBlock(ctx context.Context, b domain.TimeBlock) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, &WriteError{Op: "start block", Err: err}
	}
	defer tx.Rollback()
	changed, err := s.Repo.MarkBlockStartedTx(ctx, tx, b.ID, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, &WriteError{Op: "start block", Err: err}
	}
	if !changed {
		return false, nil
	}
	if err := s.Events.Append(ctx, tx, "block.started", b.Day, b.ID, events.EventPayload{"activity": b.Activity}); err != nil {
		return false, &WriteError{Op: "start block", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &WriteError{Op: "start block", Err: err}
	}
	s.notifyBlocks(ctx, b.Day)
	return true, nil
}

// MarkReminderSent sets the one-shot reminder dedupe marker. The
// returned bool is authoritative: false means another emission (or an
// earlier run of this process) already claimed it.
func (s *Store) MarkReminderSent(ctx context.Context, b domain.TimeBlock) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, &WriteError{Op: "mark reminder", Err: err}
	}
	defer tx.Rollback()
	claimed, err := s.Repo.MarkReminderSentTx(ctx, tx, b.ID)
	if err != nil {
		return false, &WriteError{Op: "mark reminder", Err: err}
	}
	if !claimed {
		return false, nil
	}
	if err := s.Events.Append(ctx, tx, "reminder.sent", b.Day, b.ID, events.EventPayload{"activity": b.Activity, "end": b.EndTime}); err != nil {
		return false, &WriteError{Op: "mark reminder", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &WriteError{Op: "mark reminder", Err: err}
	}
	return true, nil
}

// ResolveBlock finishes a block: one history record, then the terminal
// status. The history append is attempted first; a failure there is
// reported but does not stop the status update, because a missing log
// entry beats a block stuck demanding attention forever. The unique
// index on history(block_id) plus the status guard in ResolveBlockTx
// make the whole thing first-writer-wins: at most one history record
// per block, later attempts are discarded.
func (s *Store) ResolveBlock(ctx context.Context, b domain.TimeBlock, outcome, actualEnd string, auto bool) (bool, error) {
	cur, err := s.Repo.GetBlock(ctx, b.ID)
	if err != nil {
		return false, err
	}
	if cur.Terminal() {
		return false, nil
	}

	rec := domain.HistoryRecord{
		ID:             uuid.New().String(),
		BlockID:        b.ID,
		Day:            b.Day,
		Activity:       b.Activity,
		ScheduledStart: b.StartTime,
		ScheduledEnd:   b.EndTime,
		ActualEnd:      actualEnd,
		Outcome:        outcome,
		RecordedAt:     s.now().UTC().Format(time.RFC3339),
	}
	var histErr error
	if err := s.Repo.InsertHistory(ctx, rec); err != nil {
		histErr = &WriteError{Op: "append history", Err: err}
		s.logger().Printf("store: %v (continuing with status update)", histErr)
	}

	status := "completed"
	if outcome == "overtime" {
		status = "overtimed"
	}
	evtType := "block.finished"
	if auto {
		evtType = "block.autoresolved"
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, &WriteError{Op: "resolve block", Err: err}
	}
	defer tx.Rollback()
	changed, err := s.Repo.ResolveBlockTx(ctx, tx, b.ID, status, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, &WriteError{Op: "resolve block", Err: err}
	}
	if !changed {
		// lost the race: another writer resolved the block first
		return false, histErr
	}
	if err := s.Events.Append(ctx, tx, evtType, b.Day, b.ID, events.EventPayload{
		"activity":   b.Activity,
		"outcome":    outcome,
		"actual_end": actualEnd,
	}); err != nil {
		return false, &WriteError{Op: "resolve block", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &WriteError{Op: "resolve block", Err: err}
	}
	s.notifyBlocks(ctx, b.Day)
	if histErr == nil {
		s.notifyHistory(rec)
	}
	return true, histErr
}

// BlocksForDay returns the day's full block set, ordered by start.
func (s *Store) BlocksForDay(ctx context.Context, day string) ([]domain.TimeBlock, error) {
	return s.Repo.ListBlocks(ctx, day)
}

// HistoryForDay returns the day's history log, oldest first.
func (s *Store) HistoryForDay(ctx context.Context, day string) ([]domain.HistoryRecord, error) {
	return s.Repo.ListHistory(ctx, day)
}

func (s *Store) GetBlock(ctx context.Context, id string) (domain.TimeBlock, error) {
	return s.Repo.GetBlock(ctx, id)
}
