package repo

import (
	"context"
	"database/sql"
	"errors"

	"dayline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const blockColumns = `id,day,activity,start_time,end_time,status,reminder_sent,created_at,updated_at`

func scanBlock(row *sql.Row) (domain.TimeBlock, error) {
	var b domain.TimeBlock
	var reminded int
	err := row.Scan(&b.ID, &b.Day, &b.Activity, &b.StartTime, &b.EndTime, &b.Status, &reminded, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	b.ReminderSent = reminded != 0
	return b, err
}

func (r Repo) InsertBlockTx(ctx context.Context, tx *sql.Tx, b domain.TimeBlock) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blocks(`+blockColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Day, b.Activity, b.StartTime, b.EndTime, b.Status, boolToInt(b.ReminderSent), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBlock(ctx context.Context, id string) (domain.TimeBlock, error) {
	return scanBlock(r.DB.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id=?`, id))
}

// ListBlocks returns all blocks for a day ordered by start time.
// Start/end times are normalized to zero-padded HH:MM at creation, so
// lexical order is chronological.
func (r Repo) ListBlocks(ctx context.Context, day string) ([]domain.TimeBlock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE day=? ORDER BY start_time, id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeBlock
	for rows.Next() {
		var b domain.TimeBlock
		var reminded int
		if err := rows.Scan(&b.ID, &b.Day, &b.Activity, &b.StartTime, &b.EndTime, &b.Status, &reminded, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.ReminderSent = reminded != 0
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) DeleteBlockTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkBlockStartedTx flips a pending block to active. Returns false if
// the block was not pending anymore.
func (r Repo) MarkBlockStartedTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET status='active', updated_at=? WHERE id=? AND status='pending'`, updatedAt, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkReminderSentTx sets the one-shot reminder marker. The WHERE
// clause is the atomic consult-and-set: it returns false when the
// marker was already set or the block is terminal, and the caller must
// not emit in that case.
func (r Repo) MarkReminderSentTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE blocks SET reminder_sent=1 WHERE id=? AND reminder_sent=0 AND status IN ('pending','active')`, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ResolveBlockTx moves a block to a terminal status and clears the
// reminder marker. Returns false if the block was already terminal, so
// the first writer wins and later attempts are discarded.
func (r Repo) ResolveBlockTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE blocks SET status=?, reminder_sent=0, updated_at=? WHERE id=? AND status IN ('pending','active')`,
		status, updatedAt, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

const historyColumns = `id,block_id,day,activity,scheduled_start,scheduled_end,actual_end,outcome,recorded_at`

func (r Repo) InsertHistory(ctx context.Context, rec domain.HistoryRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO history(`+historyColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.BlockID, rec.Day, rec.Activity, rec.ScheduledStart, rec.ScheduledEnd, rec.ActualEnd, rec.Outcome, rec.RecordedAt)
	return err
}

func (r Repo) ListHistory(ctx context.Context, day string) ([]domain.HistoryRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM history WHERE day=? ORDER BY recorded_at, id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.BlockID, &rec.Day, &rec.Activity, &rec.ScheduledStart, &rec.ScheduledEnd, &rec.ActualEnd, &rec.Outcome, &rec.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountHistoryForBlock(ctx context.Context, blockID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM history WHERE block_id=?`, blockID).Scan(&n)
	return n, err
}

// LatestEventID returns the id of the newest event, 0 when the log is
// empty. Webhook cursors start here so a fresh process only delivers
// events appended after it came up.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// EventsAfter returns up to limit events with id greater than cursor,
// oldest first. Used by the webhook dispatcher and `dl log tail`.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(day,''),COALESCE(block_id,''),payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Day, &e.BlockID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TailEvents returns the newest limit events, oldest first.
func (r Repo) TailEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(day,''),COALESCE(block_id,''),payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Day, &e.BlockID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
