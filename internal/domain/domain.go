package domain

// TimeBlock is a scheduled activity for a single day. StartTime and
// EndTime are wall-clock "HH:MM" strings; Day is "YYYY-MM-DD".
// ReminderSent is the persisted one-shot reminder dedupe marker and is
// cleared when the block is finished.
type TimeBlock struct {
	ID           string `json:"id"`
	Day          string `json:"day"`
	Activity     string `json:"activity"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Status       string `json:"status" enum:"pending,active,completed,overtimed"`
	ReminderSent bool   `json:"reminder_sent,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the block has been resolved.
func (b TimeBlock) Terminal() bool {
	return b.Status == "completed" || b.Status == "overtimed"
}

// HistoryRecord is an immutable log entry written exactly once when a
// block is finished, by the user or by auto-resolve.
type HistoryRecord struct {
	ID             string `json:"id"`
	BlockID        string `json:"block_id"`
	Day            string `json:"day"`
	Activity       string `json:"activity"`
	ScheduledStart string `json:"scheduled_start"`
	ScheduledEnd   string `json:"scheduled_end"`
	ActualEnd      string `json:"actual_end"`
	Outcome        string `json:"outcome" enum:"on-time,overtime"`
	RecordedAt     string `json:"recorded_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Day     string `json:"day,omitempty"`
	BlockID string `json:"block_id,omitempty"`
	Payload string `json:"payload_json"`
}
