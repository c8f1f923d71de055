package server

import (
	"encoding/json"

	"dayline/internal/domain"
	"dayline/internal/engine"
)

// Request payloads

type CreateBlockRequest struct {
	Activity  string `json:"activity"`
	StartTime string `json:"start_time" example:"09:00"`
	EndTime   string `json:"end_time" example:"10:30"`
}

// Response payloads

type BlockResponse struct {
	domain.TimeBlock
}

type blockList struct {
	Items []domain.TimeBlock `json:"items"`
}

type historyList struct {
	Items []domain.HistoryRecord `json:"items"`
}

// AttentionResponse carries the engine snapshot; Attention is null
// when no block demands attention.
type AttentionResponse struct {
	Now       string            `json:"now" format:"date-time"`
	Attention *engine.Attention `json:"attention"`
}

type FinishResponse struct {
	Block  domain.TimeBlock      `json:"block"`
	Record *domain.HistoryRecord `json:"record,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Day     string         `json:"day,omitempty"`
	BlockID string         `json:"block_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

func mapEvents(events []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(events))
	for _, e := range events {
		var payload map[string]any
		_ = json.Unmarshal([]byte(e.Payload), &payload)
		res = append(res, EventResponse{
			ID:      e.ID,
			TS:      e.TS,
			Type:    e.Type,
			Day:     e.Day,
			BlockID: e.BlockID,
			Payload: payload,
		})
	}
	return res
}
