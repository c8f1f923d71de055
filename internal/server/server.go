package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"dayline/internal/clock"
	"dayline/internal/domain"
	"dayline/internal/engine"
	"dayline/internal/repo"
	"dayline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Store    *store.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"block not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dayline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Dayline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBlocks(group, cfg.Engine, cfg.Store)
	registerAttention(group, cfg.Engine, cfg.Store)
	registerHistory(group, cfg.Store)
	registerEvents(group, cfg.Store)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, store.ErrBlockResolved) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var fe *clock.FormatError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"input": fe.Input})
	}
	var we *store.WriteError
	if errors.As(err, &we) {
		return newAPIError(http.StatusInternalServerError, "store_write", "store write failed, retry", map[string]any{"op": we.Op})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBlocks(api huma.API, e *engine.Engine, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-block",
		Method:        http.MethodPost,
		Path:          "/days/{day}/blocks",
		Summary:       "Create time block",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Day  string             `path:"day" example:"2024-05-12"`
		Body CreateBlockRequest `json:"body"`
	}) (*struct {
		Body BlockResponse `json:"body"`
	}, error) {
		if input.Body.Activity == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "activity is required", nil)
		}
		b, err := st.CreateBlock(ctx, input.Day, input.Body.Activity, input.Body.StartTime, input.Body.EndTime)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockResponse `json:"body"`
		}{Body: BlockResponse{TimeBlock: b}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-blocks",
		Method:      http.MethodGet,
		Path:        "/days/{day}/blocks",
		Summary:     "List a day's time blocks",
	}, func(ctx context.Context, input *struct {
		Day string `path:"day"`
	}) (*struct {
		Body blockList `json:"body"`
	}, error) {
		blocks, err := st.BlocksForDay(ctx, input.Day)
		if err != nil {
			return nil, handleError(err)
		}
		if blocks == nil {
			blocks = []domain.TimeBlock{}
		}
		return &struct {
			Body blockList `json:"body"`
		}{Body: blockList{Items: blocks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-block",
		Method:      http.MethodDelete,
		Path:        "/days/{day}/blocks/{id}",
		Summary:     "Remove an unresolved block",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Day string `path:"day"`
		ID  string `path:"id"`
	}) (*struct{}, error) {
		if err := st.RemoveBlock(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-block",
		Method:      http.MethodPost,
		Path:        "/days/{day}/blocks/{id}/finish",
		Summary:     "Finish a block",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Day string `path:"day"`
		ID  string `path:"id"`
	}) (*struct {
		Body FinishResponse `json:"body"`
	}, error) {
		// surface a 404 for an unknown id; the engine itself treats a
		// vanished block as a logged no-op
		if _, err := st.GetBlock(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := e.FinishBlock(ctx, input.ID, e.Now()); err != nil {
			return nil, handleError(err)
		}
		b, err := st.GetBlock(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := FinishResponse{Block: b}
		if recs, err := st.HistoryForDay(ctx, b.Day); err == nil {
			for i := range recs {
				if recs[i].BlockID == b.ID {
					resp.Record = &recs[i]
				}
			}
		}
		return &struct {
			Body FinishResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAttention(api huma.API, e *engine.Engine, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-attention",
		Method:      http.MethodGet,
		Path:        "/days/{day}/attention",
		Summary:     "Current attention snapshot",
	}, func(ctx context.Context, input *struct {
		Day string `path:"day"`
	}) (*struct {
		Body AttentionResponse `json:"body"`
	}, error) {
		now := e.Now()
		blocks, err := st.BlocksForDay(ctx, input.Day)
		if err != nil {
			return nil, handleError(err)
		}
		att := e.GetAttentionState(now, blocks)
		return &struct {
			Body AttentionResponse `json:"body"`
		}{Body: AttentionResponse{Now: now.Format(time.RFC3339), Attention: att}}, nil
	})
}

func registerHistory(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/days/{day}/history",
		Summary:     "List a day's finished activities",
	}, func(ctx context.Context, input *struct {
		Day string `path:"day"`
	}) (*struct {
		Body historyList `json:"body"`
	}, error) {
		recs, err := st.HistoryForDay(ctx, input.Day)
		if err != nil {
			return nil, handleError(err)
		}
		if recs == nil {
			recs = []domain.HistoryRecord{}
		}
		return &struct {
			Body historyList `json:"body"`
		}{Body: historyList{Items: recs}}, nil
	})
}

func registerEvents(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		Limit int   `query:"limit" default:"50"`
		After int64 `query:"after"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var (
			evts []domain.Event
			err  error
		)
		if input.After > 0 {
			evts, err = st.Repo.EventsAfter(ctx, limit, input.After)
		} else {
			evts, err = st.Repo.TailEvents(ctx, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: mapEvents(evts)}}, nil
	})
}
