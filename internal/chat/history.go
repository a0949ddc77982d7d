package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/zulandar/datamind/internal/models"
)

// Summary is one past conversation.
type Summary struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	DataSourceID string     `json:"data_source_id,omitempty"`
	IsPinned     bool       `json:"is_pinned"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// HistoryMessage is a stored turn as returned by the history endpoint.
type HistoryMessage struct {
	ID                 string              `json:"id"`
	Role               string              `json:"role"`
	Content            string              `json:"content"`
	GeneratedQuery     string              `json:"generated_query,omitempty"`
	ResultPreview      *models.QueryResult `json:"result_preview,omitempty"`
	FullResultRowCount int                 `json:"full_result_row_count,omitempty"`
	ChartConfig        *models.ChartConfig `json:"chart_config,omitempty"`
	ExecutionTimeMS    int                 `json:"execution_time_ms,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

func (m HistoryMessage) turn() Turn {
	return Turn{
		ID:                 m.ID,
		Role:               Role(m.Role),
		Content:            m.Content,
		GeneratedQuery:     m.GeneratedQuery,
		ResultPreview:      m.ResultPreview,
		FullResultRowCount: m.FullResultRowCount,
		Chart:              m.ChartConfig,
		ExecutionTimeMS:    m.ExecutionTimeMS,
		Error:              m.ErrorMessage,
		CreatedAt:          m.CreatedAt,
	}
}

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

// Conversations lists the signed-in user's conversations, most recent first.
func (p *Protocol) Conversations(ctx context.Context) ([]Summary, error) {
	var env listEnvelope[Summary]
	if err := p.api.Do(ctx, http.MethodGet, "/chat/sessions", nil, &env); err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	return env.Data, nil
}

// Open loads conversation id into the view, replacing the current turns.
// It fails with ErrAwaitingResponse while a submission is in flight.
func (p *Protocol) Open(ctx context.Context, id string) error {
	if p.conv.AwaitingResponse() {
		return ErrAwaitingResponse
	}
	var env listEnvelope[HistoryMessage]
	if err := p.api.Do(ctx, http.MethodGet, "/chat/history/"+url.PathEscape(id), nil, &env); err != nil {
		return fmt.Errorf("chat: load conversation %s: %w", id, err)
	}
	turns := make([]Turn, 0, len(env.Data))
	for _, m := range env.Data {
		turns = append(turns, m.turn())
	}
	return p.conv.replace(id, turns)
}

// NewConversation clears the view so the next submission starts a new
// server conversation.
func (p *Protocol) NewConversation() error {
	return p.conv.Reset()
}
