package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/datamind/internal/models"
)

// Live channel frame discriminators.
const (
	FrameChatMessage  = "chat_message"
	FrameStreamStart  = "stream_start"
	FrameStream       = "stream"
	FrameChatResponse = "chat_response"
	FrameError        = "error"
)

// DefaultErrorText is shown when an error frame carries no content.
const DefaultErrorText = "An error occurred."

// Request is one submission. On the live channel Type is FrameChatMessage;
// the request/response endpoint takes the same body without it.
type Request struct {
	Type           string `json:"type,omitempty"`
	Message        string `json:"message"`
	DataSourceID   string `json:"data_source_id"`
	ConversationID string `json:"conversation_id"`
}

// Response is the terminal reply. The chat_response frame and the
// request/response endpoint share this shape.
type Response struct {
	Type               string              `json:"type,omitempty"`
	MessageID          string              `json:"message_id,omitempty"`
	Content            string              `json:"content"`
	GeneratedQuery     string              `json:"generated_query,omitempty"`
	ResultPreview      *models.QueryResult `json:"result_preview,omitempty"`
	FullResultRowCount int                 `json:"full_result_row_count,omitempty"`
	ChartConfig        *models.ChartConfig `json:"chart_config,omitempty"`
	ExecutionTimeMS    int                 `json:"execution_time_ms,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	ConversationID     string              `json:"conversation_id,omitempty"`
}

// StreamStart opens a reply.
type StreamStart struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// StreamChunk carries one fragment of a reply in progress.
type StreamChunk struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
	Phase string `json:"phase"`
}

// ErrorFrame is a server-reported failure of the current submission.
type ErrorFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// turn converts the reply into a finalized assistant Turn.
func (r *Response) turn(now time.Time) Turn {
	id := r.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	return Turn{
		ID:                 id,
		Role:               RoleAssistant,
		Content:            r.Content,
		GeneratedQuery:     r.GeneratedQuery,
		ResultPreview:      r.ResultPreview,
		FullResultRowCount: r.FullResultRowCount,
		Chart:              r.ChartConfig,
		ExecutionTimeMS:    r.ExecutionTimeMS,
		Error:              r.ErrorMessage,
		CreatedAt:          now,
	}
}

// errorTurn builds the assistant Turn for a failed submission.
func errorTurn(content, errText string, now time.Time) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		Error:     errText,
		CreatedAt: now,
	}
}
