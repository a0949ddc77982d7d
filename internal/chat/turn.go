package chat

import (
	"time"

	"github.com/zulandar/datamind/internal/models"
)

// Role identifies who authored a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Streaming phases reported by the server while it works on an answer.
const (
	PhaseInterpreting    = "interpreting"
	PhaseGeneratingQuery = "generating_query"
	PhaseAnalyzing       = "analyzing"
)

// Turn is one message of a Conversation. Turns are values; once appended to
// a Conversation they are never modified.
type Turn struct {
	ID                 string
	Role               Role
	Content            string
	GeneratedQuery     string
	ResultPreview      *models.QueryResult
	FullResultRowCount int
	Chart              *models.ChartConfig
	ExecutionTimeMS    int
	Error              string
	CreatedAt          time.Time
}

// Failed reports whether the turn carries an error.
func (t Turn) Failed() bool {
	return t.Error != ""
}

// StreamBuffer accumulates the partial answer while a reply is in progress.
type StreamBuffer struct {
	Text  string
	Phase string
}

// Empty reports whether nothing has been streamed.
func (b StreamBuffer) Empty() bool {
	return b.Text == "" && b.Phase == ""
}

// PhaseLabel is a human description of the current phase.
func (b StreamBuffer) PhaseLabel() string {
	switch b.Phase {
	case PhaseGeneratingQuery:
		return "Generating query..."
	case PhaseAnalyzing:
		return "Analyzing results..."
	}
	return "Thinking..."
}
