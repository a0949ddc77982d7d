package devserver

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/datamind/internal/chat"
	"github.com/zulandar/datamind/internal/models"
)

// Messages with this prefix make the answer engine fail, so clients can
// exercise their error paths.
const failPrefix = "error:"

type conversation struct {
	summary  chat.Summary
	messages []chat.HistoryMessage
}

// answerChunk is one streamed fragment.
type answerChunk struct {
	phase string
	text  string
}

// answer is the canned engine. It is deterministic in the question, so the
// live channel and the request/response endpoint give the same content.
func answer(question string) ([]answerChunk, chat.Response, error) {
	if strings.HasPrefix(strings.ToLower(question), failPrefix) {
		reason := strings.TrimSpace(question[len(failPrefix):])
		if reason == "" {
			reason = "the query could not be generated"
		}
		return nil, chat.Response{}, fmt.Errorf("%s", reason)
	}

	query := "SELECT region, SUM(amount) AS revenue FROM sales GROUP BY region ORDER BY revenue DESC"
	content := fmt.Sprintf("Revenue by region for %q: EMEA leads with 1.2M, followed by NA and APAC.", question)
	preview := &models.QueryResult{
		Columns:  []string{"region", "revenue"},
		Rows:     [][]any{{"EMEA", 1200000}, {"NA", 950000}, {"APAC", 610000}},
		RowCount: 3,
	}

	chunks := []answerChunk{{phase: chat.PhaseInterpreting}}
	for _, part := range strings.SplitAfter(query, " ") {
		chunks = append(chunks, answerChunk{phase: chat.PhaseGeneratingQuery, text: part})
	}
	for _, part := range strings.SplitAfter(content, " ") {
		chunks = append(chunks, answerChunk{phase: chat.PhaseAnalyzing, text: part})
	}

	resp := chat.Response{
		Content:            content,
		GeneratedQuery:     query,
		ResultPreview:      preview,
		FullResultRowCount: 3,
		ChartConfig: &models.ChartConfig{
			ChartType: "bar",
			Title:     "Revenue by region",
			XColumn:   "region",
			YColumn:   "revenue",
		},
		ExecutionTimeMS: 42,
	}
	return chunks, resp, nil
}

// record stores the exchange and returns the conversation id, creating the
// conversation when id is empty or unknown.
func (s *Server) record(id string, req chat.Request, resp *chat.Response) string {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		id = uuid.NewString()
		title := req.Message
		if len(title) > 60 {
			title = title[:60]
		}
		conv = &conversation{summary: chat.Summary{
			ID:           id,
			Title:        title,
			DataSourceID: req.DataSourceID,
			CreatedAt:    now,
		}}
		s.conversations[id] = conv
		s.convOrder = append(s.convOrder, id)
	}
	conv.summary.UpdatedAt = &now
	conv.messages = append(conv.messages, chat.HistoryMessage{
		ID:        uuid.NewString(),
		Role:      string(chat.RoleUser),
		Content:   req.Message,
		CreatedAt: now,
	})
	if resp != nil {
		resp.MessageID = uuid.NewString()
		resp.ConversationID = id
		conv.messages = append(conv.messages, chat.HistoryMessage{
			ID:                 resp.MessageID,
			Role:               string(chat.RoleAssistant),
			Content:            resp.Content,
			GeneratedQuery:     resp.GeneratedQuery,
			ResultPreview:      resp.ResultPreview,
			FullResultRowCount: resp.FullResultRowCount,
			ChartConfig:        resp.ChartConfig,
			ExecutionTimeMS:    resp.ExecutionTimeMS,
			ErrorMessage:       resp.ErrorMessage,
			CreatedAt:          now,
		})
	}
	return id
}

func validateRequest(req chat.Request) string {
	if strings.TrimSpace(req.Message) == "" {
		return "message is required"
	}
	if req.DataSourceID == "" {
		return "data_source_id is required"
	}
	return ""
}

func (s *Server) handleChatMessage(c *gin.Context) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	if msg := validateRequest(req); msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": msg})
		return
	}
	s.inc("chat_http")

	_, resp, err := answer(req.Message)
	if err != nil {
		s.record(req.ConversationID, req, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error(), "error_code": "QUERY_FAILED"})
		return
	}
	s.record(req.ConversationID, req, &resp)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConnections(c *gin.Context) {
	s.inc("connections")
	s.mu.Lock()
	out := append([]chat.DataSource(nil), s.sources...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleChatSessions(c *gin.Context) {
	s.mu.Lock()
	out := make([]chat.Summary, 0, len(s.convOrder))
	for i := len(s.convOrder) - 1; i >= 0; i-- {
		out = append(out, s.conversations[s.convOrder[i]].summary)
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) handleChatHistory(c *gin.Context) {
	s.mu.Lock()
	conv, ok := s.conversations[c.Param("id")]
	var out []chat.HistoryMessage
	if ok {
		out = append(out, conv.messages...)
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS serves one live channel. Frames are handled one at a time, so a
// reply is fully streamed before the next message is read.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("devserver: upgrade: %v", err)
		return
	}
	defer conn.Close()

	for {
		var in chat.Request
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case "ping":
			if err := conn.WriteJSON(gin.H{"type": "pong"}); err != nil {
				return
			}
		case chat.FrameChatMessage:
			if err := s.streamReply(conn, in); err != nil {
				log.Printf("devserver: stream reply: %v", err)
				return
			}
		default:
			conn.WriteJSON(chat.ErrorFrame{Type: chat.FrameError, Content: "unknown frame type " + in.Type})
		}
	}
}

func (s *Server) streamReply(conn *websocket.Conn, req chat.Request) error {
	if msg := validateRequest(req); msg != "" {
		return conn.WriteJSON(chat.ErrorFrame{Type: chat.FrameError, Content: msg})
	}
	s.inc("chat_ws")

	chunks, resp, err := answer(req.Message)
	if err != nil {
		s.record(req.ConversationID, req, nil)
		return conn.WriteJSON(chat.ErrorFrame{Type: chat.FrameError, Content: err.Error()})
	}
	id := s.record(req.ConversationID, req, &resp)

	if err := conn.WriteJSON(chat.StreamStart{Type: chat.FrameStreamStart, ConversationID: id}); err != nil {
		return err
	}
	for _, ch := range chunks {
		if s.opts.StreamDelay > 0 {
			time.Sleep(s.opts.StreamDelay)
		}
		if err := conn.WriteJSON(chat.StreamChunk{Type: chat.FrameStream, Chunk: ch.text, Phase: ch.phase}); err != nil {
			return err
		}
	}
	resp.Type = chat.FrameChatResponse
	return conn.WriteJSON(resp)
}
