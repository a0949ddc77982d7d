package devserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/datamind/internal/notify"
)

func newEvent(alertName, message string, value *float64, at time.Time) notify.Event {
	return notify.Event{
		ID:             uuid.NewString(),
		AlertID:        "alert-" + uuid.NewString()[:8],
		AlertName:      alertName,
		TriggeredValue: value,
		Message:        message,
		CreatedAt:      at,
	}
}

// Trigger records a new unread alert event and returns its id.
func (s *Server) Trigger(alertName, message string, value *float64) string {
	ev := newEvent(alertName, message, value, time.Now().UTC())
	s.mu.Lock()
	s.events = append(s.events, &ev)
	s.mu.Unlock()
	return ev.ID
}

func (s *Server) handleUnread(c *gin.Context) {
	s.mu.Lock()
	s.counts["poll"]++
	out := make([]notify.Event, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		if !s.events[i].IsRead {
			out = append(out, *s.events[i])
		}
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// handleRead is idempotent: marking a read event read again succeeds.
func (s *Server) handleRead(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts["ack"]++
	for _, ev := range s.events {
		if ev.ID == id {
			ev.IsRead = true
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "Alert event not found"})
}

func (s *Server) handleReadAll(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts["ack_all"]++
	n := 0
	for _, ev := range s.events {
		if !ev.IsRead {
			ev.IsRead = true
			n++
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "marked": n})
}
