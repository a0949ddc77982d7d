package dashboard

import (
	"sync"
	"time"

	"github.com/zulandar/datamind/internal/models"
)

// WidgetSet is the shared widget collection of a mounted dashboard. It is
// the single writer for widget state; readers get copies.
type WidgetSet struct {
	mu        sync.Mutex
	order     []string
	byID      map[string]*Widget
	listeners []func(Widget)
}

// NewWidgetSet creates a set holding widgets in order.
func NewWidgetSet(widgets []Widget) *WidgetSet {
	s := &WidgetSet{}
	s.Replace(widgets)
	return s
}

// Replace swaps in a fresh copy of the widgets.
func (s *WidgetSet) Replace(widgets []Widget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = make([]string, 0, len(widgets))
	s.byID = make(map[string]*Widget, len(widgets))
	for _, w := range widgets {
		w := w
		s.order = append(s.order, w.ID)
		s.byID[w.ID] = &w
	}
}

// Widgets returns copies of all widgets in order.
func (s *WidgetSet) Widgets() []Widget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Widget, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

// Widget returns a copy of one widget.
func (s *WidgetSet) Widget(id string) (Widget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		return Widget{}, false
	}
	return *w, true
}

// OnChange registers a listener called with the updated widget after every
// change. Listeners must not call back into the scheduler.
func (s *WidgetSet) OnChange(fn func(Widget)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// applyResult records a successful refresh: new snapshot, error cleared.
func (s *WidgetSet) applyResult(id string, result *models.QueryResult, at time.Time) bool {
	return s.update(id, func(w *Widget) {
		w.Result = result
		w.LastError = ""
		w.LastRefreshedAt = &at
	})
}

// applyError records a failed refresh. The previous snapshot stays.
func (s *WidgetSet) applyError(id, msg string) bool {
	return s.update(id, func(w *Widget) {
		w.LastError = msg
	})
}

// setPosition records a geometry the server has accepted.
func (s *WidgetSet) setPosition(id string, pos Position) bool {
	return s.update(id, func(w *Widget) {
		w.Position = pos
	})
}

// setInterval records a new refresh interval.
func (s *WidgetSet) setInterval(id string, seconds int) bool {
	return s.update(id, func(w *Widget) {
		w.RefreshIntervalSeconds = seconds
	})
}

func (s *WidgetSet) update(id string, fn func(*Widget)) bool {
	s.mu.Lock()
	w, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(w)
	snapshot := *w
	listeners := make([]func(Widget), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
	return true
}
