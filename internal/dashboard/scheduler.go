package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNotLive is returned for a widget that is not in the live set.
var ErrNotLive = errors.New("dashboard: widget is not live")

// Outcome is what became of one refresh.
type Outcome int

const (
	// RefreshApplied: the new snapshot replaced the old one.
	RefreshApplied Outcome = iota
	// RefreshFailed: the error was recorded and the old snapshot kept.
	RefreshFailed
	// RefreshStale: a newer refresh was requested first; the result was
	// discarded.
	RefreshStale
)

func (o Outcome) String() string {
	switch o {
	case RefreshApplied:
		return "applied"
	case RefreshFailed:
		return "failed"
	case RefreshStale:
		return "stale"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Refresher re-runs a widget's query.
type Refresher interface {
	RefreshWidget(ctx context.Context, dashboardID, widgetID string) (*Widget, error)
}

// liveWidget is the scheduler's per-widget state. It is created when the
// widget enters the live set and dropped when it leaves.
type liveWidget struct {
	interval time.Duration
	timer    TimerID
	armed    bool
	arms     uint64 // arm count; a timer callback only fires for its own arm
	ticket   uint64
}

// Scheduler owns the refresh timers of a mounted dashboard and makes sure a
// slow refresh never overwrites a newer one.
type Scheduler struct {
	dashboardID string
	api         Refresher
	widgets     *WidgetSet
	timers      Timers
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	live    map[string]*liveWidget
	stopped bool
}

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	DashboardID string
	API         Refresher
	Widgets     *WidgetSet
	Timers      Timers
}

// NewScheduler creates a Scheduler with an empty live set. Call Sync to
// bring widgets live.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.DashboardID == "" {
		return nil, fmt.Errorf("dashboard: dashboard id is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("dashboard: refresher is required")
	}
	if opts.Widgets == nil {
		return nil, fmt.Errorf("dashboard: widget set is required")
	}
	if opts.Timers == nil {
		return nil, fmt.Errorf("dashboard: timers are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dashboardID: opts.DashboardID,
		api:         opts.API,
		widgets:     opts.Widgets,
		timers:      opts.Timers,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		live:        make(map[string]*liveWidget),
	}, nil
}

// Sync makes the live set match the widget set: new widgets are tracked,
// departed ones untracked, and changed intervals re-armed.
func (s *Scheduler) Sync() error {
	current := s.widgets.Widgets()
	seen := make(map[string]bool, len(current))
	var errs []error
	for _, w := range current {
		seen[w.ID] = true
		if err := s.track(w.ID, w.RefreshInterval()); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	var gone []string
	for id := range s.live {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	for _, id := range gone {
		s.Untrack(id)
	}
	return errors.Join(errs...)
}

// Track brings a widget live, arming its timer when interval > 0. Tracking
// a live widget only updates its interval.
func (s *Scheduler) Track(id string, interval time.Duration) error {
	return s.track(id, interval)
}

func (s *Scheduler) track(id string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrNotLive
	}
	lw, ok := s.live[id]
	if !ok {
		lw = &liveWidget{}
		s.live[id] = lw
	} else if lw.interval == interval {
		return nil
	}
	return s.armLocked(id, lw, interval)
}

// Untrack takes a widget out of the live set. Its timer is disarmed and any
// refresh still in flight for it is discarded on arrival.
func (s *Scheduler) Untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lw, ok := s.live[id]
	if !ok {
		return
	}
	s.disarmLocked(lw)
	delete(s.live, id)
}

// SetInterval changes a live widget's refresh interval. Zero disarms.
func (s *Scheduler) SetInterval(id string, interval time.Duration) error {
	s.mu.Lock()
	lw, ok := s.live[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return ErrNotLive
	}
	err := s.armLocked(id, lw, interval)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.widgets.setInterval(id, int(interval/time.Second))
	return nil
}

// Armed reports whether the widget has an active timer.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lw, ok := s.live[id]
	return ok && lw.armed
}

// armLocked replaces the widget's timer with one at interval.
func (s *Scheduler) armLocked(id string, lw *liveWidget, interval time.Duration) error {
	s.disarmLocked(lw)
	lw.interval = interval
	if interval <= 0 {
		return nil
	}
	lw.arms++
	gen := lw.arms
	timer, err := s.timers.Every(interval, func() { s.fire(id, lw, gen) })
	if err != nil {
		return fmt.Errorf("dashboard: arm widget %s: %w", id, err)
	}
	lw.timer = timer
	lw.armed = true
	return nil
}

func (s *Scheduler) disarmLocked(lw *liveWidget) {
	if !lw.armed {
		return
	}
	s.timers.Cancel(lw.timer)
	lw.armed = false
}

// fire is the timer callback for the arm numbered gen. The armed check and
// the ticket mint happen together, so a widget disarmed or re-armed before
// this point is never refreshed by the old timer.
func (s *Scheduler) fire(id string, lw *liveWidget, gen uint64) {
	s.mu.Lock()
	if s.stopped || !lw.armed || lw.arms != gen || s.live[id] != lw {
		s.mu.Unlock()
		return
	}
	lw.ticket++
	ticket := lw.ticket
	s.mu.Unlock()

	if _, err := s.run(s.ctx, id, lw, ticket); err != nil {
		log.Printf("dashboard: scheduled refresh of %s: %v", id, err)
	}
}

// Refresh refreshes a live widget now. It supersedes any refresh already in
// flight for the widget. The error is the refresh failure when the outcome
// is RefreshFailed.
func (s *Scheduler) Refresh(ctx context.Context, id string) (Outcome, error) {
	s.mu.Lock()
	lw, ok := s.live[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return RefreshStale, ErrNotLive
	}
	lw.ticket++
	ticket := lw.ticket
	s.mu.Unlock()

	return s.run(ctx, id, lw, ticket)
}

// run issues the call for ticket and applies the outcome only if ticket is
// still the widget's latest.
func (s *Scheduler) run(ctx context.Context, id string, lw *liveWidget, ticket uint64) (Outcome, error) {
	w, err := s.api.RefreshWidget(ctx, s.dashboardID, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.live[id] != lw || lw.ticket != ticket {
		log.Printf("dashboard: discarded stale refresh of %s (ticket %d)", id, ticket)
		return RefreshStale, nil
	}
	if err != nil {
		s.widgets.applyError(id, err.Error())
		return RefreshFailed, err
	}
	if w.LastError != "" {
		s.widgets.applyError(id, w.LastError)
		return RefreshFailed, fmt.Errorf("dashboard: refresh %s: %s", id, w.LastError)
	}
	at := s.now()
	if w.LastRefreshedAt != nil {
		at = *w.LastRefreshedAt
	}
	s.widgets.applyResult(id, w.Result, at)
	return RefreshApplied, nil
}

// Stop disarms every timer and cancels scheduled refreshes in flight.
// Results that still arrive are discarded. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, lw := range s.live {
		s.disarmLocked(lw)
		delete(s.live, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.timers.Stop()
}
