// Package notify keeps the local set of unread alert notifications in step
// with the server by polling, and acknowledges them optimistically.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// DefaultInterval is the poll period.
	DefaultInterval = 30 * time.Second

	// backgroundTimeout bounds acknowledgments and forwarding.
	backgroundTimeout = 15 * time.Second
)

// Event is one triggered alert notification.
type Event struct {
	ID             string    `json:"id"`
	AlertID        string    `json:"alert_id"`
	AlertName      string    `json:"alert_name"`
	TriggeredValue *float64  `json:"triggered_value,omitempty"`
	Message        string    `json:"message"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Caller issues authenticated request/response calls.
type Caller interface {
	Do(ctx context.Context, method, endpoint string, in, out any) error
}

// Poller holds the unread set. Each successful poll replaces it wholesale.
//
// Acknowledgments remove items locally before the server call and are never
// rolled back; the next poll corrects any disagreement.
type Poller struct {
	api        Caller
	interval   time.Duration
	hook       HookConfig
	forwarders []Forwarder

	mu        sync.Mutex
	unread    []Event
	seen      map[string]bool
	baselined bool
	listeners []func([]Event)

	background sync.WaitGroup
}

// Opts holds parameters for creating a Poller.
type Opts struct {
	API        Caller
	Interval   time.Duration // defaults to DefaultInterval
	Hook       HookConfig
	Forwarders []Forwarder // receive each newly seen event
}

// New creates a Poller with an empty unread set.
func New(opts Opts) (*Poller, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("notify: api caller is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		api:        opts.API,
		interval:   interval,
		hook:       opts.Hook,
		forwarders: opts.Forwarders,
		seen:       make(map[string]bool),
	}, nil
}

// Run polls at once and then every interval until ctx is done. Failed polls
// are logged and leave the unread set as it was.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		log.Printf("notify: poll: %v", err)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				log.Printf("notify: poll: %v", err)
			}
		}
	}
}

// Poll fetches the unread notifications and replaces the local set. The hook
// and forwarders run for events not seen by an earlier poll; the first poll
// only records what is already there.
func (p *Poller) Poll(ctx context.Context) error {
	var env struct {
		Data []Event `json:"data"`
	}
	if err := p.api.Do(ctx, http.MethodGet, "/alerts/events/unread", nil, &env); err != nil {
		return fmt.Errorf("notify: poll: %w", err)
	}

	p.mu.Lock()
	p.unread = append([]Event(nil), env.Data...)
	var fresh []Event
	for _, ev := range env.Data {
		if !p.seen[ev.ID] {
			p.seen[ev.ID] = true
			if p.baselined {
				fresh = append(fresh, ev)
			}
		}
	}
	p.baselined = true
	snapshot, listeners := p.snapshotLocked()
	p.mu.Unlock()

	emit(listeners, snapshot)
	for _, ev := range fresh {
		Announce(ev, p.hook)
		for _, f := range p.forwarders {
			p.goBackground("forward "+ev.ID, func(ctx context.Context) error {
				return f.Forward(ctx, ev)
			})
		}
	}
	return nil
}

// Unread returns a copy of the unread set.
func (p *Poller) Unread() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.unread...)
}

// Count returns the number of unread notifications.
func (p *Poller) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.unread)
}

// OnChange registers a listener called with the unread set after it changes.
func (p *Poller) OnChange(fn func([]Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Acknowledge marks one notification read. It is removed from the unread set
// immediately; the server call runs in the background and a failure is only
// logged.
func (p *Poller) Acknowledge(id string) {
	p.mu.Lock()
	kept := p.unread[:0:0]
	for _, ev := range p.unread {
		if ev.ID != id {
			kept = append(kept, ev)
		}
	}
	p.unread = kept
	p.seen[id] = true
	snapshot, listeners := p.snapshotLocked()
	p.mu.Unlock()

	emit(listeners, snapshot)
	p.fire("/alerts/events/"+url.PathEscape(id)+"/read", "acknowledge "+id)
}

// AcknowledgeAll marks every notification read, with the same optimistic
// semantics as Acknowledge.
func (p *Poller) AcknowledgeAll() {
	p.mu.Lock()
	p.unread = nil
	snapshot, listeners := p.snapshotLocked()
	p.mu.Unlock()

	emit(listeners, snapshot)
	p.fire("/alerts/events/read-all", "acknowledge all")
}

// Wait blocks until background acknowledgments and forwards have finished.
func (p *Poller) Wait() {
	p.background.Wait()
}

func (p *Poller) fire(endpoint, what string) {
	p.goBackground(what, func(ctx context.Context) error {
		return p.api.Do(ctx, http.MethodPost, endpoint, nil, nil)
	})
}

// goBackground runs fn with its own timeout. Failures are only logged.
func (p *Poller) goBackground(what string, fn func(context.Context) error) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("notify: %s: %v", what, err)
		}
	}()
}

func (p *Poller) snapshotLocked() ([]Event, []func([]Event)) {
	if len(p.listeners) == 0 {
		return nil, nil
	}
	listeners := make([]func([]Event), len(p.listeners))
	copy(listeners, p.listeners)
	return append([]Event(nil), p.unread...), listeners
}

func emit(listeners []func([]Event), events []Event) {
	for _, fn := range listeners {
		fn(events)
	}
}
