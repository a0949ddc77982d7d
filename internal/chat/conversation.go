package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Submission rejections. A rejected submission leaves the Conversation
// untouched.
var (
	ErrEmptyMessage     = errors.New("chat: message is empty")
	ErrAwaitingResponse = errors.New("chat: awaiting response")
	ErrNoDataSource     = errors.New("chat: no data source selected")
)

// EventKind classifies a Conversation change.
type EventKind int

const (
	EventUserTurn EventKind = iota
	EventStreamStart
	EventChunk
	EventTurn
	EventReset
)

// Event describes one change, delivered to OnChange listeners after the
// change is applied.
type Event struct {
	Kind  EventKind
	Chunk string
	Phase string
	Turn  *Turn
}

// Conversation is the state of one conversation view. All mutation goes
// through its methods; readers get copies.
type Conversation struct {
	mu         sync.Mutex
	id         string
	dataSource string
	turns      []Turn
	stream     StreamBuffer
	awaiting   bool
	idle       chan struct{} // closed while not awaiting
	listeners  []func(Event)
}

// NewConversation returns an empty, idle Conversation.
func NewConversation() *Conversation {
	idle := make(chan struct{})
	close(idle)
	return &Conversation{idle: idle}
}

// ID returns the server-side conversation id, empty until the server
// assigns one.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// DataSource returns the selected data source id.
func (c *Conversation) DataSource() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataSource
}

// SetDataSource selects the data source for subsequent submissions. A
// submission already in flight keeps the one it was sent with.
func (c *Conversation) SetDataSource(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataSource = id
}

// Turns returns a copy of the turns in order.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Stream returns the in-progress reply.
func (c *Conversation) Stream() StreamBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// AwaitingResponse reports whether a submission is in flight.
func (c *Conversation) AwaitingResponse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

// WaitIdle blocks until no submission is in flight or ctx is done.
func (c *Conversation) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnChange registers a listener. Listeners run on the goroutine that made
// the change and must not block.
func (c *Conversation) OnChange(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Reset starts a new, empty conversation with the same data source.
func (c *Conversation) Reset() error {
	return c.replace("", nil)
}

// begin accepts a user message: it appends the user Turn, enters
// AwaitingResponse and clears the stream buffer.
func (c *Conversation) begin(text string, now time.Time) (Request, error) {
	c.mu.Lock()
	if c.awaiting {
		c.mu.Unlock()
		return Request{}, ErrAwaitingResponse
	}
	if c.dataSource == "" {
		c.mu.Unlock()
		return Request{}, ErrNoDataSource
	}
	turn := Turn{ID: uuid.NewString(), Role: RoleUser, Content: text, CreatedAt: now}
	c.turns = append(c.turns, turn)
	c.awaiting = true
	c.idle = make(chan struct{})
	c.stream = StreamBuffer{}
	req := Request{Message: text, DataSourceID: c.dataSource, ConversationID: c.id}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	emit(listeners, Event{Kind: EventUserTurn, Turn: &turn})
	return req, nil
}

// startStream clears the buffer at the beginning of a reply.
func (c *Conversation) startStream(conversationID string) bool {
	c.mu.Lock()
	if !c.awaiting {
		c.mu.Unlock()
		return false
	}
	c.stream = StreamBuffer{}
	c.adoptLocked(conversationID)
	listeners := c.listenersLocked()
	c.mu.Unlock()

	emit(listeners, Event{Kind: EventStreamStart})
	return true
}

// appendChunk adds a fragment in arrival order and moves the phase.
func (c *Conversation) appendChunk(chunk, phase string) bool {
	c.mu.Lock()
	if !c.awaiting {
		c.mu.Unlock()
		return false
	}
	c.stream.Text += chunk
	c.stream.Phase = phase
	listeners := c.listenersLocked()
	c.mu.Unlock()

	emit(listeners, Event{Kind: EventChunk, Chunk: chunk, Phase: phase})
	return true
}

// finalize discards the stream buffer, appends the assistant Turn and
// returns to Idle. The terminal reply is authoritative; streamed text is not
// merged into it.
func (c *Conversation) finalize(turn Turn, conversationID string) bool {
	c.mu.Lock()
	if !c.awaiting {
		c.mu.Unlock()
		return false
	}
	c.stream = StreamBuffer{}
	c.turns = append(c.turns, turn)
	c.adoptLocked(conversationID)
	c.awaiting = false
	close(c.idle)
	listeners := c.listenersLocked()
	c.mu.Unlock()

	emit(listeners, Event{Kind: EventTurn, Turn: &turn})
	return true
}

// replace swaps in another conversation's history. Not allowed while a
// submission is in flight.
func (c *Conversation) replace(id string, turns []Turn) error {
	c.mu.Lock()
	if c.awaiting {
		c.mu.Unlock()
		return ErrAwaitingResponse
	}
	c.id = id
	c.turns = append([]Turn(nil), turns...)
	c.stream = StreamBuffer{}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	emit(listeners, Event{Kind: EventReset})
	return nil
}

// adoptLocked takes the server-assigned id when the conversation has none.
func (c *Conversation) adoptLocked(id string) {
	if c.id == "" && id != "" {
		c.id = id
	}
}

func (c *Conversation) listenersLocked() []func(Event) {
	if len(c.listeners) == 0 {
		return nil
	}
	out := make([]func(Event), len(c.listeners))
	copy(out, c.listeners)
	return out
}

func emit(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}
