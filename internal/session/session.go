package session

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/datamind/internal/models"
)

// Session tracks whether a user is signed in on this machine and runs the
// teardown side effect when the session ends.
type Session struct {
	store *Store

	mu            sync.Mutex
	authenticated bool
	listeners     []func()
}

// New creates a Session over store. A stored profile means a previous run
// signed in; whether its cookies are still good is the transport's business.
func New(store *Store) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	s := &Session{store: store}
	if _, err := store.Profile(); err == nil {
		s.authenticated = true
	} else if !errors.Is(err, ErrNoProfile) {
		return nil, err
	}
	return s, nil
}

// Store returns the backing store.
func (s *Session) Store() *Store {
	return s.store
}

// Begin records a successful sign-in.
func (s *Session) Begin(p *models.Profile) error {
	if err := s.store.SaveProfile(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	return nil
}

// Authenticated reports whether a user is signed in.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// OnTeardown registers fn to run when the session ends. Listeners move the
// application to its unauthenticated state.
func (s *Session) OnTeardown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Teardown clears the stored session data and notifies listeners. Only the
// first call after a sign-in has any effect.
func (s *Session) Teardown() {
	s.mu.Lock()
	if !s.authenticated {
		s.mu.Unlock()
		return
	}
	s.authenticated = false
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if err := s.store.Clear(); err != nil {
		log.Printf("session: teardown: %v", err)
	}
	for _, fn := range listeners {
		fn()
	}
}
