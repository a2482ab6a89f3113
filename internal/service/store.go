package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Store holds the open sessions.
type Store struct {
	backends Backends
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store whose sessions share b.
func NewStore(b Backends) *Store {
	return &Store{
		backends: b,
		now:      time.Now,
		log:      logging.Component("sessions"),
		sessions: make(map[string]*Session),
	}
}

// SetClock replaces the clock used for creation times.
func (st *Store) SetClock(now func() time.Time) { st.now = now }

// Create opens a new session with nothing selected.
func (st *Store) Create() *Session {
	s := newSession(uuid.NewString(), st.now().UTC(), st.backends)
	st.mu.Lock()
	st.sessions[s.ID] = s
	n := len(st.sessions)
	st.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	st.log.Info().Str("session", s.ID).Msg("session created")
	DefaultBus.Publish(Event{Resource: "sessions", Action: "created", ID: s.ID})
	return s
}

// Get returns the session with id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Delete closes and forgets the session with id.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	n := len(st.sessions)
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.Close()
	metrics.ActiveSessions.Set(float64(n))
	st.log.Info().Str("session", id).Msg("session closed")
	DefaultBus.Publish(Event{Resource: "sessions", Action: "deleted", ID: id})
	return nil
}

// Info summarises a session.
type Info struct {
	ID        string            `json:"id" doc:"Session ID"`
	Created   time.Time         `json:"created"`
	Selection catalog.Selection `json:"selection"`
}

// List returns every session, oldest first.
func (st *Store) List() []Info {
	st.mu.RLock()
	out := make([]Info, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, Info{ID: s.ID, Created: s.Created, Selection: s.Selection()})
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Close closes every session.
func (st *Store) Close() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	metrics.ActiveSessions.Set(0)
}
