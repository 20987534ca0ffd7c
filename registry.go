package tcplb

import (
	"fmt"

	"go.uber.org/atomic"
)

type EntryKind int8

const (
	ListenerEntry EntryKind = iota
	SessionEntry
)

// Entry is what a registered fd resolves to: a listener, or one side of a
// proxy session.
type Entry struct {
	Kind     EntryKind
	Role     Role
	Session  *ProxySession
	Listener *Listener
}

// Registry maps the fds registered with one event loop to their owners. It is
// only mutated from the loop goroutine; the counters may be read from anywhere.
type Registry struct {
	entries  map[int]*Entry
	size     *atomic.Int64
	sessions *atomic.Int64
	released *atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[int]*Entry),
		size:     atomic.NewInt64(0),
		sessions: atomic.NewInt64(0),
		released: atomic.NewInt64(0),
	}
}

func (r *Registry) AddListener(l *Listener) error {
	return r.add(l.fd, &Entry{Kind: ListenerEntry, Listener: l})
}

// AddSession registers both sockets of a fresh session.
func (r *Registry) AddSession(s *ProxySession) error {
	err := r.add(s.client.fd, &Entry{Kind: SessionEntry, Role: ClientRole, Session: s})
	if err != nil {
		return err
	}
	err = r.add(s.backend.fd, &Entry{Kind: SessionEntry, Role: BackendRole, Session: s})
	if err != nil {
		delete(r.entries, s.client.fd)
		r.size.Dec()
		return err
	}
	s.entries = 2
	r.sessions.Inc()
	return nil
}

func (r *Registry) Find(fd int) (*Entry, bool) {
	entry, ok := r.entries[fd]
	return entry, ok
}

// Remove drops the entry of fd. When it was the last entry of a session the
// session is returned so the caller can release it; that happens exactly once.
func (r *Registry) Remove(fd int) (*ProxySession, error) {
	entry, ok := r.entries[fd]
	if !ok {
		return nil, fmt.Errorf("[%d] %w", fd, errNotRegistered)
	}
	delete(r.entries, fd)
	r.size.Dec()
	if entry.Kind != SessionEntry {
		return nil, nil
	}
	s := entry.Session
	s.entries--
	if s.entries > 0 {
		return nil, nil
	}
	r.sessions.Dec()
	r.released.Inc()
	return s, nil
}

func (r *Registry) ForEach(fn func(fd int, entry *Entry)) {
	for fd, entry := range r.entries {
		fn(fd, entry)
	}
}

// Len is the number of registered fds.
func (r *Registry) Len() int { return int(r.size.Load()) }

// Sessions is the number of sessions with at least one registered fd.
func (r *Registry) Sessions() int { return int(r.sessions.Load()) }

// Released counts sessions whose last entry was removed.
func (r *Registry) Released() int64 { return r.released.Load() }

func (r *Registry) add(fd int, entry *Entry) error {
	if _, ok := r.entries[fd]; ok {
		return fmt.Errorf("[%d] %w", fd, errDuplicateHandle)
	}
	r.entries[fd] = entry
	r.size.Inc()
	return nil
}
