package tcplb

import (
	"time"

	"github.com/google/uuid"
)

type SessionState int8

const (
	Connecting SessionState = iota
	Established
	Closing
	Closed
)

var stateNames = [...]string{"connecting", "established", "closing", "closed"}

func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Role tells which side of a session a socket is.
type Role int8

const (
	ClientRole Role = iota
	BackendRole
)

func (r Role) String() string {
	if r == ClientRole {
		return "client"
	}
	return "backend"
}

type eventKind int8

const (
	readable eventKind = iota
	writable
	failed
	eventKinds
)

type sessionHandler func(s *ProxySession, ep *endpoint)

// sessionHandlers is the transition table of a session, keyed by state and
// readiness kind. A nil handler ignores the event.
var sessionHandlers = [...][eventKinds]sessionHandler{
	Connecting: {
		readable: (*ProxySession).onConnectingReadable,
		writable: (*ProxySession).onConnectingWritable,
		failed:   (*ProxySession).onConnectingFailed,
	},
	Established: {
		readable: (*ProxySession).onReadable,
		writable: (*ProxySession).onWritable,
		failed:   (*ProxySession).onFailed,
	},
	Closing: {
		readable: (*ProxySession).onReadable,
		writable: (*ProxySession).onWritable,
		failed:   (*ProxySession).onFailed,
	},
	Closed: {},
}

type endpoint struct {
	fd   int
	role Role
	// readDone is set once the socket reported end of stream.
	readDone bool
	// broken is set after a socket error; nothing is read or written anymore.
	broken bool
	// writeShut is set once the end of the peer's stream was forwarded.
	writeShut  bool
	interest   uint32
	registered bool
}

// direction is one half of the relay: bytes read from src are queued in buf
// until dst accepts them.
type direction struct {
	name  string
	src   *endpoint
	dst   *endpoint
	buf   *Buffer
	done  bool
	bytes uint64
}

type proxySessionStats struct {
	LastActivityTime   int64
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}

// ProxySession relays one client connection to one backend target.
type ProxySession struct {
	id         string
	frontend   string
	state      SessionState
	client     endpoint
	backend    endpoint
	upstream   direction
	downstream direction
	target     *Target
	deadline   time.Time
	createdAt  time.Time
	lastActive time.Time
	err        error
	// connectFailed marks sessions that never got past Connecting.
	connectFailed bool
	counters      *FrontendCounters
	entries       int
	dirty         bool
}

// NewProxySession builds a session in Connecting over an accepted client
// socket and a backend socket whose connect is in progress.
func NewProxySession(frontend string, clientFd, backendFd int, target *Target, upstream, downstream *Buffer, deadline time.Time) *ProxySession {
	now := time.Now()
	s := &ProxySession{
		id:         uuid.NewString(),
		frontend:   frontend,
		state:      Connecting,
		client:     endpoint{fd: clientFd, role: ClientRole},
		backend:    endpoint{fd: backendFd, role: BackendRole},
		target:     target,
		deadline:   deadline,
		createdAt:  now,
		lastActive: now,
	}
	s.upstream = direction{name: "upstream", src: &s.client, dst: &s.backend, buf: upstream}
	s.downstream = direction{name: "downstream", src: &s.backend, dst: &s.client, buf: downstream}
	return s
}

// Handle runs the transitions for the readiness events reported on the
// socket playing role. Errors short-circuit reads and writes.
func (s *ProxySession) Handle(role Role, events uint32) {
	ep := s.endpoint(role)
	if events&errorEvents != 0 {
		s.dispatch(failed, ep)
	} else {
		if events&(readEvents|hangupEvents) != 0 {
			s.dispatch(readable, ep)
		}
		if events&writeEvents != 0 {
			s.dispatch(writable, ep)
		}
	}
	s.advance()
}

func (s *ProxySession) dispatch(kind eventKind, ep *endpoint) {
	handler := sessionHandlers[s.state][kind]
	if handler != nil {
		handler(s, ep)
	}
}

func (s *ProxySession) endpoint(role Role) *endpoint {
	if role == ClientRole {
		return &s.client
	}
	return &s.backend
}

// outbound is the direction ep feeds, inbound the one it drains.
func (s *ProxySession) outbound(ep *endpoint) *direction {
	if ep.role == ClientRole {
		return &s.upstream
	}
	return &s.downstream
}

func (s *ProxySession) inbound(ep *endpoint) *direction {
	if ep.role == ClientRole {
		return &s.downstream
	}
	return &s.upstream
}

func (s *ProxySession) ID() string { return s.id }

func (s *ProxySession) Frontend() string { return s.frontend }

func (s *ProxySession) State() SessionState { return s.state }

func (s *ProxySession) Target() *Target { return s.target }

// Err is the error that started the teardown, nil for an orderly close.
func (s *ProxySession) Err() error { return s.err }

// Buffered is the number of bytes currently queued in both directions.
func (s *ProxySession) Buffered() int {
	return s.upstream.buf.Len() + s.downstream.buf.Len()
}

func (s *ProxySession) GetStats() proxySessionStats {
	return proxySessionStats{
		LastActivityTime:   s.lastActive.UnixMilli(),
		TotalSentBytes:     s.downstream.bytes,
		TotalReceivedBytes: s.upstream.bytes,
	}
}
