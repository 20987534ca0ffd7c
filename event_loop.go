package tcplb

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const defAcceptBackoff = 100 * time.Millisecond

type EventLoopConfig struct {
	Name            string
	LockOsThread    bool
	EventBufferSize int
	BufferSize      int
	ConnectTimeout  time.Duration
	AcceptBackoff   time.Duration
	MaxSessions     int
}

// EventLoop owns one poller and everything registered with it: listeners,
// sessions and their buffers. Only the loop goroutine touches them; other
// goroutines talk to the loop through Submit and Do.
type EventLoop struct {
	Name       string
	config     EventLoopConfig
	isRunning  *atomic.Bool
	stopping   *atomic.Bool
	poller     *Poller
	registry   *Registry
	pool       *BackendPool
	metrics    *Metrics
	listeners  map[string]*Listener
	connecting map[*ProxySession]struct{}
	dirty      []*ProxySession
	buffers    sync.Pool
	taskLock   sync.Mutex
	tasks      []func()
	// closed is set under taskLock once the poller is gone.
	closed bool
	done   chan struct{}
}

func NewEventLoop(config EventLoopConfig, pool *BackendPool, metrics *Metrics) (*EventLoop, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defBufferSize
	}
	if config.AcceptBackoff <= 0 {
		config.AcceptBackoff = defAcceptBackoff
	}
	poller, err := OpenPoller(config.EventBufferSize)
	if err != nil {
		log.Error().Msgf("can't open poller: %+v", err)
		return nil, err
	}
	el := &EventLoop{
		Name:       config.Name,
		config:     config,
		isRunning:  atomic.NewBool(false),
		stopping:   atomic.NewBool(false),
		poller:     poller,
		registry:   NewRegistry(),
		pool:       pool,
		metrics:    metrics,
		listeners:  make(map[string]*Listener),
		connecting: make(map[*ProxySession]struct{}),
		done:       make(chan struct{}),
	}
	bufferSize := config.BufferSize
	el.buffers.New = func() interface{} {
		return NewBuffer(bufferSize)
	}
	return el, nil
}

// Run drives the loop until Stop is called. Sessions and listeners still
// registered at that point are closed before Run returns.
func (el *EventLoop) Run() error {
	if el.config.LockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	el.isRunning.Store(true)
	defer el.release()
	for !el.stopping.Load() {
		err := el.tick(blocked)
		if err != nil {
			log.Error().Msgf("got error while waiting for the net events in loop %s: %+v", el.Name, err)
			return err
		}
	}
	return nil
}

func (el *EventLoop) Stop() {
	if !el.stopping.CAS(false, true) {
		return
	}
	el.taskLock.Lock()
	defer el.taskLock.Unlock()
	if el.closed {
		return
	}
	err := el.poller.Wake()
	if err != nil {
		log.Error().Msgf("can't wake event loop %s: %+v", el.Name, err)
	}
}

// Done is closed once Run has released everything.
func (el *EventLoop) Done() <-chan struct{} {
	return el.done
}

func (el *EventLoop) IsRunning() bool {
	return el.isRunning.Load()
}

func (el *EventLoop) Registry() *Registry {
	return el.registry
}

// Submit queues task to run on the loop goroutine after the current tick.
func (el *EventLoop) Submit(task func()) error {
	el.taskLock.Lock()
	defer el.taskLock.Unlock()
	if el.stopping.Load() || el.closed {
		return errLoopStopped
	}
	el.tasks = append(el.tasks, task)
	return el.poller.Wake()
}

// Do runs task on the loop goroutine and waits for it.
func (el *EventLoop) Do(task func()) error {
	finished := make(chan struct{})
	err := el.Submit(func() {
		task()
		close(finished)
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-el.done:
		return errLoopStopped
	}
}

func (el *EventLoop) AddListener(l *Listener) error {
	var err error
	doErr := el.Do(func() {
		err = el.addListener(l)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (el *EventLoop) RemoveListener(name string) error {
	return el.Do(func() {
		el.removeListener(name)
	})
}

// CloseListeners stops accepting on every frontend of the loop.
func (el *EventLoop) CloseListeners() error {
	return el.Do(func() {
		for name := range el.listeners {
			el.removeListener(name)
		}
	})
}

// Listeners returns a snapshot of the frontends served by the loop.
func (el *EventLoop) Listeners() ([]*Listener, error) {
	var listeners []*Listener
	err := el.Do(func() {
		for _, l := range el.listeners {
			listeners = append(listeners, l)
		}
	})
	return listeners, err
}

// tick is one turn of the loop: wait, dispatch every ready fd, update the
// registrations of the sessions that moved, then timers and queued tasks.
func (el *EventLoop) tick(maxWait int) error {
	timeout := el.nextTimeout(maxWait, time.Now())
	evCount, err := el.poller.Wait(timeout, el.dispatch)
	if err != nil {
		return err
	}
	el.syncSessions()
	el.runTimers(time.Now())
	el.syncSessions()
	el.runTasks()
	if evCount > 0 && log.Debug().Enabled() {
		log.Debug().Msgf("processed %d netpoll events in loop %s", evCount, el.Name)
	}
	return nil
}

func (el *EventLoop) dispatch(fd int, events uint32) {
	entry, ok := el.registry.Find(fd)
	if !ok {
		log.Warn().Msgf("[%d] event %#x for unregistered fd", fd, events)
		err := el.poller.Delete(fd)
		if err != nil {
			log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", fd, err)
		}
		return
	}
	switch entry.Kind {
	case ListenerEntry:
		el.acceptReady(entry.Listener)
	case SessionEntry:
		s := entry.Session
		if s.state == Closed {
			return
		}
		s.Handle(entry.Role, events)
		el.markDirty(s)
	}
}

func (el *EventLoop) markDirty(s *ProxySession) {
	if !s.dirty {
		s.dirty = true
		el.dirty = append(el.dirty, s)
	}
}

func (el *EventLoop) syncSessions() {
	for i, s := range el.dirty {
		s.dirty = false
		el.syncSession(s)
		el.dirty[i] = nil
	}
	el.dirty = el.dirty[:0]
}

// syncSession brings the poller in line with what the session wants: changed
// interest is modified, sockets the session is done with are deregistered and
// closed. The session is released with its last socket.
func (el *EventLoop) syncSession(s *ProxySession) {
	if s.state != Connecting {
		delete(el.connecting, s)
	}
	for _, ep := range [...]*endpoint{&s.client, &s.backend} {
		if !ep.registered {
			continue
		}
		events, live := s.interest(ep)
		if !live {
			el.detach(ep)
			continue
		}
		if events == ep.interest {
			continue
		}
		err := el.poller.Modify(ep.fd, events)
		if err != nil {
			log.Error().Msgf("[%d] can't update interest of session %s: %+v", ep.fd, s.id, err)
			s.abort(fmt.Errorf("%w: %v", ErrIO, err))
			break
		}
		ep.interest = events
	}
	if s.state == Closed {
		for _, ep := range [...]*endpoint{&s.client, &s.backend} {
			if ep.registered {
				el.detach(ep)
			}
		}
	}
}

func (el *EventLoop) detach(ep *endpoint) {
	err := el.poller.Delete(ep.fd)
	if err != nil {
		log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", ep.fd, err)
	}
	released, err := el.registry.Remove(ep.fd)
	if err != nil {
		log.Error().Msgf("error occurs while removing fd from registry: %v", err)
	}
	ep.registered = false
	ep.interest = 0
	closeFd(ep.fd)
	if released != nil {
		el.releaseSession(released)
	}
}

func (el *EventLoop) releaseSession(s *ProxySession) {
	delete(el.connecting, s)
	received, sent := s.upstream.bytes, s.downstream.bytes
	el.metrics.sessionClosed(s.frontend, received, sent, s.connectFailed)
	if s.counters != nil {
		s.counters.TotalReceivedBytes.Add(received)
		s.counters.TotalSentBytes.Add(sent)
		if s.connectFailed {
			s.counters.ConnectErrors.Inc()
		}
		s.counters.ActiveSessions.Dec()
	}
	switch {
	case s.connectFailed:
		log.Warn().Msgf("session %s from frontend %s closed: %+v", s.id, s.frontend, s.err)
	case s.err != nil && log.Debug().Enabled():
		log.Debug().Msgf("session %s closed with error: %+v", s.id, s.err)
	case log.Debug().Enabled():
		log.Debug().Msgf("session %s closed, received: %d sent: %d", s.id, received, sent)
	}
	el.putBuffer(s.upstream.buf)
	el.putBuffer(s.downstream.buf)
}

// acceptReady takes every pending connection off the listener's backlog.
func (el *EventLoop) acceptReady(l *Listener) {
	if l.paused {
		return
	}
	for {
		fd, sa, err := l.accept()
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if isResourceExhaustion(err) {
				log.Warn().Msgf("[%d] %v: accept on frontend %s: %v", l.fd, ErrResourceExhausted, l.Name, err)
				el.pauseListener(l)
				return
			}
			log.Error().Msgf("[%d] got error while accept connection on frontend %s: %+v", l.fd, l.Name, err)
			return
		}
		if el.config.MaxSessions > 0 && el.registry.Sessions() >= el.config.MaxSessions {
			log.Warn().Msgf("[%d] frontend %s rejected %s: %d sessions reached", fd, l.Name, sockaddrString(sa), el.config.MaxSessions)
			closeFd(fd)
			l.stats.RejectedSessions.Inc()
			el.metrics.sessionRejected(l.Name, "max_sessions")
			continue
		}
		el.openSession(l, fd, sa)
	}
}

func (el *EventLoop) openSession(l *Listener, fd int, sa unix.Sockaddr) {
	target, err := el.pool.NextTarget(l.Group)
	if err != nil {
		log.Error().Msgf("[%d] frontend %s can't pick a target: %+v", fd, l.Name, err)
		closeFd(fd)
		l.stats.RejectedSessions.Inc()
		el.metrics.sessionRejected(l.Name, "config")
		return
	}
	setTcpSocketOptions(fd)
	backendFd, err := dialNonBlocking(el.pool.Resolver().Sockaddr(target))
	if err != nil {
		closeFd(fd)
		if errors.Is(err, ErrResourceExhausted) {
			log.Warn().Msgf("[%d] frontend %s: %+v", l.fd, l.Name, err)
			el.pauseListener(l)
			l.stats.RejectedSessions.Inc()
			el.metrics.sessionRejected(l.Name, "resources")
			return
		}
		log.Warn().Msgf("frontend %s can't connect to %s: %+v", l.Name, target, err)
		l.stats.ConnectErrors.Inc()
		el.metrics.connectFailed(l.Name)
		return
	}
	s := el.newSession(l.Name, fd, backendFd, target)
	s.counters = l.stats
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] accepted %s on frontend %s, session %s -> %s", fd, sockaddrString(sa), l.Name, s.id, target)
	}
	err = el.attach(s)
	if err != nil {
		log.Error().Msgf("[%d] can't register session %s: %+v", fd, s.id, err)
	}
}

func (el *EventLoop) newSession(frontend string, clientFd, backendFd int, target *Target) *ProxySession {
	var deadline time.Time
	if el.config.ConnectTimeout > 0 {
		deadline = time.Now().Add(el.config.ConnectTimeout)
	}
	return NewProxySession(frontend, clientFd, backendFd, target, el.getBuffer(), el.getBuffer(), deadline)
}

// attach registers both sockets of a new session. On failure the session is
// torn down completely before returning.
func (el *EventLoop) attach(s *ProxySession) error {
	err := el.registry.AddSession(s)
	if err != nil {
		closeFd(s.client.fd)
		closeFd(s.backend.fd)
		el.putBuffer(s.upstream.buf)
		el.putBuffer(s.downstream.buf)
		return err
	}
	// counted from here on, releaseSession undoes it
	if s.counters != nil {
		s.counters.TotalSessions.Inc()
		s.counters.ActiveSessions.Inc()
	}
	el.metrics.sessionOpened(s.frontend)
	s.client.registered = true
	s.backend.registered = true
	el.connecting[s] = struct{}{}
	for _, ep := range [...]*endpoint{&s.client, &s.backend} {
		events, _ := s.interest(ep)
		err = el.poller.Add(ep.fd, events)
		if err != nil {
			s.abort(fmt.Errorf("%w: %v", ErrIO, err))
			el.syncSession(s)
			return err
		}
		ep.interest = events
	}
	return nil
}

func (el *EventLoop) addListener(l *Listener) error {
	if _, ok := el.listeners[l.Name]; ok {
		return fmt.Errorf("%w: frontend %s already runs in loop %s", ErrConfig, l.Name, el.Name)
	}
	err := el.registry.AddListener(l)
	if err != nil {
		return err
	}
	err = el.poller.Add(l.fd, readEvents)
	if err != nil {
		_, _ = el.registry.Remove(l.fd)
		return err
	}
	el.listeners[l.Name] = l
	return nil
}

func (el *EventLoop) removeListener(name string) {
	l, ok := el.listeners[name]
	if !ok {
		return
	}
	delete(el.listeners, name)
	err := el.poller.Delete(l.fd)
	if err != nil {
		log.Error().Msgf("[%d] error occurs while detaching listener from netpoll: %v", l.fd, err)
	}
	_, err = el.registry.Remove(l.fd)
	if err != nil {
		log.Error().Msgf("error occurs while removing listener from registry: %v", err)
	}
	l.Close()
}

func (el *EventLoop) pauseListener(l *Listener) {
	l.pause(time.Now().Add(el.config.AcceptBackoff))
	err := el.poller.Modify(l.fd, 0)
	if err != nil {
		log.Error().Msgf("[%d] can't pause frontend %s: %+v", l.fd, l.Name, err)
	}
}

func (el *EventLoop) runTimers(now time.Time) {
	for s := range el.connecting {
		if s.expire(now) {
			el.markDirty(s)
		}
	}
	for _, l := range el.listeners {
		if !l.paused || now.Before(l.resumeAt) {
			continue
		}
		l.paused = false
		err := el.poller.Modify(l.fd, readEvents)
		if err != nil {
			log.Error().Msgf("[%d] can't resume frontend %s: %+v", l.fd, l.Name, err)
		}
	}
}

// nextTimeout is how long the next wait may block: until the nearest connect
// deadline or listener resume, capped by maxWait unless that is blocked.
func (el *EventLoop) nextTimeout(maxWait int, now time.Time) int {
	el.taskLock.Lock()
	pending := len(el.tasks)
	el.taskLock.Unlock()
	if pending > 0 {
		return 0
	}
	var nearest time.Time
	for s := range el.connecting {
		if !s.deadline.IsZero() && (nearest.IsZero() || s.deadline.Before(nearest)) {
			nearest = s.deadline
		}
	}
	for _, l := range el.listeners {
		if l.paused && (nearest.IsZero() || l.resumeAt.Before(nearest)) {
			nearest = l.resumeAt
		}
	}
	timeout := blocked
	if !nearest.IsZero() {
		timeout = 0
		if wait := nearest.Sub(now); wait > 0 {
			timeout = int((wait + time.Millisecond - 1) / time.Millisecond)
		}
	}
	if maxWait >= 0 && (timeout < 0 || maxWait < timeout) {
		timeout = maxWait
	}
	return timeout
}

func (el *EventLoop) runTasks() {
	el.taskLock.Lock()
	tasks := el.tasks
	el.tasks = nil
	el.taskLock.Unlock()
	for _, task := range tasks {
		task()
	}
}

func (el *EventLoop) getBuffer() *Buffer {
	b := el.buffers.Get().(*Buffer)
	b.Reset()
	return b
}

func (el *EventLoop) putBuffer(b *Buffer) {
	if b != nil && b.Cap() == el.config.BufferSize {
		el.buffers.Put(b)
	}
}

// release closes everything still registered once the loop stopped.
func (el *EventLoop) release() {
	for name := range el.listeners {
		el.removeListener(name)
	}
	sessions := make(map[*ProxySession]struct{})
	el.registry.ForEach(func(fd int, entry *Entry) {
		if entry.Kind == SessionEntry {
			sessions[entry.Session] = struct{}{}
		}
	})
	for s := range sessions {
		s.abort(errLoopStopped)
		el.syncSession(s)
	}
	el.taskLock.Lock()
	el.poller.Close()
	el.closed = true
	el.taskLock.Unlock()
	el.isRunning.Store(false)
	close(el.done)
	log.Info().Msgf("event loop %s stopped, closed %d sessions", el.Name, len(sessions))
}
