package tcplb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const drainPollInterval = 20 * time.Millisecond

type Options struct {
	Workers         int
	BufferSize      int
	ConnectTimeout  time.Duration
	AcceptBackoff   time.Duration
	MaxSessions     int
	ResolveTTL      time.Duration
	ShutdownTimeout time.Duration
	LockOsThread    bool
	EventBufferSize int
	Metrics         *Metrics
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defWorkers
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defBufferSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defConnectTimeout
	}
	if o.AcceptBackoff <= 0 {
		o.AcceptBackoff = defAcceptBackoff
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defShutdownTimeout
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defEventsBufferSize
	}
	return o
}

type runningFrontend struct {
	def       FrontendDef
	addr      string
	stats     *FrontendCounters
	listeners int
}

// Manager runs the worker loops and keeps the frontends and backend groups
// they serve. Every frontend is bound once per loop.
type Manager struct {
	options   Options
	pool      *BackendPool
	loops     []*EventLoop
	group     *errgroup.Group
	ctx       context.Context
	lock      sync.Mutex
	frontends map[string]*runningFrontend
}

// NewManager starts the worker loops; they idle until Start adds frontends.
func NewManager(options Options) (*Manager, error) {
	options = options.withDefaults()
	resolver, err := NewResolver(options.ResolveTTL)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		options:   options,
		pool:      NewBackendPool(resolver),
		frontends: make(map[string]*runningFrontend),
	}
	for i := 0; i < options.Workers; i++ {
		loop, err := NewEventLoop(EventLoopConfig{
			Name:            fmt.Sprintf("loop-%d", i),
			LockOsThread:    options.LockOsThread,
			EventBufferSize: options.EventBufferSize,
			BufferSize:      options.BufferSize,
			ConnectTimeout:  options.ConnectTimeout,
			AcceptBackoff:   options.AcceptBackoff,
			MaxSessions:     options.MaxSessions,
		}, m.pool, options.Metrics)
		if err != nil {
			for _, started := range m.loops {
				started.poller.Close()
			}
			resolver.Close()
			return nil, err
		}
		m.loops = append(m.loops, loop)
	}
	m.group, m.ctx = errgroup.WithContext(context.Background())
	for _, loop := range m.loops {
		m.group.Go(loop.Run)
	}
	return m, nil
}

// Start registers the backend groups and binds the frontends. Failing groups
// and frontends are reported together; the call only leaves the manager idle
// when no frontend at all could start.
func (m *Manager) Start(config *ResolvedConfig) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	errs := m.registerGroups(config.Groups)
	for _, def := range config.Frontends {
		err := m.startFrontend(def)
		if err != nil {
			log.Error().Msgf("can't start frontend %s: %+v", def.Name, err)
			errs = append(errs, err)
		}
	}
	m.pruneGroups()
	if len(m.frontends) == 0 {
		errs = append(errs, errNoFrontends)
	}
	return errors.Join(errs...)
}

// Reconfigure applies a new layout: groups are registered or replaced,
// frontends that disappeared or changed are stopped, new ones are started.
// A group that fails to load keeps its previous targets. Groups left without
// a frontend are dropped. Sessions already relaying keep their target.
func (m *Manager) Reconfigure(config *ResolvedConfig) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	errs := m.registerGroups(config.Groups)
	wanted := make(map[string]FrontendDef, len(config.Frontends))
	for _, def := range config.Frontends {
		wanted[def.Name] = def
	}
	for name, running := range m.frontends {
		def, ok := wanted[name]
		if !ok || def != running.def {
			m.stopFrontend(name)
		}
	}
	for _, def := range config.Frontends {
		if _, ok := m.frontends[def.Name]; ok {
			continue
		}
		err := m.startFrontend(def)
		if err != nil {
			log.Error().Msgf("can't start frontend %s: %+v", def.Name, err)
			errs = append(errs, err)
		}
	}
	m.pruneGroups()
	log.Info().Msgf("reconfigured, %d frontends running", len(m.frontends))
	return errors.Join(errs...)
}

func (m *Manager) registerGroups(groups []GroupDef) []error {
	var errs []error
	for _, group := range groups {
		err := m.pool.Replace(group.Name, group.Addresses)
		if err != nil {
			log.Error().Msgf("can't register backend group %s: %+v", group.Name, err)
			errs = append(errs, err)
		}
	}
	return errs
}

// pruneGroups drops the groups no running frontend uses.
func (m *Manager) pruneGroups() {
	used := make(map[string]struct{}, len(m.frontends))
	for _, running := range m.frontends {
		used[running.def.Group] = struct{}{}
	}
	for _, name := range m.pool.Groups() {
		if _, ok := used[name]; ok {
			continue
		}
		if m.pool.Remove(name) {
			log.Info().Msgf("removed unused backend group %s", name)
		}
	}
}

func (m *Manager) startFrontend(def FrontendDef) error {
	if _, ok := m.frontends[def.Name]; ok {
		return fmt.Errorf("%w: frontend %s is defined twice", ErrConfig, def.Name)
	}
	if !m.pool.Has(def.Group) {
		return fmt.Errorf("%w: frontend %s: backend group %q is not defined", ErrConfig, def.Name, def.Group)
	}
	running := &runningFrontend{def: def, stats: newFrontendCounters()}
	bindDef := def
	reusePort := len(m.loops) > 1
	for _, loop := range m.loops {
		l, err := Bind(bindDef, reusePort)
		if err == nil {
			l.stats = running.stats
			err = loop.AddListener(l)
			if err != nil {
				l.Close()
			}
		}
		if err != nil {
			m.detachFrontend(def.Name, running.listeners)
			return err
		}
		if running.listeners == 0 {
			// the other loops join the port the first bind got
			running.addr = l.Addr()
			bindDef.Address = running.addr
		}
		running.listeners++
	}
	m.frontends[def.Name] = running
	return nil
}

func (m *Manager) stopFrontend(name string) {
	running, ok := m.frontends[name]
	if !ok {
		return
	}
	delete(m.frontends, name)
	m.detachFrontend(name, running.listeners)
}

func (m *Manager) detachFrontend(name string, listeners int) {
	for _, loop := range m.loops[:listeners] {
		err := loop.RemoveListener(name)
		if err != nil {
			log.Error().Msgf("can't remove frontend %s from %s: %+v", name, loop.Name, err)
		}
	}
}

// Shutdown stops accepting, lets the sessions drain until ctx is done and
// then stops the loops, which close whatever is still open.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lock.Lock()
	for name := range m.frontends {
		m.stopFrontend(name)
	}
	m.lock.Unlock()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
drain:
	for m.ActiveSessions() > 0 {
		select {
		case <-ctx.Done():
			log.Warn().Msgf("shutdown deadline reached, closing %d active sessions", m.ActiveSessions())
			break drain
		case <-m.ctx.Done():
			break drain
		case <-ticker.C:
		}
	}
	for _, loop := range m.loops {
		loop.Stop()
	}
	err := m.group.Wait()
	m.pool.Resolver().Close()
	return err
}

// Done is closed when a loop failed, or once Shutdown stopped them all.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Addr is the bound address of a running frontend.
func (m *Manager) Addr(frontend string) (string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	running, ok := m.frontends[frontend]
	if !ok {
		return "", false
	}
	return running.addr, true
}

func (m *Manager) Frontends() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	names := make([]string, 0, len(m.frontends))
	for name := range m.frontends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveSessions counts the sessions registered in all loops.
func (m *Manager) ActiveSessions() int {
	total := 0
	for _, loop := range m.loops {
		total += loop.Registry().Sessions()
	}
	return total
}

func (m *Manager) Pool() *BackendPool {
	return m.pool
}

// Run serves config until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout.
func Run(ctx context.Context, config *ResolvedConfig, options Options) error {
	options = options.withDefaults()
	m, err := NewManager(options)
	if err != nil {
		return err
	}
	err = m.Start(config)
	if err != nil {
		if errors.Is(err, errNoFrontends) {
			_ = m.Shutdown(ctx)
			return err
		}
		log.Warn().Msgf("started with failing frontends: %+v", err)
	}
	select {
	case <-ctx.Done():
	case <-m.Done():
		log.Error().Msg("event loop failed, shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), options.ShutdownTimeout)
	defer cancel()
	return m.Shutdown(shutdownCtx)
}
