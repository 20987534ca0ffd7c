package tcplb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// BackendGroup is a named, ordered set of targets served round-robin.
type BackendGroup struct {
	Name    string
	Targets []*Target
	cursor  *atomic.Uint64
}

// next returns the target under the cursor and moves the cursor on. The
// counter is shared by every loop, so strict rotation order holds globally.
func (g *BackendGroup) next() *Target {
	n := g.cursor.Inc() - 1
	return g.Targets[n%uint64(len(g.Targets))]
}

// BackendPool holds every backend group. Group contents never change after
// registration; Replace swaps in a new group with its own cursor.
type BackendPool struct {
	lock     sync.RWMutex
	groups   map[string]*BackendGroup
	resolver *Resolver
}

func NewBackendPool(resolver *Resolver) *BackendPool {
	if resolver == nil {
		// a zero ttl never touches the cache, so this can't fail
		resolver, _ = NewResolver(0)
	}
	return &BackendPool{
		groups:   make(map[string]*BackendGroup),
		resolver: resolver,
	}
}

// Register adds a new group. Empty address lists, duplicate names and
// unresolvable addresses are config errors.
func (p *BackendPool) Register(name string, addresses []string) error {
	group, err := p.newGroup(name, addresses)
	if err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.groups[name]; ok {
		return fmt.Errorf("%w: backend group %s is already registered", ErrConfig, name)
	}
	p.groups[name] = group
	log.Info().Msgf("registered backend group:%s targets:%v", name, addresses)
	return nil
}

// Replace registers the group, or swaps it when its address list changed.
func (p *BackendPool) Replace(name string, addresses []string) error {
	p.lock.RLock()
	current, ok := p.groups[name]
	p.lock.RUnlock()
	if ok && sameAddresses(current, addresses) {
		return nil
	}
	group, err := p.newGroup(name, addresses)
	if err != nil {
		return err
	}
	p.lock.Lock()
	p.groups[name] = group
	p.lock.Unlock()
	log.Info().Msgf("replaced backend group:%s targets:%v", name, addresses)
	return nil
}

// NextTarget returns the next target of the group in rotation.
func (p *BackendPool) NextTarget(name string) (*Target, error) {
	p.lock.RLock()
	group, ok := p.groups[name]
	p.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend group %s", ErrConfig, name)
	}
	return group.next(), nil
}

// Remove drops the group. Sessions already relaying keep their target.
func (p *BackendPool) Remove(name string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.groups[name]
	delete(p.groups, name)
	return ok
}

func (p *BackendPool) Has(name string) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	_, ok := p.groups[name]
	return ok
}

func (p *BackendPool) Groups() []string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Targets lists the configured addresses of a group in rotation order.
func (p *BackendPool) Targets(name string) []string {
	p.lock.RLock()
	group, ok := p.groups[name]
	p.lock.RUnlock()
	if !ok {
		return nil
	}
	addresses := make([]string, 0, len(group.Targets))
	for _, target := range group.Targets {
		addresses = append(addresses, target.Address)
	}
	return addresses
}

func (p *BackendPool) Resolver() *Resolver {
	return p.resolver
}

func (p *BackendPool) newGroup(name string, addresses []string) (*BackendGroup, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: backend group %s has no targets", ErrConfig, name)
	}
	targets := make([]*Target, 0, len(addresses))
	for _, address := range addresses {
		target, err := newTarget(name, address, p.resolver)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return &BackendGroup{
		Name:    name,
		Targets: targets,
		cursor:  atomic.NewUint64(0),
	}, nil
}

func sameAddresses(group *BackendGroup, addresses []string) bool {
	if len(group.Targets) != len(addresses) {
		return false
	}
	for i, target := range group.Targets {
		if target.Address != addresses[i] {
			return false
		}
	}
	return true
}
