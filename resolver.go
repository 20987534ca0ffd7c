package tcplb

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Resolver turns target addresses into sockaddrs. Hostname targets are kept in
// a TTL cache; the event loop only ever reads the cache and never waits on DNS.
type Resolver struct {
	cache    *ristretto.Cache
	ttl      time.Duration
	inFlight sync.Map
	lookup   func(address string) (*net.TCPAddr, error)
}

// NewResolver builds a resolver. A zero ttl disables re-resolution: targets
// keep the address resolved at registration forever.
func NewResolver(ttl time.Duration) (*Resolver, error) {
	r := &Resolver{
		ttl: ttl,
		lookup: func(address string) (*net.TCPAddr, error) {
			return net.ResolveTCPAddr("tcp", address)
		},
	}
	if ttl <= 0 {
		return r, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// Resolve looks address up right now and refreshes the cache entry.
func (r *Resolver) Resolve(address string) (unix.Sockaddr, error) {
	tcpAddr, err := r.lookup(address)
	if err != nil {
		return nil, err
	}
	sa, err := toSockaddr(tcpAddr)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.SetWithTTL(address, sa, 1, r.ttl)
	}
	return sa, nil
}

// Sockaddr returns the address to connect to for t without blocking. On a
// cache miss it answers with the last address resolved at registration and
// refreshes the entry in the background.
func (r *Resolver) Sockaddr(t *Target) unix.Sockaddr {
	if r.cache == nil || t.literal {
		return t.addr
	}
	if value, ok := r.cache.Get(t.Address); ok {
		if sa, ok := value.(unix.Sockaddr); ok {
			return sa
		}
	}
	if _, busy := r.inFlight.LoadOrStore(t.Address, struct{}{}); !busy {
		go r.refresh(t.Address)
	}
	return t.addr
}

func (r *Resolver) refresh(address string) {
	defer r.inFlight.Delete(address)
	_, err := r.Resolve(address)
	if err != nil {
		log.Warn().Msgf("can't refresh address of target %s: %+v", address, err)
		return
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("refreshed address of target %s", address)
	}
}

func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		if addr.Zone != "" {
			iface, err := net.InterfaceByName(addr.Zone)
			if err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		return sa, nil
	}
	if addr.IP == nil {
		return &unix.SockaddrInet4{Port: addr.Port}, nil
	}
	return nil, fmt.Errorf("unsupported address %s", addr)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), fmt.Sprint(addr.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), fmt.Sprint(addr.Port))
	case *unix.SockaddrUnix:
		return addr.Name
	}
	return "unknown"
}
