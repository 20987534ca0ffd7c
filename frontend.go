package tcplb

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Listener is one bound frontend socket owned by one event loop.
type Listener struct {
	Name    string
	Net     string
	Address string
	Group   string
	fd      int
	addr    unix.Sockaddr
	// paused is set while accepting backs off after resource exhaustion.
	paused   bool
	resumeAt time.Time
	stats    *FrontendCounters
}

// FrontendCounters are updated by the owning loop and read by anyone.
type FrontendCounters struct {
	ActiveSessions     *atomic.Int64
	TotalSessions      *atomic.Uint64
	RejectedSessions   *atomic.Uint64
	ConnectErrors      *atomic.Uint64
	TotalSentBytes     *atomic.Uint64
	TotalReceivedBytes *atomic.Uint64
}

func newFrontendCounters() *FrontendCounters {
	return &FrontendCounters{
		ActiveSessions:     atomic.NewInt64(0),
		TotalSessions:      atomic.NewUint64(0),
		RejectedSessions:   atomic.NewUint64(0),
		ConnectErrors:      atomic.NewUint64(0),
		TotalSentBytes:     atomic.NewUint64(0),
		TotalReceivedBytes: atomic.NewUint64(0),
	}
}

// Bind creates a non-blocking listening socket for a frontend.
func Bind(def FrontendDef, reusePort bool) (*Listener, error) {
	network := def.Net
	if network == "" {
		network = "tcp"
	}
	tcpAddr, err := net.ResolveTCPAddr(network, def.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: frontend %s: bad address %q: %v", ErrBind, def.Name, def.Address, err)
	}
	sa, err := toSockaddr(tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: frontend %s: %v", ErrBind, def.Name, err)
	}
	domain := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: frontend %s: %v", ErrBind, def.Name, os.NewSyscallError("socket", err))
	}
	err = setListenerSocketOptions(fd, reusePort)
	if err != nil {
		closeFd(fd)
		return nil, fmt.Errorf("%w: frontend %s: %v", ErrBind, def.Name, os.NewSyscallError("setsockopt", err))
	}
	err = unix.Bind(fd, sa)
	if err != nil {
		closeFd(fd)
		return nil, fmt.Errorf("%w: frontend %s on %s: %v", ErrBind, def.Name, def.Address, os.NewSyscallError("bind", err))
	}
	err = unix.Listen(fd, unix.SOMAXCONN)
	if err != nil {
		closeFd(fd)
		return nil, fmt.Errorf("%w: frontend %s on %s: %v", ErrBind, def.Name, def.Address, os.NewSyscallError("listen", err))
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		bound = sa
	}
	log.Info().Msgf("[%d] frontend %s listening on %s for group %s", fd, def.Name, sockaddrString(bound), def.Group)
	return &Listener{
		Name:    def.Name,
		Net:     network,
		Address: def.Address,
		Group:   def.Group,
		fd:      fd,
		addr:    bound,
		stats:   newFrontendCounters(),
	}, nil
}

// Addr is the bound address, with the kernel-chosen port filled in.
func (l *Listener) Addr() string {
	return sockaddrString(l.addr)
}

func (l *Listener) Fd() int { return l.fd }

func (l *Listener) Stats() *FrontendCounters { return l.stats }

// accept takes one pending connection off the backlog.
func (l *Listener) accept() (int, unix.Sockaddr, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		return fd, sa, err
	}
}

func (l *Listener) pause(until time.Time) {
	l.paused = true
	l.resumeAt = until
}

func (l *Listener) Close() {
	log.Info().Msgf("[%d] closing frontend %s", l.fd, l.Name)
	closeFd(l.fd)
}
