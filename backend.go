package tcplb

import (
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Target is one backend address of a group. The sockaddr resolved at
// registration is kept as the fallback when the resolver has nothing fresher.
type Target struct {
	Address string
	Group   string
	literal bool
	addr    unix.Sockaddr
}

func newTarget(group, address string, resolver *Resolver) (*Target, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: bad target address %q in group %s: %v", ErrConfig, address, group, err)
	}
	sa, err := resolver.Resolve(address)
	if err != nil {
		return nil, fmt.Errorf("%w: can't resolve target %q in group %s: %v", ErrConfig, address, group, err)
	}
	return &Target{
		Address: address,
		Group:   group,
		literal: net.ParseIP(host) != nil,
		addr:    sa,
	}, nil
}

func (t *Target) String() string {
	return t.Group + "/" + t.Address
}

// dialNonBlocking opens a non-blocking stream socket and starts connecting it
// to sa. The returned fd is usually still in progress; completion is reported
// by the poller as writability.
func dialNonBlocking(sa unix.Sockaddr) (int, error) {
	domain := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		if isResourceExhaustion(err) {
			return -1, fmt.Errorf("%w: %v", ErrResourceExhausted, os.NewSyscallError("socket", err))
		}
		return -1, os.NewSyscallError("socket", err)
	}
	setTcpSocketOptions(fd)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		closeFd(fd)
		return -1, fmt.Errorf("%w: %v", ErrConnect, os.NewSyscallError("connect", err))
	}
	return fd, nil
}

// connectResult reads the pending error of a socket that finished connecting.
func connectResult(fd int) error {
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

func closeFd(fd int) {
	if fd < 0 {
		return
	}
	err := unix.Close(fd)
	if err != nil {
		log.Error().Msgf("[%d] got error while closing socket: %+v", fd, err)
	}
}
