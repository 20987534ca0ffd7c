//go:build linux

package tcplb

import (
	"encoding/binary"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	defEventsBufferSize = 128
	blocked             = -1
)

const (
	readEvents   = unix.EPOLLIN
	writeEvents  = unix.EPOLLOUT
	errorEvents  = unix.EPOLLERR
	hangupEvents = unix.EPOLLHUP
)

// Poller wraps an epoll instance plus the eventfd used to wake it from other
// goroutines. Registrations are level-triggered; the fd is the token carried
// in the event data.
type Poller struct {
	fd      int
	wakeFd  int
	events  []unix.EpollEvent
	wakeBuf []byte
}

func OpenPoller(eventsBufferSize int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Fd: int32(wakeFd), Events: readEvents})
	if err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	if eventsBufferSize < defEventsBufferSize {
		eventsBufferSize = defEventsBufferSize
	}
	return &Poller{
		fd:      fd,
		wakeFd:  wakeFd,
		events:  make([]unix.EpollEvent, eventsBufferSize),
		wakeBuf: make([]byte, 8),
	}, nil
}

// Wait blocks for at most timeout milliseconds (blocked waits forever) and
// hands every ready fd to callback. All events of one wait are delivered
// before Wait returns.
func (p *Poller) Wait(timeout int, callback func(fd int, events uint32)) (int, error) {
	evCount, err := unix.EpollWait(p.fd, p.events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		callback(fd, event.Events)
	}
	return evCount, nil
}

// Wake interrupts a blocked Wait.
func (p *Poller) Wake() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakeFd, one[:])
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	_, err := unix.Read(p.wakeFd, p.wakeBuf)
	if err != nil && err != unix.EAGAIN {
		log.Error().Msgf("got error while draining wake fd: %+v", err)
	}
}

func (p *Poller) Add(fd int, events uint32) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] add epoll events:%#x", fd, events)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *Poller) Modify(fd int, events uint32) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] mod epoll events:%#x", fd, events)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (p *Poller) Delete(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] delete epoll", fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *Poller) Close() {
	err := os.NewSyscallError("close", unix.Close(p.wakeFd))
	if err != nil {
		log.Error().Msgf("got error while closing wake fd: %+v", err)
	}
	err = os.NewSyscallError("close", unix.Close(p.fd))
	if err != nil {
		log.Error().Msgf("got error while closing epoll: %+v", err)
	}
}
