package tcplb

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// setTcpSocketOptions applies the options every relayed socket gets, both
// accepted clients and dialed backends. Failures are logged, never fatal.
func setTcpSocketOptions(fd int) {
	err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err != nil {
		log.Error().Msgf("[%d] got error while setting socket options TCP_NODELAY: %+v", fd, err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if err != nil {
		log.Error().Msgf("[%d] got error while setting socket options SO_KEEPALIVE: %+v", fd, err)
	}
}

func setListenerSocketOptions(fd int, reusePort bool) error {
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		return err
	}
	if reusePort {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if err != nil {
			return err
		}
	}
	return nil
}
