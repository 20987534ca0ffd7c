package tcplb

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrConfig reports an unusable frontend or backend group definition.
	ErrConfig = errors.New("config error")
	// ErrBind reports a frontend address that can't be listened on.
	ErrBind = errors.New("bind error")
	// ErrConnect reports a backend that refused, reset or timed out the connect.
	ErrConnect = errors.New("connect error")
	// ErrIO reports a socket failure in the middle of a relay.
	ErrIO = errors.New("io error")
	// ErrResourceExhausted reports descriptor or memory limits hit on accept or connect.
	ErrResourceExhausted = errors.New("resource exhausted")
)

var (
	errLoopStopped     = errors.New("event loop is stopped")
	errNotRegistered   = errors.New("handle is not registered")
	errDuplicateHandle = errors.New("handle is already registered")
	errNoFrontends     = errors.New("no frontends are running")
)

func isResourceExhaustion(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}

func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
