package tcplb

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var errConnectFailed = errors.New("connection failed")

func (s *ProxySession) onConnectingReadable(ep *endpoint) {
	if ep.role == BackendRole {
		// only a hangup can make a connecting socket readable
		s.finishConnect(true)
		return
	}
	s.relayRead(&s.upstream)
}

func (s *ProxySession) onConnectingWritable(ep *endpoint) {
	if ep.role == BackendRole {
		s.finishConnect(false)
	}
}

func (s *ProxySession) onConnectingFailed(ep *endpoint) {
	if ep.role == BackendRole {
		s.finishConnect(true)
		return
	}
	s.abort(fmt.Errorf("%w: client failed while connecting: %v", ErrIO, pendingError(ep.fd)))
}

func (s *ProxySession) onReadable(ep *endpoint) {
	s.relayRead(s.outbound(ep))
}

func (s *ProxySession) onWritable(ep *endpoint) {
	s.relayWrite(s.inbound(ep))
}

func (s *ProxySession) onFailed(ep *endpoint) {
	s.markBroken(ep, pendingError(ep.fd))
}

func (s *ProxySession) finishConnect(hangup bool) {
	err := connectResult(s.backend.fd)
	if err == nil && hangup {
		err = errConnectFailed
	}
	if err != nil {
		s.failConnect(err)
		return
	}
	s.state = Established
	s.deadline = time.Time{}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] session %s established with %s", s.backend.fd, s.id, s.target)
	}
	s.relayWrite(&s.upstream)
}

func (s *ProxySession) failConnect(err error) {
	s.connectFailed = true
	s.abort(fmt.Errorf("%w: %s: %v", ErrConnect, s.target, err))
}

// expire fails a session still connecting after its deadline.
func (s *ProxySession) expire(now time.Time) bool {
	if s.state != Connecting || s.deadline.IsZero() || now.Before(s.deadline) {
		return false
	}
	s.failConnect(unix.ETIMEDOUT)
	return true
}

func (s *ProxySession) abort(err error) {
	if s.err == nil {
		s.err = err
	}
	s.state = Closed
}

// relayRead moves one read worth of bytes from the source into the queue and
// tries to pass them straight on. A full queue pauses the source.
func (s *ProxySession) relayRead(d *direction) {
	if d.done || d.src.readDone || d.src.broken {
		return
	}
	if d.buf.Full() {
		d.buf.readPaused = true
		return
	}
	n, err := d.buf.Fill(d.src.fd)
	if err != nil {
		if !isTemporary(err) {
			s.markBroken(d.src, err)
		}
		return
	}
	if n == 0 {
		d.src.readDone = true
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] end of %s stream in session %s", d.src.fd, d.src.role, s.id)
		}
		return
	}
	d.bytes += uint64(n)
	s.lastActive = time.Now()
	s.relayWrite(d)
	if d.buf.Full() {
		d.buf.readPaused = true
	}
}

// relayWrite flushes the queue until it is empty or the destination refuses
// more. Leaving the full state resumes the source.
func (s *ProxySession) relayWrite(d *direction) {
	if d.done || d.dst.broken || d.dst.writeShut || s.state == Connecting {
		return
	}
	d.buf.writePending = false
	for !d.buf.Empty() {
		_, err := d.buf.Flush(d.dst.fd)
		if err != nil {
			if isTemporary(err) {
				d.buf.writePending = true
				break
			}
			s.markBroken(d.dst, err)
			return
		}
	}
	if !d.buf.Full() {
		d.buf.readPaused = false
	}
}

func (s *ProxySession) markBroken(ep *endpoint, err error) {
	if ep.broken {
		return
	}
	ep.broken = true
	if s.err == nil {
		s.err = fmt.Errorf("%w: %s socket: %v", ErrIO, ep.role, err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] %s socket of session %s failed: %+v", ep.fd, ep.role, s.id, err)
	}
}

// advance settles finished directions and derives the session state from
// them. A direction is finished when its destination broke, or when its
// source ended and everything queued reached the destination; the end of
// stream is then forwarded as a half-close.
func (s *ProxySession) advance() {
	if s.state == Connecting || s.state == Closed {
		return
	}
	for _, d := range [...]*direction{&s.upstream, &s.downstream} {
		if d.done {
			continue
		}
		if d.dst.broken {
			d.done = true
			d.buf.Reset()
			continue
		}
		if (d.src.readDone || d.src.broken) && d.buf.Empty() {
			d.done = true
			s.shutdownWrite(d.dst)
		}
	}
	if s.upstream.done && s.downstream.done {
		s.state = Closed
		return
	}
	if s.state == Established && (s.client.readDone || s.client.broken || s.backend.readDone || s.backend.broken) {
		s.state = Closing
	}
}

func (s *ProxySession) shutdownWrite(ep *endpoint) {
	if ep.writeShut || ep.broken {
		return
	}
	ep.writeShut = true
	err := unix.Shutdown(ep.fd, unix.SHUT_WR)
	if err != nil && err != unix.ENOTCONN {
		log.Debug().Msgf("[%d] got error while shutting down %s writes: %+v", ep.fd, ep.role, err)
	}
}

// interest reports the events ep has to be polled for, and whether the
// session still needs ep at all.
func (s *ProxySession) interest(ep *endpoint) (uint32, bool) {
	if s.state == Closed || ep.broken {
		return 0, false
	}
	out, in := s.outbound(ep), s.inbound(ep)
	reading := !out.done && !ep.readDone
	var events uint32
	if reading && !out.buf.Full() {
		events |= readEvents
	}
	if s.state == Connecting {
		if ep.role == BackendRole {
			return writeEvents, true
		}
		return events, true
	}
	if !in.done && !in.buf.Empty() {
		events |= writeEvents
	}
	return events, reading || !in.done
}

func pendingError(fd int) error {
	err := connectResult(fd)
	if err == nil {
		return unix.EIO
	}
	return err
}
