package tcplb

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestLoop builds a loop that is driven by hand through tick.
func newTestLoop(t *testing.T, config EventLoopConfig, pool *BackendPool) *EventLoop {
	t.Helper()
	if config.Name == "" {
		config.Name = "test"
	}
	if pool == nil {
		pool = NewBackendPool(nil)
	}
	el, err := NewEventLoop(config, pool, nil)
	require.NoError(t, err)
	t.Cleanup(el.release)
	return el
}

func tickUntil(t *testing.T, el *EventLoop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		require.NoError(t, el.tick(10))
	}
}

// rawPair returns a connected pair of sockets. The first one is handed to a
// session and closed by the loop; the second is the far end kept by the test.
func rawPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// relayedSession attaches a session over two socket pairs and returns what
// the client and the backend would hold.
func relayedSession(t *testing.T, el *EventLoop) (*ProxySession, int, int) {
	t.Helper()
	clientFd, clientPeer := rawPair(t)
	backendFd, backendPeer := rawPair(t)
	s := el.newSession("test", clientFd, backendFd, &Target{Address: "pair", Group: "test"})
	require.NoError(t, el.attach(s))
	return s, clientPeer, backendPeer
}

// readInto appends whatever fd has ready to out and reports end of stream.
func readInto(t *testing.T, fd int, out *[]byte) bool {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			return false
		}
		require.NoError(t, err)
		if n == 0 {
			return true
		}
		*out = append(*out, buf[:n]...)
	}
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}
	return data
}

// startEchoServer runs a blocking echo backend that prefixes every reply
// with its name.
func startEchoServer(t *testing.T, name string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(append([]byte(name+":"), buf[:n]...)); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())
	return address
}

func testListener(t *testing.T, el *EventLoop, group string) *Listener {
	t.Helper()
	l, err := Bind(FrontendDef{Name: "web", Net: "tcp", Address: "127.0.0.1:0", Group: group}, false)
	require.NoError(t, err)
	require.NoError(t, el.addListener(l))
	return l
}

func TestSessionEstablishes(t *testing.T) {
	el := newTestLoop(t, EventLoopConfig{}, nil)
	s, _, _ := relayedSession(t, el)
	assert.Equal(t, Connecting, s.State())
	_, connecting := el.connecting[s]
	assert.True(t, connecting)

	tickUntil(t, el, func() bool { return s.State() == Established })
	_, connecting = el.connecting[s]
	assert.False(t, connecting)
	assert.Equal(t, uint32(readEvents), s.client.interest)
	assert.Equal(t, uint32(readEvents), s.backend.interest)
	assert.NotEmpty(t, s.ID())
}

func TestRelayIsByteExact(t *testing.T) {
	el := newTestLoop(t, EventLoopConfig{BufferSize: 16}, nil)
	s, clientPeer, backendPeer := relayedSession(t, el)

	request := pattern(64 * 1024)
	sent := 0
	var received []byte
	tickUntil(t, el, func() bool {
		if sent < len(request) {
			n, err := unix.Write(clientPeer, request[sent:min(sent+4096, len(request))])
			if err == nil {
				sent += n
			}
		}
		readInto(t, backendPeer, &received)
		return len(received) == len(request)
	})
	assert.Equal(t, request, received)

	response := pattern(10 * 1024)[3:]
	writeAll(t, backendPeer, response)
	received = nil
	tickUntil(t, el, func() bool {
		readInto(t, clientPeer, &received)
		return len(received) == len(response)
	})
	assert.Equal(t, response, received)

	stats := s.GetStats()
	assert.Equal(t, uint64(len(request)), stats.TotalReceivedBytes)
	assert.Equal(t, uint64(len(response)), stats.TotalSentBytes)
	assert.Equal(t, 0, s.Buffered())
}

func TestBackpressurePausesAndResumesClient(t *testing.T) {
	const capacity = 16
	el := newTestLoop(t, EventLoopConfig{BufferSize: capacity}, nil)
	s, clientPeer, backendPeer := relayedSession(t, el)
	tickUntil(t, el, func() bool { return s.State() == Established })

	// the backend never reads, so its socket fills up and then the queue
	payload := pattern(16 << 20)
	written := 0
	saturated := false
	for i := 0; i < 20000 && !saturated; i++ {
		n, err := unix.Write(clientPeer, payload[written:written+4096])
		if err == nil {
			written += n
		}
		require.NoError(t, el.tick(0))
		assert.LessOrEqual(t, s.upstream.buf.Len(), capacity)
		saturated = err == unix.EAGAIN && s.upstream.buf.ReadPaused() && s.client.interest&readEvents == 0
	}
	require.True(t, saturated)
	assert.True(t, s.upstream.buf.Full())
	assert.True(t, s.upstream.buf.WritePending())
	assert.NotZero(t, s.backend.interest&writeEvents)

	relayed := s.GetStats().TotalReceivedBytes
	for i := 0; i < 10; i++ {
		require.NoError(t, el.tick(0))
	}
	assert.Equal(t, relayed, s.GetStats().TotalReceivedBytes)

	var received []byte
	tickUntil(t, el, func() bool {
		readInto(t, backendPeer, &received)
		return len(received) == written
	})
	assert.Equal(t, payload[:written], received)
	assert.False(t, s.upstream.buf.ReadPaused())
	assert.Equal(t, uint32(readEvents), s.client.interest)
	assert.Equal(t, Established, s.State())
}

func TestHalfCloseIsForwarded(t *testing.T) {
	el := newTestLoop(t, EventLoopConfig{}, nil)
	s, clientPeer, backendPeer := relayedSession(t, el)

	writeAll(t, clientPeer, []byte("request"))
	require.NoError(t, unix.Shutdown(clientPeer, unix.SHUT_WR))
	var request []byte
	tickUntil(t, el, func() bool { return readInto(t, backendPeer, &request) })
	assert.Equal(t, "request", string(request))
	assert.Equal(t, Closing, s.State())

	writeAll(t, backendPeer, []byte("response"))
	require.NoError(t, unix.Shutdown(backendPeer, unix.SHUT_WR))
	var response []byte
	tickUntil(t, el, func() bool { return readInto(t, clientPeer, &response) })
	assert.Equal(t, "response", string(response))

	tickUntil(t, el, func() bool { return el.Registry().Released() == 1 })
	assert.Equal(t, Closed, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, el.Registry().Len())
}

func TestSimultaneousCloseReleasesOnce(t *testing.T) {
	el := newTestLoop(t, EventLoopConfig{}, nil)
	s, clientPeer, backendPeer := relayedSession(t, el)
	tickUntil(t, el, func() bool { return s.State() == Established })

	require.NoError(t, unix.Shutdown(clientPeer, unix.SHUT_RDWR))
	require.NoError(t, unix.Shutdown(backendPeer, unix.SHUT_RDWR))
	tickUntil(t, el, func() bool { return el.Registry().Released() == 1 })
	for i := 0; i < 5; i++ {
		require.NoError(t, el.tick(0))
	}
	assert.Equal(t, int64(1), el.Registry().Released())
	assert.Equal(t, 0, el.Registry().Len())
	assert.Equal(t, 0, el.Registry().Sessions())
	assert.Equal(t, Closed, s.State())
	assert.Empty(t, el.connecting)
}

func TestClosingSessionLeavesOthersAlone(t *testing.T) {
	el := newTestLoop(t, EventLoopConfig{}, nil)
	closing, closingClient, closingBackend := relayedSession(t, el)
	alive, aliveClient, aliveBackend := relayedSession(t, el)
	tickUntil(t, el, func() bool { return closing.State() == Established && alive.State() == Established })

	require.NoError(t, unix.Shutdown(closingClient, unix.SHUT_RDWR))
	require.NoError(t, unix.Shutdown(closingBackend, unix.SHUT_RDWR))
	writeAll(t, aliveClient, []byte("still here"))
	var received []byte
	tickUntil(t, el, func() bool {
		readInto(t, aliveBackend, &received)
		return closing.State() == Closed && len(received) == len("still here")
	})
	assert.Equal(t, "still here", string(received))
	assert.Equal(t, Established, alive.State())
	assert.Equal(t, 1, el.Registry().Sessions())
	assert.Equal(t, 2, el.Registry().Len())
}

func TestConnectTimeout(t *testing.T) {
	el := newTestLoop(t, EventLoopConfig{ConnectTimeout: 50 * time.Millisecond}, nil)
	s, _, _ := relayedSession(t, el)

	timeout := el.nextTimeout(blocked, time.Now())
	assert.Greater(t, timeout, 0)
	assert.LessOrEqual(t, timeout, 50)

	el.runTimers(time.Now().Add(time.Second))
	el.syncSessions()
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Err(), ErrConnect)
	assert.Contains(t, s.Err().Error(), unix.ETIMEDOUT.Error())
	assert.Equal(t, 0, el.Registry().Len())
	assert.Equal(t, int64(1), el.Registry().Released())
	assert.Equal(t, blocked, el.nextTimeout(blocked, time.Now()))
}

func TestConnectFailureReturnsRegistryToBaseline(t *testing.T) {
	pool := NewBackendPool(nil)
	require.NoError(t, pool.Register("dead", []string{closedPort(t)}))
	el := newTestLoop(t, EventLoopConfig{}, pool)
	l := testListener(t, el, "dead")
	baseline := el.Registry().Len()

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()
	tickUntil(t, el, func() bool { return l.Stats().ConnectErrors.Load() == 1 })
	tickUntil(t, el, func() bool { return el.Registry().Len() == baseline })
	assert.Equal(t, 0, el.Registry().Sessions())
	assert.Equal(t, int64(0), l.Stats().ActiveSessions.Load())
	assert.Empty(t, el.connecting)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestAcceptRelaysToBackend(t *testing.T) {
	pool := NewBackendPool(nil)
	require.NoError(t, pool.Register("echo", []string{startEchoServer(t, "B1")}))
	el := newTestLoop(t, EventLoopConfig{}, pool)
	l := testListener(t, el, "echo")

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	replies := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		replies <- string(buf[:n])
	}()
	var reply string
	tickUntil(t, el, func() bool {
		select {
		case reply = <-replies:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, "B1:ping", reply)
	assert.Equal(t, uint64(1), l.Stats().TotalSessions.Load())
	assert.Equal(t, int64(1), l.Stats().ActiveSessions.Load())

	require.NoError(t, conn.Close())
	tickUntil(t, el, func() bool { return l.Stats().ActiveSessions.Load() == 0 })
	assert.Equal(t, uint64(4), l.Stats().TotalReceivedBytes.Load())
	assert.Equal(t, uint64(7), l.Stats().TotalSentBytes.Load())
}

func TestMaxSessionsRejects(t *testing.T) {
	pool := NewBackendPool(nil)
	require.NoError(t, pool.Register("echo", []string{startEchoServer(t, "B1")}))
	el := newTestLoop(t, EventLoopConfig{MaxSessions: 1}, pool)
	l := testListener(t, el, "echo")

	first, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer first.Close()
	tickUntil(t, el, func() bool { return el.Registry().Sessions() == 1 })

	second, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer second.Close()
	tickUntil(t, el, func() bool { return l.Stats().RejectedSessions.Load() == 1 })
	assert.Equal(t, 1, el.Registry().Sessions())
	assert.Equal(t, uint64(1), l.Stats().TotalSessions.Load())

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 16))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestAcceptBackoff(t *testing.T) {
	el := newTestLoop(t, EventLoopConfig{AcceptBackoff: 50 * time.Millisecond}, nil)
	l := testListener(t, el, "none")

	now := time.Now()
	el.pauseListener(l)
	assert.True(t, l.paused)
	timeout := el.nextTimeout(blocked, now)
	assert.Greater(t, timeout, 0)
	assert.LessOrEqual(t, timeout, 50)
	assert.Equal(t, 5, el.nextTimeout(5, now))

	el.runTimers(now)
	assert.True(t, l.paused)
	el.runTimers(l.resumeAt)
	assert.False(t, l.paused)
	assert.Equal(t, blocked, el.nextTimeout(blocked, time.Now()))
}

// limitDescriptors lowers RLIMIT_NOFILE so that only spare more descriptors
// can be opened. The returned func restores the limit.
func limitDescriptors(t *testing.T, anyFd, spare int) func() {
	t.Helper()
	var saved unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &saved))
	lowest, err := unix.Dup(anyFd)
	require.NoError(t, err)
	require.NoError(t, unix.Close(lowest))
	require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: uint64(lowest + spare), Max: saved.Max}))
	restored := false
	restore := func() {
		if !restored {
			restored = true
			require.NoError(t, unix.Setrlimit(unix.RLIMIT_NOFILE, &saved))
		}
	}
	t.Cleanup(restore)
	return restore
}

func awaitReply(t *testing.T, el *EventLoop, conn net.Conn, message string) string {
	t.Helper()
	_, err := conn.Write([]byte(message))
	require.NoError(t, err)
	replies := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		replies <- string(buf[:n])
	}()
	var reply string
	tickUntil(t, el, func() bool {
		select {
		case reply = <-replies:
			return true
		default:
			return false
		}
	})
	return reply
}

func TestAcceptPausesWhenOutOfDescriptors(t *testing.T) {
	pool := NewBackendPool(nil)
	require.NoError(t, pool.Register("echo", []string{startEchoServer(t, "B1")}))
	el := newTestLoop(t, EventLoopConfig{AcceptBackoff: 50 * time.Millisecond}, pool)
	l := testListener(t, el, "echo")
	established, _, _ := relayedSession(t, el)
	tickUntil(t, el, func() bool { return established.State() == Established })

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()

	restore := limitDescriptors(t, l.fd, 0)
	require.NoError(t, el.tick(100))
	restore()
	assert.True(t, l.paused)
	assert.Equal(t, 1, el.Registry().Sessions())
	assert.Equal(t, Established, established.State())

	// the queued connection is taken once the listener resumes
	assert.Equal(t, "B1:ping", awaitReply(t, el, conn, "ping"))
	assert.False(t, l.paused)
	assert.Equal(t, uint64(1), l.Stats().TotalSessions.Load())
}

func TestBackendSocketPausesWhenOutOfDescriptors(t *testing.T) {
	pool := NewBackendPool(nil)
	require.NoError(t, pool.Register("echo", []string{startEchoServer(t, "B1")}))
	el := newTestLoop(t, EventLoopConfig{AcceptBackoff: 50 * time.Millisecond}, pool)
	l := testListener(t, el, "echo")

	rejected, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer rejected.Close()

	// room for the accepted client, none for its backend socket
	restore := limitDescriptors(t, l.fd, 1)
	require.NoError(t, el.tick(100))
	restore()
	assert.True(t, l.paused)
	assert.Equal(t, 0, el.Registry().Sessions())
	assert.Equal(t, uint64(1), l.Stats().RejectedSessions.Load())
	assert.Equal(t, uint64(0), l.Stats().ConnectErrors.Load())

	require.NoError(t, rejected.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = rejected.Read(make([]byte, 16))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrDeadlineExceeded)

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "B1:ping", awaitReply(t, el, conn, "ping"))
}

func TestFailedAttachLeavesCountersUntouched(t *testing.T) {
	reg := prometheus.NewRegistry()
	el := newTestLoop(t, EventLoopConfig{}, nil)
	el.metrics = NewMetrics(reg)
	counters := newFrontendCounters()

	clientFd, _ := rawPair(t)
	backendFd, _ := rawPair(t)
	// an fd the registry already knows makes AddSession fail
	require.NoError(t, el.registry.AddListener(&Listener{Name: "stale", fd: clientFd}))
	s := el.newSession("web", clientFd, backendFd, &Target{Address: "pair", Group: "test"})
	s.counters = counters
	require.Error(t, el.attach(s))
	_, err := el.registry.Remove(clientFd)
	require.NoError(t, err)

	assert.Equal(t, 0, el.Registry().Sessions())
	assert.Equal(t, uint64(0), counters.TotalSessions.Load())
	assert.Equal(t, int64(0), counters.ActiveSessions.Load())
	values := gatheredValues(t, reg)
	assert.Equal(t, 0.0, values["tcplb_sessions_active,frontend=web"])
	assert.Equal(t, 0.0, values["tcplb_sessions_total,frontend=web"])

	// a session that does register is counted once and released once
	clientFd, clientPeer := rawPair(t)
	backendFd, backendPeer := rawPair(t)
	s = el.newSession("web", clientFd, backendFd, &Target{Address: "pair", Group: "test"})
	s.counters = counters
	require.NoError(t, el.attach(s))
	assert.Equal(t, uint64(1), counters.TotalSessions.Load())
	assert.Equal(t, int64(1), counters.ActiveSessions.Load())
	assert.Equal(t, 1.0, gatheredValues(t, reg)["tcplb_sessions_active,frontend=web"])
	require.NoError(t, unix.Shutdown(clientPeer, unix.SHUT_WR))
	require.NoError(t, unix.Shutdown(backendPeer, unix.SHUT_WR))
	tickUntil(t, el, func() bool { return s.State() == Closed })
	assert.Equal(t, int64(0), counters.ActiveSessions.Load())
	assert.Equal(t, 0.0, gatheredValues(t, reg)["tcplb_sessions_active,frontend=web"])
}

func TestLoopRunAndStop(t *testing.T) {
	pool := NewBackendPool(nil)
	require.NoError(t, pool.Register("echo", []string{startEchoServer(t, "B1")}))
	el, err := NewEventLoop(EventLoopConfig{Name: "runner"}, pool, nil)
	require.NoError(t, err)
	exited := make(chan error, 1)
	go func() {
		exited <- el.Run()
	}()

	ran := false
	require.NoError(t, el.Do(func() { ran = true }))
	assert.True(t, ran)
	assert.True(t, el.IsRunning())

	l, err := Bind(FrontendDef{Name: "web", Address: "127.0.0.1:0", Group: "echo"}, false)
	require.NoError(t, err)
	require.NoError(t, el.AddListener(l))
	assert.ErrorIs(t, el.AddListener(&Listener{Name: "web"}), ErrConfig)
	listeners, err := el.Listeners()
	require.NoError(t, err)
	assert.Len(t, listeners, 1)

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 7)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "B1:ping", string(reply))

	el.Stop()
	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop didn't stop")
	}
	<-el.Done()
	assert.False(t, el.IsRunning())
	assert.Equal(t, 0, el.Registry().Len())
	assert.ErrorIs(t, el.Do(func() {}), errLoopStopped)
	_, err = el.Listeners()
	assert.ErrorIs(t, err, errLoopStopped)

	// the session still open at stop was closed by the loop
	_, err = conn.Read(reply)
	assert.Error(t, err)
}
