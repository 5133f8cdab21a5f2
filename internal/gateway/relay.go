package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRelayTimeout is how long an idle relay client keeps the bus.
	DefaultRelayTimeout = 10 * time.Second

	// maxRelayLine bounds one relay command line.
	maxRelayLine = 256

	relayWriteTimeout = 5 * time.Second
)

// relayLine is one command from a client with a channel for its reply.
type relayLine struct {
	cmd   string
	reply chan string
}

// relaySession is one connected relay client as seen by the loop.
type relaySession struct {
	id     string
	remote string
	lines  chan relayLine
	closed chan struct{}
}

// RelayServer accepts relay clients and hands them to the gateway loop.
type RelayServer struct {
	g       *Gateway
	ln      net.Listener
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// ListenRelay starts the relay service on addr. A timeout of zero uses
// DefaultRelayTimeout.
func (g *Gateway) ListenRelay(addr string, timeout time.Duration) (*RelayServer, error) {
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: relay listen on %s: %w", addr, err)
	}

	s := &RelayServer{
		g:       g,
		ln:      ln,
		timeout: timeout,
		stop:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()

	g.logInfo("relay listening", "address", ln.Addr().String(), "timeout", timeout)
	return s, nil
}

// Addr returns the listening address.
func (s *RelayServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops accepting, disconnects every client and waits for their
// goroutines to finish.
func (s *RelayServer) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		err = s.ln.Close()

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return err
}

func (s *RelayServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.g.logError("relay accept failed", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *RelayServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *RelayServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// serve runs one client. The session reaches the loop as soon as the
// client connects; from then on the loop serves only this client until
// serve returns and closes the session.
func (s *RelayServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	sess := &relaySession{
		id:     uuid.NewString(),
		remote: conn.RemoteAddr().String(),
		lines:  make(chan relayLine),
		closed: make(chan struct{}),
	}
	defer close(sess.closed)

	s.g.logDebug("relay client connected", "session", sess.id, "remote", sess.remote)

	select {
	case s.g.sessions <- sess:
	case <-s.g.done:
		return
	case <-s.stop:
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, maxRelayLine), maxRelayLine)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !isTimeout(err) && !errors.Is(err, net.ErrClosed) {
				s.g.logWarn("relay read failed", "session", sess.id, "error", err)
			}
			return
		}

		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}

		reply := replyRejected
		if strings.ContainsFunc(cmd, isControl) {
			s.g.logWarn("relay line with control characters refused", "session", sess.id, "line", cmd)
		} else {
			l := relayLine{cmd: cmd, reply: make(chan string, 1)}
			select {
			case sess.lines <- l:
			case <-s.g.done:
				return
			case <-s.stop:
				return
			}

			select {
			case reply = <-l.reply:
			case <-s.g.done:
				return
			}
		}

		if err := conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout)); err != nil {
			return
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			s.g.logWarn("relay write failed", "session", sess.id, "error", err)
			return
		}
	}
}

// replyRejected answers a line that is never put on the bus, in the
// firmware's own error form.
const replyRejected = "ERR bad command\n"

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
