package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

// dialFunc opens a connection to the relay.
type dialFunc func(ctx context.Context) (net.Conn, error)

// client sends lines to the relay and waits for the reply line. The
// gateway closes idle relay connections, so client redials on demand.
type client struct {
	dial    dialFunc
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

func newClient(dial dialFunc, timeout time.Duration) *client {
	return &client{dial: dial, timeout: timeout}
}

// tcpDialer dials addr over TCP.
func tcpDialer(addr string) dialFunc {
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Send writes line and returns the reply without its terminator. A
// connection the gateway dropped while idle is replaced once.
func (c *client) Send(ctx context.Context, line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return "", errEmptyLine
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := c.conn == nil
	if err := c.connect(ctx); err != nil {
		return "", err
	}

	reply, err := c.exchange(line)
	if err != nil && !fresh && dropped(err) {
		c.reset()
		if err := c.connect(ctx); err != nil {
			return "", err
		}
		reply, err = c.exchange(line)
	}
	if err != nil {
		c.reset()
		return "", err
	}
	return reply, nil
}

// Close drops the connection, if any.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset()
}

func (c *client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *client) exchange(line string) (string, error) {
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", err
		}
	}
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return "", fmt.Errorf("sending: %w", err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("waiting for reply: %w", err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

func (c *client) reset() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// dropped reports whether err means the peer closed the connection.
func dropped(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

var errEmptyLine = errors.New("empty line")
