// Package sdk is the application-facing library: it opens an embedded
// archivist from configuration, offers typed helpers over a request and
// connects actors to the push server.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/celerix-dev/archivist/pkg/schema"
)

const (
	dialAttempts  = 3
	replyTimeout  = 10 * time.Second
	keepAliveTick = 10 * time.Second
)

// Client is an actor's connection to the push server. Events arrive in
// publish order through Next. The connection is kept alive with pings and
// re-established when it drops.
type Client struct {
	addr   string
	actor  string
	logger hclog.Logger

	events  chan schema.Event
	replies chan string
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex // Protects conn and err
	conn net.Conn
	err  error

	reqMu sync.Mutex // Pairs each request with its reply
}

// Connect establishes a TLS-encrypted connection to the push server and
// authenticates as actorID. If ARCHIVIST_DISABLE_TLS is set to "true", it
// falls back to plain TCP.
func Connect(addr, actorID string) (*Client, error) {
	c := &Client{
		addr:    addr,
		actor:   actorID,
		logger:  hclog.Default().Named("archivist-sdk"),
		events:  make(chan schema.Event, 64),
		replies: make(chan string, 1),
		done:    make(chan struct{}),
	}
	conn, reader, err := c.dialRetry()
	if err != nil {
		return nil, err
	}
	c.conn = conn

	go c.readLoop(reader)
	go c.keepAlive()
	return c, nil
}

func (c *Client) dial() (net.Conn, *bufio.Reader, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	var conn net.Conn
	var err error
	if os.Getenv("ARCHIVIST_DISABLE_TLS") == "true" {
		conn, err = dialer.Dial("tcp", c.addr)
	} else {
		config := &tls.Config{
			InsecureSkipVerify: true, // We use self-signed certs for internal traffic
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	}
	if err != nil {
		return nil, nil, err
	}

	reader := bufio.NewReader(conn)
	conn.SetDeadline(time.Now().Add(replyTimeout))
	if _, err := fmt.Fprintf(conn, "AUTH %s\n", c.actor); err != nil {
		conn.Close()
		return nil, nil, err
	}
	resp, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if resp = strings.TrimSpace(resp); resp != "OK" {
		conn.Close()
		return nil, nil, fmt.Errorf("auth rejected: %s", strings.TrimPrefix(resp, "ERR "))
	}
	conn.SetDeadline(time.Time{})
	return conn, reader, nil
}

// dialRetry tries up to dialAttempts times with a growing backoff.
func (c *Client) dialRetry() (net.Conn, *bufio.Reader, error) {
	var err error
	for i := 0; i < dialAttempts; i++ {
		var conn net.Conn
		var reader *bufio.Reader
		if conn, reader, err = c.dial(); err == nil {
			return conn, reader, nil
		}
		c.logger.Warn("connect attempt failed", "attempt", i+1, "addr", c.addr, "error", err)

		select {
		case <-c.done:
			return nil, nil, ErrClientClosed
		case <-time.After(time.Duration((i+1)*200) * time.Millisecond):
		}
	}
	return nil, nil, fmt.Errorf("failed after %d attempts. last error: %w", dialAttempts, err)
}

func (c *Client) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readLoop owns the reader: events go to Next, everything else answers the
// pending request.
func (c *Client) readLoop(reader *bufio.Reader) {
	defer close(c.events)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if c.closed() {
				return
			}
			c.logger.Warn("push connection lost, reconnecting", "actor", c.actor, "error", err)
			conn, r, derr := c.dialRetry()
			c.mu.Lock()
			if derr != nil {
				c.err = derr
				c.mu.Unlock()
				return
			}
			if c.closed() {
				conn.Close()
				c.mu.Unlock()
				return
			}
			c.conn.Close()
			c.conn = conn
			c.mu.Unlock()
			reader = r
			continue
		}

		line = strings.TrimSpace(line)
		if payload, ok := strings.CutPrefix(line, "EVENT "); ok {
			var ev schema.Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				c.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
			continue
		}

		select {
		case c.replies <- line:
		default:
			c.logger.Debug("unsolicited reply", "line", line)
		}
	}
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(keepAliveTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.logger.Debug("keep-alive ping failed", "error", err)
			}
		}
	}
}

// request sends one command and waits for its reply.
func (c *Client) request(cmd string) (string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.closed() {
		return "", ErrClientClosed
	}
	conn := c.current()
	conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	if _, err := fmt.Fprint(conn, cmd+"\n"); err != nil {
		return "", err
	}

	select {
	case resp := <-c.replies:
		if strings.HasPrefix(resp, "ERR") {
			return "", fmt.Errorf("%s", strings.TrimPrefix(resp, "ERR "))
		}
		return resp, nil
	case <-c.done:
		return "", ErrClientClosed
	case <-time.After(replyTimeout):
		return "", fmt.Errorf("%s: no reply after %s", cmd, replyTimeout)
	}
}

// Ping checks the connection.
func (c *Client) Ping() error {
	resp, err := c.request("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected reply %q", resp)
	}
	return nil
}

// Next blocks until the next event arrives, ctx is done or the client stops.
func (c *Client) Next(ctx context.Context) (schema.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.err != nil {
				return schema.Event{}, fmt.Errorf("%w: %w", ErrClientClosed, c.err)
			}
			return schema.Event{}, ErrClientClosed
		}
		return ev, nil
	case <-ctx.Done():
		return schema.Event{}, ctx.Err()
	}
}

// Close says goodbye to the server and releases the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		defer c.mu.Unlock()
		fmt.Fprintln(c.conn, "QUIT")
		err = c.conn.Close()
	})
	return err
}
