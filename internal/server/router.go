// Package server implements the push channel: actors keep a TCP (optionally
// TLS) connection open, authenticate with their actor id and receive the
// events the client vault publishes for them.
//
// The protocol is line based:
//
//	AUTH <actorId>   -> OK
//	PING             -> PONG
//	QUIT             closes the connection
//	EVENT <json>     sent by the server, one schema.Event per line
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/celerix-dev/archivist/pkg/schema"
)

const (
	maxConnections = 100
	idleTimeout    = 30 * time.Second
	writeTimeout   = 5 * time.Second
)

// Router accepts push connections and delivers events to them.
type Router struct {
	logger hclog.Logger
	cert   *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	stopped  bool
}

type session struct {
	conn net.Conn

	// writeMu serializes writes to conn; mu only guards actor so lookups
	// never wait on a slow write.
	writeMu sync.Mutex
	mu      sync.Mutex
	actor   string
}

func (s *session) actorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

func (s *session) send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := fmt.Fprintln(s.conn, line)
	return err
}

func NewRouter(logger hclog.Logger) *Router {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Router{logger: logger.Named("push"), sessions: make(map[*session]struct{})}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Listen starts the TCP server and blocks until Stop is called.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return listener.Close()
	}
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	r.logger.Info("push server listening", "addr", listener.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, maxConnections)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Addr returns the listening address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener and every open session.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for s := range r.sessions {
		s.conn.Close()
	}
	if r.listener == nil {
		return nil
	}
	err := r.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Connected reports whether actorID has an authenticated session.
func (r *Router) Connected(actorID string) bool {
	return len(r.targets(schema.Actors(actorID))) > 0
}

func (r *Router) track(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.sessions[s] = struct{}{}
	return true
}

func (r *Router) untrack(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

// targets returns the authenticated sessions the shard admits.
func (r *Router) targets(shard schema.Shard) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*session
	for s := range r.sessions {
		if actor := s.actorID(); actor != "" && shard.Allows(actor) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) handleConnection(conn net.Conn) {
	s := &session{conn: conn}
	if !r.track(s) {
		return
	}
	defer r.untrack(s)

	reader := bufio.NewReader(conn)
	for {
		// Idle sessions must PING to stay connected.
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if actor := s.actorID(); actor != "" {
				r.logger.Debug("actor disconnected", "actor", actor)
			}
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) < 1 {
			continue
		}

		switch strings.ToUpper(parts[0]) {
		case "AUTH":
			if len(parts) != 2 {
				s.send("ERR usage: AUTH <actorId>")
				continue
			}
			s.mu.Lock()
			s.actor = parts[1]
			s.mu.Unlock()
			r.logger.Debug("actor connected", "actor", parts[1], "remote", conn.RemoteAddr().String())
			s.send("OK")

		case "PING":
			s.send("PONG")

		case "QUIT":
			return

		default:
			s.send("ERR unknown command")
		}
	}
}

// Publish delivers ev to every session the shard admits. Actors without a
// session are skipped. A session that cannot be written to is closed and
// reported in the returned error.
func (r *Router) Publish(ctx context.Context, shard schema.Shard, ev schema.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line := "EVENT " + string(payload)

	targets := r.targets(shard)
	if len(targets) == 0 {
		r.logger.Debug("no session for event", "kind", ev.Kind, "key", ev.Key.String())
		return nil
	}

	var result *multierror.Error
	for _, s := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.send(line); err != nil {
			actor := s.actorID()
			r.logger.Warn("dropping session after failed delivery", "actor", actor, "error", err)
			s.conn.Close()
			result = multierror.Append(result, fmt.Errorf("deliver to %q: %w", actor, err))
		}
	}
	return result.ErrorOrNil()
}
