// Package telnet serves a plain-text snapshot feed for terminal clients.
//
// Purpose: mirror the WebSocket stream over telnet so operators can watch
// server status with nothing but a terminal.
// Key aspects: each session is a hub subscriber; snapshots render as a
// text table and pings as a bare CRLF keepalive.
// Upstream: hub.Loop (greeting plus registry).
// Downstream: ziutek/telnet connection wrapper.
package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	ztelnet "github.com/ziutek/telnet"

	"github.com/bnt0p/st-poor-webpanel/hub"
)

const (
	defaultSendDeadline = 2 * time.Second
	greetTimeout        = 10 * time.Second
	banner              = "st-poor-webpanel status feed. Type QUIT to disconnect.\r\n"
)

var errSessionClosed = errors.New("telnet: session closed")

// Server accepts telnet clients and registers them with the hub.
type Server struct {
	port           int
	maxConnections int
	loop           *hub.Loop

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer builds a feed server on port. maxConnections<=0 means unlimited.
func NewServer(port, maxConnections int, loop *hub.Loop) *Server {
	return &Server{
		port:           port,
		maxConnections: maxConnections,
		loop:           loop,
		sessions:       make(map[*session]struct{}),
	}
}

// Run listens until ctx is cancelled, then disconnects every session.
func (s *Server) Run(ctx context.Context) error {
	ln, err := listenWithReuse(fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("telnet: listen on port %d: %w", s.port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s == nil || s.loop == nil {
		return errors.New("telnet: server not configured")
	}
	log.Printf("Telnet: feed listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("telnet: accept: %w", err)
		}

		if s.maxConnections > 0 && s.Count() >= s.maxConnections {
			_ = conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline))
			_, _ = conn.Write([]byte("Server full. Try again later.\r\n"))
			conn.Close()
			log.Printf("Telnet: rejected %s: max connections reached (%d)", conn.RemoteAddr(), s.maxConnections)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(2 * time.Minute)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(ctx, conn)
		}()
	}
}

// Count returns the number of connected sessions.
func (s *Server) Count() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(sess *session, add bool) {
	s.mu.Lock()
	if add {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
}

func (s *Server) handleClient(ctx context.Context, conn net.Conn) {
	address := conn.RemoteAddr().String()
	tconn, err := ztelnet.NewConn(conn)
	if err != nil {
		log.Printf("Telnet: failed to wrap connection from %s: %v", address, err)
		conn.Close()
		return
	}
	sess := &session{raw: conn, conn: tconn}
	s.track(sess, true)
	defer s.track(sess, false)
	defer sess.Close()

	if err := sess.writeRaw(banner); err != nil {
		return
	}
	greetCtx, cancel := context.WithTimeout(ctx, greetTimeout)
	err = s.loop.Greet(greetCtx, sess)
	cancel()
	if err != nil {
		log.Printf("Telnet: greet %s failed: %v", address, err)
		return
	}

	registry := s.loop.Registry()
	registry.Add(sess)
	defer registry.Remove(sess)
	log.Printf("Telnet: %s connected (%d sessions)", address, s.Count())

	reader := bufio.NewReader(tconn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Telnet: %s read: %v", address, err)
			}
			return
		}
		switch strings.ToUpper(strings.TrimSpace(line)) {
		case "QUIT", "BYE", "EXIT":
			_ = sess.writeRaw("73\r\n")
			return
		case "":
			// Blank lines are client keepalives.
			if err := sess.writeRaw("\r\n"); err != nil {
				return
			}
		}
	}
}

// session is one telnet client; it implements hub.Subscriber.
type session struct {
	raw    net.Conn
	conn   *ztelnet.Conn
	mu     sync.Mutex
	closed bool
}

func (c *session) Deliver(msg hub.Message) error {
	switch msg.Kind {
	case hub.KindPing:
		return c.writeRaw("\r\n")
	case hub.KindSnapshot:
		return c.writeRaw(renderSnapshot(msg.Snapshot))
	default:
		return nil
	}
}

func (c *session) writeRaw(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSessionClosed
	}
	if err := c.raw.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
		return err
	}
	defer c.raw.SetWriteDeadline(time.Time{})
	_, err := io.WriteString(c.conn, text)
	return err
}

func (c *session) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.raw.Close()
}

// listenWithReuse enables SO_REUSEADDR so the feed can rebind quickly after
// a restart. It falls back to a plain Listen if the control call fails.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return ln, nil
}
