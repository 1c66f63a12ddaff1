package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"firestige.xyz/pcap4mcast/internal/log"
)

// Reply answers one command line on the control socket. Each reply is a
// single JSON object terminated by a newline.
type Reply struct {
	Text  string `json:"text,omitempty"`  // console rendering of the result
	Error string `json:"error,omitempty"` // set on failure
}

// Server serves the operator command lines of ParseLine on a Unix socket,
// so a remote operator gets the same commands as the console.
type Server struct {
	path    string
	handler *CommandHandler
	logger  log.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     conc.WaitGroup
}

func NewServer(path string, h *CommandHandler) *Server {
	return &Server{
		path:    path,
		handler: h,
		logger:  log.GetLogger().WithField("socket", path),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket with owner-only permissions, replacing a socket
// file left behind by an earlier process.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on socket %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("control socket listening")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on socket %s: %w", s.path, err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Go(func() { s.serveConn(ctx, conn) })
		s.mu.Unlock()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := enc.Encode(s.exec(ctx, strconv.Itoa(n), line)); err != nil {
			s.logger.WithError(err).Warn("control reply failed")
			return
		}
	}
}

func (s *Server) exec(ctx context.Context, id, line string) Reply {
	s.logger.WithField("line", line).Debug("control command")
	cmd, ok := ParseLine(line)
	if !ok {
		return Reply{Error: "Unknown command: " + line}
	}
	cmd.ID = id
	resp := s.handler.Handle(ctx, cmd)
	if resp.Error != nil {
		return Reply{Error: resp.Error.Message}
	}
	return Reply{Text: Render(cmd.Method, resp)}
}

// Close stops accepting, drops open connections, waits for their handlers
// and removes the socket file. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, rmErr)
	}
	s.logger.Info("control socket closed")
	return err
}

// Client sends operator command lines to a Server.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{path: path, timeout: timeout}
}

// Exec sends one command line, e.g. "p" or "log 1", and returns the text
// the console would have printed for it.
func (c *Client) Exec(ctx context.Context, line string) (string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("command %q spans more than one line", line)
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return "", fmt.Errorf("connect to socket %s: %w", c.path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.Text, nil
}
