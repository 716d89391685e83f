package irc

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const identTimeout = 10 * time.Second

// IdentServer answers RFC 1413 ident queries with a fixed username.
// Errors on individual queries never stop the responder.
type IdentServer struct {
	listener net.Listener
	username string
	onError  func(error)
	wg       sync.WaitGroup
}

// ListenIdent starts an ident responder on addr. onError, when non-nil,
// receives per-connection failures.
func ListenIdent(addr, username string, onError func(error)) (*IdentServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ident: listen %s: %w", addr, err)
	}

	s := &IdentServer{
		listener: ln,
		username: username,
		onError:  onError,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("[ident %s] *** Responding as %s", ln.Addr(), username)
	return s, nil
}

// Addr returns the listening address
func (s *IdentServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and waits for in-flight queries
func (s *IdentServer) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *IdentServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.report(fmt.Errorf("ident: accept: %w", err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.serve(conn); err != nil {
				s.report(err)
			}
		}()
	}
}

func (s *IdentServer) serve(conn net.Conn) error {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(identTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("ident: read from %s: %w", conn.RemoteAddr(), err)
	}

	reply := IdentReply(line, s.username)
	if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
		return fmt.Errorf("ident: write to %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

func (s *IdentServer) report(err error) {
	log.Printf("[ident %s] %v", s.listener.Addr(), err)
	if s.onError != nil {
		s.onError(err)
	}
}

// IdentReply builds the response line for one query of the form
// "<serverport> , <clientport>".
func IdentReply(query, username string) string {
	query = strings.TrimSpace(query)

	serverPort, clientPort, ok := parseIdentQuery(query)
	if !ok {
		return query + " : ERROR : INVALID-PORT"
	}
	return fmt.Sprintf("%d , %d : USERID : UNIX : %s", serverPort, clientPort, username)
}

func parseIdentQuery(query string) (int, int, bool) {
	left, right, found := strings.Cut(query, ",")
	if !found {
		return 0, 0, false
	}

	serverPort, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil || serverPort < 1 || serverPort > 65535 {
		return 0, 0, false
	}
	clientPort, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil || clientPort < 1 || clientPort > 65535 {
		return 0, 0, false
	}
	return serverPort, clientPort, true
}
