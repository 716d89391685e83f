package dcc

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SendOptions tunes an outbound transfer
type SendOptions struct {
	// ResumeOffset skips that many bytes of the file
	ResumeOffset int64
}

// Send offers the file at path to peer. It listens for the peer's
// connection and returns the Pending transfer; the caller announces it
// (see Offer). ctx bounds the whole transfer, not just the call.
func (m *Manager) Send(ctx context.Context, peer, path string, opts ...SendOptions) (Transfer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Transfer{}, fmt.Errorf("dcc: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Transfer{}, fmt.Errorf("dcc: %w", err)
	}
	if info.IsDir() {
		return Transfer{}, fmt.Errorf("dcc: %s is a directory", abs)
	}

	var offset int64
	if len(opts) > 0 {
		offset = opts[0].ResumeOffset
	}
	if offset < 0 || offset > info.Size() {
		return Transfer{}, fmt.Errorf("dcc: resume offset %d outside file of %d bytes", offset, info.Size())
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(m.listenHost, "0"))
	if err != nil {
		return Transfer{}, fmt.Errorf("dcc: listen: %w", err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)

	k, taskCtx := m.newTask(ctx, Transfer{
		Peer:         peer,
		FileName:     filepath.Base(abs),
		Path:         abs,
		Size:         info.Size(),
		Direction:    Send,
		Address:      m.advertisedAddress(tcpAddr),
		Port:         tcpAddr.Port,
		ResumeOffset: offset,
	})

	t := k.snapshot()
	m.wg.Add(1)
	go m.runSend(taskCtx, k, ln)

	return t, nil
}

func (m *Manager) advertisedAddress(addr *net.TCPAddr) string {
	m.mu.RLock()
	external := m.externalIP
	m.mu.RUnlock()

	if external != "" {
		return external
	}
	if addr.IP == nil || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func (m *Manager) runSend(ctx context.Context, k *task, ln net.Listener) {
	defer m.wg.Done()

	m.transition(k, Connecting, nil)

	conn, err := m.accept(ctx, ln)
	if err != nil {
		m.fail(ctx, k, err)
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	t := k.snapshot()
	file, err := os.Open(t.Path)
	if err != nil {
		m.fail(ctx, k, fmt.Errorf("dcc: open: %w", err))
		return
	}
	defer file.Close()

	if t.ResumeOffset > 0 {
		if _, err := file.Seek(t.ResumeOffset, io.SeekStart); err != nil {
			m.fail(ctx, k, fmt.Errorf("dcc: seek: %w", err))
			return
		}
	}

	if !m.transition(k, InProgress, nil) {
		return
	}

	// The receiver acknowledges every chunk; keep its writes flowing so
	// neither side blocks on a full socket buffer.
	acks := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, conn)
		acks <- err
	}()

	sent := t.ResumeOffset
	buf := make([]byte, m.chunkSize)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				m.fail(ctx, k, fmt.Errorf("dcc: write: %w", err))
				return
			}
			sent += int64(n)
			m.advance(k, n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			m.fail(ctx, k, fmt.Errorf("dcc: read %s: %w", t.Path, rerr))
			return
		}
	}

	// Half-close so the peer sees EOF, then let it finish acknowledging
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	<-acks

	if ctx.Err() != nil {
		m.transition(k, Cancelled, ErrCancelled)
		return
	}
	if sent != t.Size {
		m.transition(k, Failed, fmt.Errorf("%w: sent %d of %d bytes", ErrIncomplete, sent, t.Size))
		return
	}
	m.transition(k, Completed, nil)
}

// accept waits for exactly one peer connection. The listener is always
// closed on return.
func (m *Manager) accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(m.acceptTimeout))
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("dcc: no connection on port %s: %w", portOf(ln), err)
	}
	return conn, nil
}

func portOf(ln net.Listener) string {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return strconv.Itoa(addr.Port)
	}
	return ln.Addr().String()
}
