package dcc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ReceiveRequest describes an accepted inbound offer
type ReceiveRequest struct {
	Peer     string
	FileName string
	Address  string
	Port     int

	// Size 0 means the size is unknown and the file ends at EOF
	Size int64

	// ResumeOffset appends to an existing partial file of that length
	ResumeOffset int64
}

// Receive connects to the offering peer and writes the file into the
// download directory. The returned transfer is Pending; progress is
// reported through the Manager's registries. ctx bounds the whole transfer.
func (m *Manager) Receive(ctx context.Context, req ReceiveRequest) (Transfer, error) {
	if req.Address == "" || req.Port <= 0 || req.Port > 65535 {
		return Transfer{}, fmt.Errorf("dcc: invalid peer address %s:%d", req.Address, req.Port)
	}
	if req.Size < 0 || req.ResumeOffset < 0 || (req.Size > 0 && req.ResumeOffset > req.Size) {
		return Transfer{}, fmt.Errorf("dcc: invalid size %d or resume offset %d", req.Size, req.ResumeOffset)
	}

	name := SanitizeFileName(req.FileName)
	if name == "" {
		return Transfer{}, fmt.Errorf("dcc: invalid file name %q", req.FileName)
	}

	if err := os.MkdirAll(m.downloadDir, 0o755); err != nil {
		return Transfer{}, fmt.Errorf("dcc: download dir: %w", err)
	}

	var path string
	if req.ResumeOffset > 0 {
		path = filepath.Join(m.downloadDir, name)
		info, err := os.Stat(path)
		if err != nil {
			return Transfer{}, fmt.Errorf("dcc: resume: %w", err)
		}
		if info.Size() != req.ResumeOffset {
			return Transfer{}, fmt.Errorf("dcc: resume offset %d does not match partial file of %d bytes", req.ResumeOffset, info.Size())
		}
	} else {
		var err error
		if path, err = reservePath(m.downloadDir, name); err != nil {
			return Transfer{}, err
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	k, taskCtx := m.newTask(ctx, Transfer{
		Peer:         req.Peer,
		FileName:     filepath.Base(abs),
		Path:         abs,
		Size:         req.Size,
		Direction:    Receive,
		Address:      req.Address,
		Port:         req.Port,
		ResumeOffset: req.ResumeOffset,
	})

	t := k.snapshot()
	m.wg.Add(1)
	go m.runReceive(taskCtx, k)

	return t, nil
}

func (m *Manager) runReceive(ctx context.Context, k *task) {
	defer m.wg.Done()

	m.transition(k, Connecting, nil)
	t := k.snapshot()

	dialer := &net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.Address, strconv.Itoa(t.Port)))
	if err != nil {
		m.fail(ctx, k, fmt.Errorf("dcc: connect: %w", err))
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	flags := os.O_WRONLY | os.O_CREATE
	if t.ResumeOffset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(t.Path, flags, 0o644)
	if err != nil {
		m.fail(ctx, k, fmt.Errorf("dcc: create: %w", err))
		return
	}
	defer file.Close()

	if !m.transition(k, InProgress, nil) {
		return
	}

	received := t.ResumeOffset
	buf := make([]byte, m.chunkSize)
	ack := make([]byte, 4)
	for t.Size == 0 || received < t.Size {
		chunk := buf
		if t.Size > 0 && t.Size-received < int64(len(chunk)) {
			chunk = chunk[:t.Size-received]
		}

		n, rerr := conn.Read(chunk)
		if n > 0 {
			if _, err := file.Write(chunk[:n]); err != nil {
				m.fail(ctx, k, fmt.Errorf("dcc: write %s: %w", t.Path, err))
				return
			}
			received += int64(n)

			// Acknowledgements carry the low 32 bits of the running total
			binary.BigEndian.PutUint32(ack, uint32(received))
			if _, err := conn.Write(ack); err != nil && (t.Size == 0 || received < t.Size) {
				m.fail(ctx, k, fmt.Errorf("dcc: acknowledge: %w", err))
				return
			}
			m.advance(k, n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) && (t.Size == 0 || received >= t.Size) {
				break
			}
			if errors.Is(rerr, io.EOF) {
				rerr = ErrIncomplete
			}
			m.fail(ctx, k, fmt.Errorf("dcc: received %d of %d bytes: %w", received, t.Size, rerr))
			return
		}
	}

	if err := file.Close(); err != nil {
		m.fail(ctx, k, fmt.Errorf("dcc: close %s: %w", t.Path, err))
		return
	}
	m.transition(k, Completed, nil)
}

// SanitizeFileName keeps only the base name of an offered file, so a
// peer cannot write outside the download directory.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

// reservePath creates an empty file for name in dir, choosing
// "name (n).ext" when the name is taken.
func reservePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("dcc: create %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("dcc: no free file name for %s", name)
}
