// Package dcc implements DCC SEND file transfers: offers negotiated over
// CTCP, and the direct peer connections that move the bytes.
package dcc

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("dcc: transfer not found")
	ErrFinished   = errors.New("dcc: transfer already finished")
	ErrActive     = errors.New("dcc: transfer still active")
	ErrIncomplete = errors.New("incomplete transfer")
	ErrCancelled  = errors.New("dcc: transfer cancelled")
)

// Status is the lifecycle stage of a transfer. Transitions only move
// forward; the last three are terminal.
type Status int

const (
	Pending Status = iota
	Connecting
	InProgress
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Connecting:
		return "connecting"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s >= Completed
}

// Direction tells whether we are the sending or receiving side
type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}

// Transfer is a snapshot of one file exchange
type Transfer struct {
	ID           string    `json:"id"`
	Peer         string    `json:"peer"`
	FileName     string    `json:"file_name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Transferred  int64     `json:"transferred"`
	Direction    Direction `json:"direction"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	ResumeOffset int64     `json:"resume_offset,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Percent returns progress in the range 0..100, or 0 when the size is unknown
func (t Transfer) Percent() float64 {
	if t.Size <= 0 {
		return 0
	}
	return float64(t.Transferred) * 100 / float64(t.Size)
}

// Progress is published after every chunk
type Progress struct {
	ID          string
	Transferred int64
	Size        int64
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for v := Pending; v <= Cancelled; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return errors.New("dcc: unknown status " + string(text))
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "send":
		*d = Send
	case "receive":
		*d = Receive
	default:
		return errors.New("dcc: unknown direction " + string(text))
	}
	return nil
}
