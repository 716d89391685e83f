package irc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/girc"
)

// AggregateCommand is the command of a synthetic message that wraps a
// group of correlated replies in Children.
const AggregateCommand = "GROUP"

// Message represents an IRC message
type Message struct {
	Prefix  string
	Command string
	Params  []string

	// Time is when the line was received; zero for locally built messages
	Time time.Time

	// Children holds the wrapped replies of an aggregate message
	Children []*Message
}

// ParseMessage parses one protocol line. A trailing CR/LF is ignored.
// It returns nil for lines that cannot be parsed.
func ParseMessage(line string) *Message {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}

	msg := &Message{
		Params: make([]string, 0),
	}

	if line[0] == ':' {
		parts := strings.SplitN(line[1:], " ", 2)
		if len(parts) < 2 || parts[0] == "" {
			return nil
		}
		msg.Prefix = parts[0]
		line = parts[1]
	}

	line = strings.TrimLeft(line, " ")
	parts := strings.SplitN(line, " ", 2)
	if !isCommand(parts[0]) {
		return nil
	}
	msg.Command = strings.ToUpper(parts[0])

	if len(parts) > 1 {
		rest := parts[1]
		for {
			rest = strings.TrimLeft(rest, " ")
			if rest == "" {
				break
			}

			// Trailing parameter, taken verbatim
			if rest[0] == ':' {
				msg.Params = append(msg.Params, rest[1:])
				break
			}

			param, remaining, found := strings.Cut(rest, " ")
			msg.Params = append(msg.Params, param)
			if !found {
				break
			}
			rest = remaining
		}
	}

	return msg
}

func isCommand(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !((ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9')) {
			return false
		}
	}
	return true
}

// Encode builds a protocol line (without CRLF) from a command and its
// parameters. The final parameter is sent as a trailing parameter when it
// is empty, contains a space or starts with a colon.
func Encode(command string, params ...string) string {
	var sb strings.Builder

	sb.WriteString(command)
	for i, param := range params {
		sb.WriteString(" ")

		if i == len(params)-1 && (param == "" || strings.Contains(param, " ") || strings.HasPrefix(param, ":")) {
			sb.WriteString(":")
		}
		sb.WriteString(param)
	}

	return sb.String()
}

// String returns the wire form of the message, including the prefix
func (m *Message) String() string {
	line := Encode(m.Command, m.Params...)
	if m.Prefix != "" {
		return ":" + m.Prefix + " " + line
	}
	return line
}

// Sender is the nickname (or server name) portion of the prefix
func (m *Message) Sender() string {
	nick, _, _ := ParseHostmask(m.Prefix)
	return nick
}

// User is the username portion of the prefix
func (m *Message) User() string {
	_, user, _ := ParseHostmask(m.Prefix)
	return user
}

// Host is the host portion of the prefix
func (m *Message) Host() string {
	_, _, host := ParseHostmask(m.Prefix)
	return host
}

// Target is the first parameter
func (m *Message) Target() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[0]
}

// Content is the last parameter
func (m *Message) Content() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Param returns the i-th parameter or an empty string
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// IsNumeric reports whether the command is a three-digit reply code
func (m *Message) IsNumeric() bool {
	if len(m.Command) != 3 {
		return false
	}
	for _, ch := range m.Command {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// Numeric returns the reply code, or 0 for non-numeric commands
func (m *Message) Numeric() int {
	if !m.IsNumeric() {
		return 0
	}
	n, _ := strconv.Atoi(m.Command)
	return n
}

func (m *Message) IsPrivateMessage() bool { return m.Command == girc.PRIVMSG }
func (m *Message) IsNotice() bool         { return m.Command == girc.NOTICE }
func (m *Message) IsJoin() bool           { return m.Command == girc.JOIN }
func (m *Message) IsPart() bool           { return m.Command == girc.PART }
func (m *Message) IsQuit() bool           { return m.Command == girc.QUIT }
func (m *Message) IsNick() bool           { return m.Command == girc.NICK }
func (m *Message) IsKick() bool           { return m.Command == girc.KICK }
func (m *Message) IsMode() bool           { return m.Command == girc.MODE }
func (m *Message) IsTopic() bool          { return m.Command == girc.TOPIC }
func (m *Message) IsPing() bool           { return m.Command == girc.PING }
func (m *Message) IsError() bool          { return m.Command == girc.ERROR }
func (m *Message) IsAggregate() bool      { return m.Command == AggregateCommand }

// IsChannelTarget reports whether the first parameter names a channel
func (m *Message) IsChannelTarget() bool {
	return IsChannelName(m.Target())
}

// IsChannelName reports whether name starts with a channel prefix
func IsChannelName(name string) bool {
	return name != "" && strings.ContainsRune("#&+!", rune(name[0]))
}

// ParseHostmask parses a hostmask (nick!user@host)
func ParseHostmask(hostmask string) (nick, user, host string) {
	nick, rest, ok := strings.Cut(hostmask, "!")
	if !ok {
		// nick@host without a user part
		nick, host, _ = strings.Cut(hostmask, "@")
		return
	}
	user, host, _ = strings.Cut(rest, "@")
	return
}

// FormatHostmask formats a hostmask
func FormatHostmask(nick, user, host string) string {
	return fmt.Sprintf("%s!%s@%s", nick, user, host)
}
