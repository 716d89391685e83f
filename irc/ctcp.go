package irc

import (
	"strings"

	"github.com/lrstanley/girc"
)

const ctcpDelim = "\x01"

// CTCP frames a client-to-client request for use as PRIVMSG/NOTICE content
func CTCP(command, text string) string {
	return girc.EncodeCTCPRaw(strings.ToUpper(command), text)
}

// ParseCTCP splits CTCP framed content into its command and text. The
// closing delimiter is optional, as some clients omit it.
func ParseCTCP(content string) (command, text string, ok bool) {
	if len(content) < 2 || !strings.HasPrefix(content, ctcpDelim) {
		return "", "", false
	}

	body := strings.TrimSuffix(content[1:], ctcpDelim)
	if body == "" {
		return "", "", false
	}

	command, text, _ = strings.Cut(body, " ")
	return strings.ToUpper(command), text, true
}

// CTCP returns the CTCP request carried by a PRIVMSG or NOTICE
func (m *Message) CTCP() (command, text string, ok bool) {
	if !m.IsPrivateMessage() && !m.IsNotice() {
		return "", "", false
	}
	return ParseCTCP(m.Content())
}

// IsCTCP reports whether the message carries a CTCP request or reply
func (m *Message) IsCTCP() bool {
	_, _, ok := m.CTCP()
	return ok
}

// IsAction reports whether the message is a /me action
func (m *Message) IsAction() bool {
	command, _, ok := m.CTCP()
	return ok && command == girc.CTCP_ACTION
}
