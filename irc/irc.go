/*
Package irc implements the client side of the Internet Relay Chat protocol
(RFC 1459 / RFC 2812): the line codec, a connection engine that registers
with a server and streams decoded messages to subscribers, CTCP framing and
an RFC 1413 ident responder.

# Features

## Message Codec

- Parsing of prefix, command and parameters, including the trailing parameter
- Encoding with automatic trailing-parameter selection
- Hostmask helpers and message classifiers (PRIVMSG, NOTICE, JOIN, numerics)
- CTCP framing for ACTION, VERSION and DCC requests

## Connection Engine

- Plain TCP and TLS connections
- PASS, NICK and USER registration, with nickname retry on 433
- Automatic PONG replies and optional client keep-alive PINGs
- Serialised writes, so concurrent senders never interleave lines
- Ident responder started alongside the session when configured

# Events

Every decoded line is published on Client.Events.Message from the receive
loop, one at a time and in arrival order. Connection state changes go to
Events.Status and I/O failures to Events.Error.

# Usage

	c := irc.New(irc.WithKeepalive(2 * time.Minute))
	c.Events.Message.Subscribe(func(m *irc.Message) {
	    log.Printf("%s <%s> %s", m.Target(), m.Sender(), m.Content())
	})

	err := c.Connect(ctx, irc.ConnectParams{
	    Host: "irc.libera.chat",
	    Port: 6697,
	    SSL:  true,
	    Nick: "gopher",
	})
	if err != nil {
	    log.Fatalf("Failed to connect: %v", err)
	}
	c.JoinChannel("go-nuts")
*/
package irc
