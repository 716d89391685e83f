package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/girc"
	"github.com/presbrey/ircdcc/metrics"
)

var (
	ErrAlreadyConnected = errors.New("irc: already connected")
	ErrNotConnected     = errors.New("irc: not connected")
	ErrInvalidChannel   = errors.New("irc: invalid channel name")
)

const maxNickRetries = 3

// ConnectParams are the values needed to open and register a session
type ConnectParams struct {
	Host     string
	Port     int
	Nick     string
	User     string
	RealName string
	Password string
	SSL      bool

	// The ident responder is started only when IdentPort is non-zero
	IdentHost string
	IdentPort int
}

func (p ConnectParams) address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Option configures a Client
type Option func(*Client)

// WithDialTimeout bounds the TCP (and TLS) connect
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithKeepalive sends PING to the server every interval; zero disables it
func WithKeepalive(interval time.Duration) Option {
	return func(c *Client) { c.keepalive = interval }
}

// WithDebug logs every line sent and received
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// WithTLSConfig overrides the TLS settings used when SSL is requested
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// Client is a single IRC session. It is safe for concurrent use.
type Client struct {
	mu     sync.RWMutex
	state  State
	params ConnectParams
	nick   string
	server string
	sess   *session

	Events *Events

	dialTimeout time.Duration
	keepalive   time.Duration
	debug       bool
	tlsConfig   *tls.Config
}

// session holds the resources of one connection attempt
type session struct {
	conn      net.Conn
	writer    *bufio.Writer
	writeLock sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	ident     *IdentServer
	wg        sync.WaitGroup

	// Touched only by the receive loop
	welcomed    bool
	nickRetries int
}

// New creates a disconnected client
func New(opts ...Option) *Client {
	c := &Client{
		Events:      NewEvents(),
		dialTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is registered with a server
func (c *Client) IsConnected() bool {
	return c.State() == Registered
}

// Nick returns the nickname currently assigned by the server
func (c *Client) Nick() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nick
}

// Server returns host:port of the current or last server
func (c *Client) Server() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.params.Host == "" {
		return ""
	}
	return c.params.address()
}

// ServerName returns the name the server announced in its welcome
func (c *Client) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// LocalAddr returns the local end of the server connection, or nil when
// disconnected
func (c *Client) LocalAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.conn.LocalAddr()
}

func (c *Client) setState(state State) {
	c.state = state
	metrics.ConnectionState.Set(float64(state))
}

func (c *Client) publishStatus(reason string) {
	c.mu.RLock()
	ev := StatusEvent{State: c.state, Nick: c.nick, Reason: reason}
	if c.params.Host != "" {
		ev.Server = c.params.address()
	}
	c.mu.RUnlock()

	c.Events.Status.Publish(ev)
}

// Connect opens the connection, registers with NICK and USER and starts
// the receive loop. On failure no loop is started and the client is left
// disconnected.
func (c *Client) Connect(ctx context.Context, p ConnectParams) error {
	if p.Host == "" {
		return errors.New("irc: host is required")
	}
	if p.Nick == "" {
		return errors.New("irc: nick is required")
	}
	if p.Port == 0 {
		p.Port = 6667
	}
	if p.User == "" {
		p.User = p.Nick
	}
	if p.RealName == "" {
		p.RealName = p.Nick
	}

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.setState(Connecting)
	c.params = p
	c.nick = p.Nick
	c.server = ""
	c.mu.Unlock()
	c.publishStatus("connecting")

	s, err := c.open(ctx, p)
	if err != nil {
		c.mu.Lock()
		c.setState(Disconnected)
		c.mu.Unlock()
		c.publishStatus(err.Error())
		return err
	}

	c.mu.Lock()
	if c.state != Connecting {
		// Disconnect was called while we were dialing
		c.mu.Unlock()
		s.close()
		return ErrNotConnected
	}
	c.sess = s
	c.setState(Registered)
	c.mu.Unlock()

	s.wg.Add(1)
	go c.readLoop(s)
	if c.keepalive > 0 {
		s.wg.Add(1)
		go c.keepaliveLoop(s, c.keepalive)
	}

	log.Printf("[%s] *** Connected as %s", p.address(), p.Nick)
	c.publishStatus("registered")
	return nil
}

// open dials, starts ident and sends the registration lines
func (c *Client) open(ctx context.Context, p ConnectParams) (*session, error) {
	addr := p.address()

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("irc: connect %s: %w", addr, err)
	}

	if p.SSL {
		cfg := c.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: p.Host}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("irc: tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	s := &session{
		conn:   conn,
		writer: bufio.NewWriter(conn),
		done:   make(chan struct{}),
	}

	if p.IdentPort > 0 {
		identAddr := net.JoinHostPort(p.IdentHost, strconv.Itoa(p.IdentPort))
		ident, err := ListenIdent(identAddr, p.User, func(err error) {
			c.Events.Error.Publish(err)
		})
		if err != nil {
			// Ident is optional; the session carries on without it
			log.Printf("[%s] Ident responder unavailable: %v", addr, err)
			c.Events.Error.Publish(err)
		} else {
			s.ident = ident
		}
	}

	var lines []string
	if p.Password != "" {
		lines = append(lines, Encode(girc.PASS, p.Password))
	}
	lines = append(lines,
		Encode(girc.NICK, p.Nick),
		girc.USER+" "+p.User+" 0 * :"+p.RealName,
	)
	for _, line := range lines {
		if err := c.write(s, line); err != nil {
			s.close()
			return nil, fmt.Errorf("irc: register with %s: %w", addr, err)
		}
	}

	return s, nil
}

// Disconnect sends QUIT, closes the connection and waits for the receive
// loop to exit. It must not be called from a message subscriber.
func (c *Client) Disconnect(reason string) error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.setState(Disconnected)
	c.mu.Unlock()

	if s != nil {
		// Courtesy only; the connection may already be broken
		s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.write(s, girc.QUIT+" :"+reason); err != nil && c.debug {
			log.Printf("[%s] QUIT not delivered: %v", c.Server(), err)
		}
		s.close()
		s.wg.Wait()
		log.Printf("[%s] *** Disconnected: %s", c.Server(), reason)
	}

	c.publishStatus(reason)
	return nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		if s.ident != nil {
			s.ident.Close()
		}
	})
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// fail tears down a session after an unexpected I/O error
func (c *Client) fail(s *session, err error) {
	log.Printf("[%s] Connection lost: %v", c.Server(), err)
	c.Events.Error.Publish(err)

	c.mu.Lock()
	current := c.sess == s
	if current {
		c.sess = nil
		c.setState(Disconnected)
	}
	c.mu.Unlock()

	s.close()
	if current {
		c.publishStatus(err.Error())
	}
}

// readLoop delivers every decoded line to subscribers before reading the next
func (c *Client) readLoop(s *session) {
	defer s.wg.Done()

	reader := textproto.NewReader(bufio.NewReader(s.conn))
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if s.closing() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.fail(s, fmt.Errorf("irc: read from %s: %w", c.Server(), err))
			return
		}

		if line == "" {
			continue
		}

		if c.debug {
			log.Printf("[%s] <= %#v", c.Server(), line)
		}

		msg := ParseMessage(line)
		if msg == nil {
			metrics.LinesDropped.Inc()
			if c.debug {
				log.Printf("[%s] Dropped malformed line %q", c.Server(), line)
			}
			continue
		}
		msg.Time = time.Now()
		metrics.LinesReceived.Inc()

		c.handleInternal(s, msg)
		c.Events.Message.Publish(msg)
	}
}

// handleInternal reacts to the messages the engine itself owns
func (c *Client) handleInternal(s *session, msg *Message) {
	switch msg.Command {
	case girc.PING:
		c.write(s, Encode(girc.PONG, msg.Params...))

	case girc.RPL_WELCOME:
		s.welcomed = true
		c.mu.Lock()
		if nick := msg.Target(); nick != "" {
			c.nick = nick
		}
		c.server = msg.Prefix
		c.mu.Unlock()

	case girc.ERR_NICKNAMEINUSE:
		if s.welcomed || s.nickRetries >= maxNickRetries {
			return
		}
		s.nickRetries++
		c.mu.Lock()
		c.nick += "_"
		nick := c.nick
		c.mu.Unlock()
		c.write(s, Encode(girc.NICK, nick))

	case girc.NICK:
		c.mu.Lock()
		if strings.EqualFold(msg.Sender(), c.nick) && len(msg.Params) > 0 {
			c.nick = msg.Params[0]
		}
		c.mu.Unlock()
	}
}

func (c *Client) keepaliveLoop(s *session, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			token := c.ServerName()
			if token == "" {
				token = strconv.FormatInt(time.Now().Unix(), 10)
			}
			c.write(s, Encode(girc.PING, token))
		}
	}
}

// write sends one line. Writes are serialised so lines never interleave.
func (c *Client) write(s *session, line string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if c.debug {
		log.Printf("[%s] => %s", c.Server(), line)
	}

	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	metrics.LinesSent.Inc()
	return nil
}

// SendCommand writes a raw protocol line. It is a no-op when not connected.
// Anything after an embedded CR or LF is discarded.
func (c *Client) SendCommand(raw string) error {
	c.mu.RLock()
	s := c.sess
	state := c.state
	c.mu.RUnlock()

	if s == nil || state != Registered {
		return nil
	}

	if i := strings.IndexAny(raw, "\r\n"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return nil
	}

	if err := c.write(s, raw); err != nil {
		return fmt.Errorf("irc: write: %w", err)
	}
	return nil
}

// Send encodes and writes a command
func (c *Client) Send(command string, params ...string) error {
	return c.SendCommand(Encode(command, params...))
}

// SendMessage sends a PRIVMSG
func (c *Client) SendMessage(target, text string) error {
	return c.SendCommand(girc.PRIVMSG + " " + target + " :" + text)
}

// SendNotice sends a NOTICE
func (c *Client) SendNotice(target, text string) error {
	return c.SendCommand(girc.NOTICE + " " + target + " :" + text)
}

// SendCTCP sends a CTCP request
func (c *Client) SendCTCP(target, command, text string) error {
	return c.SendMessage(target, CTCP(command, text))
}

// SendCTCPReply sends a CTCP reply
func (c *Client) SendCTCPReply(target, command, text string) error {
	return c.SendNotice(target, CTCP(command, text))
}

// SendAction sends a /me action
func (c *Client) SendAction(target, text string) error {
	return c.SendCTCP(target, girc.CTCP_ACTION, text)
}

// NormalizeChannel prefixes name with # unless it already carries a
// channel prefix.
func NormalizeChannel(name string) string {
	if name == "" || IsChannelName(name) {
		return name
	}
	return "#" + name
}

// JoinChannel joins a channel, optionally with a key
func (c *Client) JoinChannel(name string, key ...string) error {
	name = NormalizeChannel(strings.TrimSpace(name))
	if name == "" {
		return ErrInvalidChannel
	}
	if len(key) > 0 && key[0] != "" {
		return c.SendCommand(girc.JOIN + " " + name + " " + key[0])
	}
	return c.SendCommand(girc.JOIN + " " + name)
}

// LeaveChannel parts a channel with an optional reason
func (c *Client) LeaveChannel(name string, reason ...string) error {
	name = NormalizeChannel(strings.TrimSpace(name))
	if name == "" {
		return ErrInvalidChannel
	}
	if len(reason) > 0 && reason[0] != "" {
		return c.SendCommand(girc.PART + " " + name + " :" + reason[0])
	}
	return c.SendCommand(girc.PART + " " + name)
}

// SetNick requests a nickname change
func (c *Client) SetNick(nick string) error {
	return c.Send(girc.NICK, nick)
}

// Mode sends a MODE change; the mode string is passed through untouched
func (c *Client) Mode(target, modes string, args ...string) error {
	line := girc.MODE + " " + target
	if modes != "" {
		line += " " + modes
	}
	for _, arg := range args {
		line += " " + arg
	}
	return c.SendCommand(line)
}

// Topic queries the topic, or sets it when topic is given
func (c *Client) Topic(channel string, topic ...string) error {
	if len(topic) > 0 {
		return c.SendCommand(girc.TOPIC + " " + channel + " :" + topic[0])
	}
	return c.SendCommand(girc.TOPIC + " " + channel)
}

// Names requests the member list of the given channels (all when empty)
func (c *Client) Names(channels ...string) error {
	if len(channels) == 0 {
		return c.SendCommand(girc.NAMES)
	}
	return c.SendCommand(girc.NAMES + " " + strings.Join(channels, ","))
}

// List requests the channel list, optionally filtered
func (c *Client) List(filter ...string) error {
	if len(filter) > 0 && filter[0] != "" {
		return c.SendCommand(girc.LIST + " " + filter[0])
	}
	return c.SendCommand(girc.LIST)
}

// Whois queries information about a user
func (c *Client) Whois(nick string) error {
	return c.SendCommand(girc.WHOIS + " " + nick)
}

// Kick removes a user from a channel
func (c *Client) Kick(channel, nick, reason string) error {
	if reason == "" {
		return c.SendCommand(girc.KICK + " " + channel + " " + nick)
	}
	return c.SendCommand(girc.KICK + " " + channel + " " + nick + " :" + reason)
}

// Invite invites a user to a channel
func (c *Client) Invite(nick, channel string) error {
	return c.SendCommand(girc.INVITE + " " + nick + " " + channel)
}

// Away sets an away message, or clears it when message is empty
func (c *Client) Away(message string) error {
	if message == "" {
		return c.SendCommand(girc.AWAY)
	}
	return c.SendCommand(girc.AWAY + " :" + message)
}

// Pong answers a server PING
func (c *Client) Pong(token string) error {
	return c.Send(girc.PONG, token)
}
