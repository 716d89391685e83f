// Package command turns slash-command input such as "/join #go" into
// protocol actions on a connection.
package command

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/presbrey/ircdcc/dcc"
	"github.com/presbrey/ircdcc/hooks"
	"github.com/presbrey/ircdcc/irc"
	"github.com/presbrey/ircdcc/metrics"
)

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoTransfers     = errors.New("file transfers are not available")
)

// UsageError reports a command invoked with missing or malformed arguments
type UsageError struct {
	Command string
	Usage   string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

// Conn is the connection the dispatcher drives. *irc.Client satisfies it.
type Conn interface {
	IsConnected() bool
	Nick() string
	SendCommand(raw string) error
	SendMessage(target, text string) error
	SendNotice(target, text string) error
	SendCTCP(target, command, text string) error
	SendAction(target, text string) error
	JoinChannel(name string, key ...string) error
	LeaveChannel(name string, reason ...string) error
	SetNick(nick string) error
	Mode(target, modes string, args ...string) error
	Topic(channel string, topic ...string) error
	Names(channels ...string) error
	List(filter ...string) error
	Whois(nick string) error
	Kick(channel, nick, reason string) error
	Invite(nick, channel string) error
	Away(message string) error
	Disconnect(reason string) error
}

// Transfers backs the /dcc command
type Transfers interface {
	SendFile(nick, path string) (dcc.Transfer, error)
	AcceptOffer(id string) (dcc.Transfer, error)
	CancelTransfer(id string) error
	Transfers() []dcc.Transfer
}

// Executed is published after a command ran successfully
type Executed struct {
	Name    string
	Args    []string
	Channel string
}

// Failure is published when a command could not run
type Failure struct {
	Name    string
	Input   string
	Channel string
	Err     error
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithPrefix changes the command prefix from "/"
func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) { d.prefix = prefix }
}

func WithTransfers(t Transfers) Option {
	return func(d *Dispatcher) { d.transfers = t }
}

func WithBookmarks(b Bookmarks) Option {
	return func(d *Dispatcher) { d.bookmarks = b }
}

// WithVersion sets the text shown by /about
func WithVersion(version string) Option {
	return func(d *Dispatcher) { d.version = version }
}

// Dispatcher parses and runs user commands. Dispatch may be called from
// several goroutines.
type Dispatcher struct {
	conn      Conn
	prefix    string
	transfers Transfers
	bookmarks Bookmarks
	version   string

	CommandExecuted *hooks.Registry[Executed]
	CommandError    *hooks.Registry[Failure]

	// Output carries text produced by local commands (help, lists)
	Output *hooks.Registry[string]

	// Clear asks the UI to clear the given channel's buffer
	Clear *hooks.Registry[string]
}

func New(conn Conn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conn:            conn,
		prefix:          "/",
		bookmarks:       NewMemoryBookmarks(),
		version:         "ircdcc",
		CommandExecuted: hooks.NewRegistry[Executed](),
		CommandError:    hooks.NewRegistry[Failure](),
		Output:          hooks.NewRegistry[string](),
		Clear:           hooks.NewRegistry[string](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bookmarks returns the server bookmark store used by /server
func (d *Dispatcher) Bookmarks() Bookmarks {
	return d.bookmarks
}

// IsCommand reports whether input starts with the command prefix
func (d *Dispatcher) IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), d.prefix)
}

// Dispatch runs one line of input. channel is the caller's current
// channel or query target and may be empty.
//
// Unknown commands return an error wrapping ErrUnknownCommand without
// publishing anything. Every other failure is returned and also published
// on CommandError.
func (d *Dispatcher) Dispatch(input, channel string) (err error) {
	body := strings.TrimSpace(input)
	if !strings.HasPrefix(body, d.prefix) {
		return fmt.Errorf("%w: missing %q prefix", ErrUnknownCommand, d.prefix)
	}
	body = strings.TrimPrefix(body, d.prefix)

	fields := strings.Fields(body)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}

	name := strings.ToLower(fields[0])
	cmd, ok := registry[name]
	if !ok {
		metrics.Commands.WithLabelValues("unknown", "unknown").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	c := &call{
		cmd:     cmd,
		name:    cmd.name,
		alias:   name,
		args:    fields[1:],
		rest:    strings.TrimLeft(strings.TrimPrefix(strings.TrimLeft(body, " \t"), fields[0]), " \t"),
		channel: channel,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[command %s] PANIC: %v", cmd.name, r)
			err = fmt.Errorf("%s: internal error: %v", cmd.name, r)
			d.failed(c, input, err)
		}
	}()

	if err := d.run(cmd, c); err != nil {
		d.failed(c, input, err)
		return err
	}

	metrics.Commands.WithLabelValues(cmd.name, "ok").Inc()
	d.CommandExecuted.Publish(Executed{Name: cmd.name, Args: c.args, Channel: c.target()})
	return nil
}

func (d *Dispatcher) run(cmd *command, c *call) error {
	if len(c.args) < cmd.minArgs {
		return c.usage()
	}
	if cmd.network && !d.conn.IsConnected() {
		return irc.ErrNotConnected
	}
	return cmd.run(d, c)
}

func (d *Dispatcher) failed(c *call, input string, err error) {
	metrics.Commands.WithLabelValues(c.name, "error").Inc()
	d.CommandError.Publish(Failure{Name: c.name, Input: input, Channel: c.channel, Err: err})
}

func (d *Dispatcher) print(format string, args ...any) {
	d.Output.Publish(fmt.Sprintf(format, args...))
}

// call is one parsed invocation
type call struct {
	cmd     *command
	name    string
	alias   string
	args    []string
	rest    string
	channel string

	// set by handlers that address a target other than the current channel
	targetOverride string
}

// tail returns the input after the first n arguments with its spacing intact
func (c *call) tail(n int) string {
	s := c.rest
	for i := 0; i < n; i++ {
		s = strings.TrimLeft(s, " \t")
		j := strings.IndexAny(s, " \t")
		if j < 0 {
			return ""
		}
		s = s[j:]
	}
	return strings.TrimLeft(s, " \t")
}

func (c *call) usage() *UsageError {
	return &UsageError{Command: c.cmd.name, Usage: c.alias + " " + c.cmd.usage}
}

func (c *call) target() string {
	if c.targetOverride != "" {
		return c.targetOverride
	}
	return c.channel
}

// needChannel returns the current channel, or a usage error
func (c *call) needChannel(cmd string) (string, error) {
	if !irc.IsChannelName(c.channel) {
		return "", &UsageError{Command: cmd, Usage: c.alias + " must be used in a channel"}
	}
	return c.channel, nil
}
