package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lrstanley/girc"
	"github.com/presbrey/ircdcc/irc"
)

type command struct {
	name    string
	aliases []string
	minArgs int
	usage   string
	help    string

	// network commands fail with irc.ErrNotConnected when offline
	network bool

	run func(d *Dispatcher, c *call) error
}

var (
	commands []*command
	registry map[string]*command
)

func init() {
	commands = builtins()
	registry = make(map[string]*command)
	for _, cmd := range commands {
		registry[cmd.name] = cmd
		for _, alias := range cmd.aliases {
			registry[alias] = cmd
		}
	}
}

func builtins() []*command {
	return []*command{
		{name: "join", aliases: []string{"j"}, minArgs: 1, network: true, usage: "<#channel> [key]", help: "Join a channel", run: (*Dispatcher).join},
		{name: "part", aliases: []string{"leave", "p"}, network: true, usage: "[#channel] [reason]", help: "Leave a channel", run: (*Dispatcher).part},
		{name: "msg", aliases: []string{"privmsg", "m"}, minArgs: 2, network: true, usage: "<target> <message>", help: "Send a private message", run: (*Dispatcher).msg},
		{name: "query", aliases: []string{"q"}, minArgs: 1, network: true, usage: "<nick> [message]", help: "Open a conversation with a user", run: (*Dispatcher).query},
		{name: "notice", aliases: []string{"n"}, minArgs: 2, network: true, usage: "<target> <message>", help: "Send a notice", run: (*Dispatcher).notice},
		{name: "me", aliases: []string{"action"}, minArgs: 1, network: true, usage: "<action>", help: "Send an action to the current channel", run: (*Dispatcher).me},
		{name: "nick", minArgs: 1, network: true, usage: "<nickname>", help: "Change your nickname", run: (*Dispatcher).nick},
		{name: "quit", aliases: []string{"disconnect"}, usage: "[reason]", help: "Disconnect from the server", run: (*Dispatcher).quit},
		{name: "topic", aliases: []string{"t"}, network: true, usage: "[#channel] [topic]", help: "Show or set a channel topic", run: (*Dispatcher).topic},
		{name: "mode", minArgs: 1, network: true, usage: "<target> [modes] [args]", help: "Show or change modes", run: (*Dispatcher).mode},
		{name: "op", minArgs: 1, network: true, usage: "<nick> [nick...]", help: "Give channel operator status", run: memberMode("+o")},
		{name: "deop", minArgs: 1, network: true, usage: "<nick> [nick...]", help: "Take channel operator status", run: memberMode("-o")},
		{name: "voice", aliases: []string{"v"}, minArgs: 1, network: true, usage: "<nick> [nick...]", help: "Give voice", run: memberMode("+v")},
		{name: "devoice", minArgs: 1, network: true, usage: "<nick> [nick...]", help: "Take voice", run: memberMode("-v")},
		{name: "kick", aliases: []string{"k"}, minArgs: 1, network: true, usage: "[#channel] <nick> [reason]", help: "Remove a user from a channel", run: (*Dispatcher).kick},
		{name: "ban", minArgs: 1, network: true, usage: "<nick|mask>", help: "Ban a user from the current channel", run: (*Dispatcher).ban},
		{name: "invite", minArgs: 1, network: true, usage: "<nick> [#channel]", help: "Invite a user to a channel", run: (*Dispatcher).invite},
		{name: "whois", aliases: []string{"w"}, minArgs: 1, network: true, usage: "<nick>", help: "Show information about a user", run: (*Dispatcher).whois},
		{name: "names", network: true, usage: "[#channel...]", help: "List channel members", run: (*Dispatcher).names},
		{name: "list", network: true, usage: "[filter]", help: "List channels", run: (*Dispatcher).list},
		{name: "away", network: true, usage: "[message]", help: "Set or clear your away message", run: (*Dispatcher).away},
		{name: "ctcp", minArgs: 2, network: true, usage: "<target> <command> [text]", help: "Send a CTCP request", run: (*Dispatcher).ctcp},
		{name: "raw", aliases: []string{"quote"}, minArgs: 1, network: true, usage: "<line>", help: "Send a raw protocol line", run: (*Dispatcher).raw},
		{name: "dcc", minArgs: 1, usage: "send <nick> <path> | get <id> | cancel <id> | list", help: "Manage file transfers", run: (*Dispatcher).dcc},
		{name: "help", aliases: []string{"h", "?"}, usage: "[command]", help: "Show available commands", run: (*Dispatcher).help},
		{name: "clear", aliases: []string{"cls"}, usage: "", help: "Clear the current window", run: (*Dispatcher).clear},
		{name: "about", usage: "", help: "Show version information", run: (*Dispatcher).about},
		{name: "server", minArgs: 1, usage: "add <name> <host> [port] | remove <name> | list", help: "Manage server bookmarks", run: (*Dispatcher).server},
	}
}

func (d *Dispatcher) join(c *call) error {
	name := irc.NormalizeChannel(c.args[0])
	if !girc.IsValidChannel(name) {
		return fmt.Errorf("%w: channel %q", ErrInvalidArgument, c.args[0])
	}
	c.targetOverride = name

	if len(c.args) > 1 {
		return d.conn.JoinChannel(name, c.args[1])
	}
	return d.conn.JoinChannel(name)
}

func (d *Dispatcher) part(c *call) error {
	channel, reason := c.channel, c.tail(0)
	if len(c.args) > 0 && irc.IsChannelName(c.args[0]) {
		channel, reason = c.args[0], c.tail(1)
	}
	if !irc.IsChannelName(channel) {
		return c.usage()
	}
	c.targetOverride = channel

	if reason != "" {
		return d.conn.LeaveChannel(channel, reason)
	}
	return d.conn.LeaveChannel(channel)
}

func (d *Dispatcher) msg(c *call) error {
	c.targetOverride = c.args[0]
	return d.conn.SendMessage(c.args[0], c.tail(1))
}

func (d *Dispatcher) query(c *call) error {
	nick := c.args[0]
	if !girc.IsValidNick(nick) {
		return fmt.Errorf("%w: nickname %q", ErrInvalidArgument, nick)
	}
	c.targetOverride = nick

	if text := c.tail(1); text != "" {
		return d.conn.SendMessage(nick, text)
	}
	return nil
}

func (d *Dispatcher) notice(c *call) error {
	c.targetOverride = c.args[0]
	return d.conn.SendNotice(c.args[0], c.tail(1))
}

func (d *Dispatcher) me(c *call) error {
	// Actions work in queries too, so any target will do
	if c.channel == "" {
		return c.usage()
	}
	return d.conn.SendAction(c.channel, c.tail(0))
}

func (d *Dispatcher) nick(c *call) error {
	if !girc.IsValidNick(c.args[0]) {
		return fmt.Errorf("%w: nickname %q", ErrInvalidArgument, c.args[0])
	}
	return d.conn.SetNick(c.args[0])
}

func (d *Dispatcher) quit(c *call) error {
	reason := c.tail(0)
	if reason == "" {
		reason = "Leaving"
	}
	return d.conn.Disconnect(reason)
}

func (d *Dispatcher) topic(c *call) error {
	channel, text := c.channel, c.tail(0)
	if len(c.args) > 0 && irc.IsChannelName(c.args[0]) {
		channel, text = c.args[0], c.tail(1)
	}
	if !irc.IsChannelName(channel) {
		return c.usage()
	}
	c.targetOverride = channel

	if text == "" {
		return d.conn.Topic(channel)
	}
	return d.conn.Topic(channel, text)
}

func (d *Dispatcher) mode(c *call) error {
	var modes string
	if len(c.args) > 1 {
		modes = c.args[1]
	}
	var args []string
	if len(c.args) > 2 {
		args = c.args[2:]
	}
	return d.conn.Mode(c.args[0], modes, args...)
}

// memberMode applies a +o/-o/+v/-v style mode to every nick argument
func memberMode(mode string) func(d *Dispatcher, c *call) error {
	return func(d *Dispatcher, c *call) error {
		channel, err := c.needChannel(c.name)
		if err != nil {
			return err
		}
		modes := mode[:1] + strings.Repeat(mode[1:], len(c.args))
		return d.conn.Mode(channel, modes, c.args...)
	}
}

func (d *Dispatcher) kick(c *call) error {
	channel, nick, reason := c.channel, c.args[0], c.tail(1)
	if irc.IsChannelName(c.args[0]) {
		if len(c.args) < 2 {
			return c.usage()
		}
		channel, nick, reason = c.args[0], c.args[1], c.tail(2)
	}
	if !irc.IsChannelName(channel) {
		return c.usage()
	}
	c.targetOverride = channel
	return d.conn.Kick(channel, nick, reason)
}

func (d *Dispatcher) ban(c *call) error {
	channel, err := c.needChannel("ban")
	if err != nil {
		return err
	}
	mask := c.args[0]
	if !strings.ContainsAny(mask, "!@") {
		mask += "!*@*"
	}
	return d.conn.Mode(channel, "+b", mask)
}

func (d *Dispatcher) invite(c *call) error {
	channel := c.channel
	if len(c.args) > 1 {
		channel = c.args[1]
	}
	if !irc.IsChannelName(channel) {
		return c.usage()
	}
	return d.conn.Invite(c.args[0], channel)
}

func (d *Dispatcher) whois(c *call) error {
	return d.conn.Whois(c.args[0])
}

func (d *Dispatcher) names(c *call) error {
	if len(c.args) > 0 {
		return d.conn.Names(c.args...)
	}
	if irc.IsChannelName(c.channel) {
		return d.conn.Names(c.channel)
	}
	return d.conn.Names()
}

func (d *Dispatcher) list(c *call) error {
	if filter := c.tail(0); filter != "" {
		return d.conn.List(filter)
	}
	return d.conn.List()
}

func (d *Dispatcher) away(c *call) error {
	return d.conn.Away(c.tail(0))
}

func (d *Dispatcher) ctcp(c *call) error {
	c.targetOverride = c.args[0]
	return d.conn.SendCTCP(c.args[0], strings.ToUpper(c.args[1]), c.tail(2))
}

func (d *Dispatcher) raw(c *call) error {
	return d.conn.SendCommand(c.tail(0))
}

func (d *Dispatcher) dcc(c *call) error {
	if d.transfers == nil {
		return ErrNoTransfers
	}

	usage := func(u string) error {
		return &UsageError{Command: "dcc", Usage: c.alias + " " + u}
	}

	switch strings.ToLower(c.args[0]) {
	case "send":
		if len(c.args) < 3 {
			return usage("send <nick> <path>")
		}
		if !d.conn.IsConnected() {
			return irc.ErrNotConnected
		}
		t, err := d.transfers.SendFile(c.args[1], c.tail(2))
		if err != nil {
			return err
		}
		d.print("DCC SEND %s to %s offered (%d bytes, id %s)", t.FileName, t.Peer, t.Size, t.ID)

	case "get":
		if len(c.args) < 2 {
			return usage("get <id>")
		}
		t, err := d.transfers.AcceptOffer(c.args[1])
		if err != nil {
			return err
		}
		d.print("DCC receiving %s from %s into %s", t.FileName, t.Peer, t.Path)

	case "cancel":
		if len(c.args) < 2 {
			return usage("cancel <id>")
		}
		if err := d.transfers.CancelTransfer(c.args[1]); err != nil {
			return err
		}
		d.print("DCC transfer %s cancelled", c.args[1])

	case "list":
		list := d.transfers.Transfers()
		if len(list) == 0 {
			d.print("No transfers")
		}
		for _, t := range list {
			d.print("%s %-7s %-11s %s %s (%d/%d bytes, %.0f%%)",
				t.ID, t.Direction, t.Status, t.Peer, t.FileName, t.Transferred, t.Size, t.Percent())
		}

	default:
		return usage(c.cmd.usage)
	}
	return nil
}

func (d *Dispatcher) help(c *call) error {
	if len(c.args) > 0 {
		cmd, ok := registry[strings.ToLower(strings.TrimPrefix(c.args[0], d.prefix))]
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidArgument, c.args[0])
		}
		d.print("%s%s %s - %s", d.prefix, cmd.name, cmd.usage, cmd.help)
		if len(cmd.aliases) > 0 {
			d.print("  aliases: %s", strings.Join(cmd.aliases, ", "))
		}
		return nil
	}

	sorted := make([]*command, len(commands))
	copy(sorted, commands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	d.print("Available commands:")
	for _, cmd := range sorted {
		d.print("  %s%-8s %s", d.prefix, cmd.name, cmd.help)
	}
	return nil
}

func (d *Dispatcher) clear(c *call) error {
	d.Clear.Publish(c.channel)
	return nil
}

func (d *Dispatcher) about(c *call) error {
	d.print("%s: IRC client with DCC file transfers", d.version)
	return nil
}

func (d *Dispatcher) server(c *call) error {
	switch strings.ToLower(c.args[0]) {
	case "add":
		if len(c.args) < 3 {
			return &UsageError{Command: "server", Usage: c.alias + " add <name> <host> [port]"}
		}
		b := Bookmark{Name: c.args[1], Host: c.args[2], Port: 6667}
		if len(c.args) > 3 {
			port, err := strconv.Atoi(c.args[3])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("%w: port %q", ErrInvalidArgument, c.args[3])
			}
			b.Port = port
		}
		if err := d.bookmarks.Add(b); err != nil {
			return err
		}
		d.print("Saved server %s (%s:%d)", b.Name, b.Host, b.Port)

	case "remove", "rm", "del":
		if len(c.args) < 2 {
			return &UsageError{Command: "server", Usage: c.alias + " remove <name>"}
		}
		if err := d.bookmarks.Remove(c.args[1]); err != nil {
			return err
		}
		d.print("Removed server %s", c.args[1])

	case "list":
		list := d.bookmarks.List()
		if len(list) == 0 {
			d.print("No saved servers")
		}
		for _, b := range list {
			d.print("  %s %s:%d", b.Name, b.Host, b.Port)
		}

	default:
		return &UsageError{Command: "server", Usage: c.alias + " " + c.cmd.usage}
	}
	return nil
}
