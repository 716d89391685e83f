// Package reply groups multi-line numeric replies (WHOIS, NAMES, LIST,
// WHO) into a single aggregate message once the terminating numeric
// arrives. Groups that stay idle past a timeout are evicted.
package reply

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/girc"
	"github.com/presbrey/ircdcc/hooks"
	"github.com/presbrey/ircdcc/irc"
)

// DefaultTimeout is the idle period after which a group is evicted
const DefaultTimeout = 5 * time.Second

// Group is a pending set of related replies
type Group struct {
	ID       string
	Title    string
	Messages []*irc.Message
	First    time.Time
	Last     time.Time
}

// Option configures a Correlator
type Option func(*Correlator)

// WithTimeout sets the idle timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// Correlator tracks pending groups. It is safe for concurrent use.
type Correlator struct {
	mu       sync.Mutex
	groups   map[string]*Group
	expected map[string]time.Time
	timeout  time.Duration
	now     func() time.Time

	// Expired receives groups evicted without completing
	Expired *hooks.Registry[*Group]
}

func New(opts ...Option) *Correlator {
	c := &Correlator{
		groups:   make(map[string]*Group),
		expected: make(map[string]time.Time),
		timeout:  DefaultTimeout,
		now:      time.Now,
		Expired:  hooks.NewRegistry[*Group](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddToGroup appends msg to the group id, creating it with title if needed.
// Idle groups are swept first.
func (c *Correlator) AddToGroup(id, title string, msg *irc.Message) {
	c.Sweep()

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[id]
	if !ok {
		g = &Group{ID: id, Title: title, First: now}
		c.groups[id] = g
		delete(c.expected, id)
	}
	g.Messages = append(g.Messages, msg)
	g.Last = now
}

// Expect records that a request answered by group id was sent. The
// expectation lapses after the idle timeout.
func (c *Correlator) Expect(id string) {
	now := c.now()
	c.mu.Lock()
	c.expected[id] = now
	c.mu.Unlock()
}

// Pending reports whether group id is open or expected
func (c *Correlator) Pending(id string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[id]; ok {
		return true
	}
	at, ok := c.expected[id]
	return ok && now.Sub(at) <= c.timeout
}

// IsComplete reports whether the group has received its terminating
// reply. Groups of unknown families never complete on their own.
func (c *Correlator) IsComplete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[id]
	if !ok {
		return false
	}

	done := terminator(family(id))
	if done == nil {
		return false
	}
	for _, msg := range g.Messages {
		if done(msg) {
			return true
		}
	}
	return false
}

// CompleteGroup removes the group and returns its combined message. A
// group holding one message yields that message unchanged.
func (c *Correlator) CompleteGroup(id string) (*irc.Message, bool) {
	c.mu.Lock()
	g, ok := c.groups[id]
	delete(c.groups, id)
	c.mu.Unlock()

	if !ok || len(g.Messages) == 0 {
		return nil, false
	}
	return Aggregate(g), true
}

// Aggregate builds the combined message for a group
func Aggregate(g *Group) *irc.Message {
	if len(g.Messages) == 1 {
		return g.Messages[0]
	}

	first := g.Messages[0]
	children := make([]*irc.Message, len(g.Messages))
	copy(children, g.Messages)

	return &irc.Message{
		Prefix:   first.Prefix,
		Command:  irc.AggregateCommand,
		Params:   []string{g.Title},
		Time:     first.Time,
		Children: children,
	}
}

// Sweep evicts groups idle longer than the timeout, publishes them on
// Expired and returns them oldest first.
func (c *Correlator) Sweep() []*Group {
	now := c.now()

	c.mu.Lock()
	var expired []*Group
	for id, g := range c.groups {
		if now.Sub(g.Last) > c.timeout {
			expired = append(expired, g)
			delete(c.groups, id)
		}
	}
	for id, at := range c.expected {
		if now.Sub(at) > c.timeout {
			delete(c.expected, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].First.Before(expired[j].First)
	})
	for _, g := range expired {
		c.Expired.Publish(g)
	}
	return expired
}

// Len returns the number of pending groups
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

func family(id string) string {
	f, _, _ := strings.Cut(id, ":")
	return f
}

func terminator(family string) func(*irc.Message) bool {
	switch family {
	case "whois":
		return endOfWhois
	case "names":
		return isCommand(girc.RPL_ENDOFNAMES)
	case "list":
		return isCommand(girc.RPL_LISTEND)
	case "who":
		return isCommand(girc.RPL_ENDOFWHO)
	}
	return nil
}

func isCommand(command string) func(*irc.Message) bool {
	return func(msg *irc.Message) bool { return msg.Command == command }
}

func endOfWhois(msg *irc.Message) bool {
	if msg.Command == girc.RPL_ENDOFWHOIS {
		return true
	}
	content := strings.ToLower(msg.Content())
	return strings.Contains(content, "end of /whois list") || strings.Contains(content, "end of whois")
}

var whoisReplies = map[string]bool{
	girc.RPL_AWAY:          true,
	"307":                  true, // registered nick
	girc.RPL_WHOISUSER:     true,
	girc.RPL_WHOISSERVER:   true,
	girc.RPL_WHOISOPERATOR: true,
	girc.RPL_WHOISIDLE:     true,
	girc.RPL_ENDOFWHOIS:    true,
	girc.RPL_WHOISCHANNELS: true,
	"330":                  true, // logged in as
	"338":                  true, // actual host
	"378":                  true, // connecting from
	"671":                  true, // secure connection
	girc.ERR_NOSUCHNICK:    true,
}

// WhoisID returns the group id of a WHOIS for nick
func WhoisID(nick string) string {
	return "whois:" + strings.ToLower(nick)
}

// Incidental reports whether msg is a reply servers also send outside the
// request its group belongs to: RPL_AWAY answers a PRIVMSG to an away user
// and ERR_NOSUCHNICK any command naming a missing nick. Such replies only
// join a group that is already pending.
func Incidental(msg *irc.Message) bool {
	return msg.Command == girc.RPL_AWAY || msg.Command == girc.ERR_NOSUCHNICK
}

// GroupID maps a reply numeric to the group it belongs to. ok is false for
// messages that are not part of a multi-line reply.
func GroupID(msg *irc.Message) (id, title string, ok bool) {
	switch {
	case whoisReplies[msg.Command]:
		nick := msg.Param(1)
		if nick == "" {
			return "", "", false
		}
		return WhoisID(nick), "WHOIS " + nick, true

	case msg.Command == girc.RPL_NAMREPLY:
		// <me> <type> <channel> :<names>
		channel := msg.Param(2)
		return "names:" + strings.ToLower(channel), "NAMES " + channel, channel != ""

	case msg.Command == girc.RPL_ENDOFNAMES:
		channel := msg.Param(1)
		return "names:" + strings.ToLower(channel), "NAMES " + channel, channel != ""

	case msg.Command == girc.RPL_LISTSTART, msg.Command == girc.RPL_LIST, msg.Command == girc.RPL_LISTEND:
		return "list", "LIST", true

	case msg.Command == girc.RPL_WHOREPLY, msg.Command == girc.RPL_ENDOFWHO:
		// 352 carries the channel or "*" where 315 carries the mask, so
		// replies group by arrival and the next 315 closes them
		return "who", "WHO", true
	}
	return "", "", false
}
