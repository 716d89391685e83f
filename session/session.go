// Package session wires the IRC client, command dispatcher, reply
// correlator and DCC manager into a single client session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lrstanley/girc"
	"github.com/presbrey/ircdcc/config"
	"github.com/presbrey/ircdcc/dcc"
	"github.com/presbrey/ircdcc/dcc/history"
	"github.com/presbrey/ircdcc/hooks"
	"github.com/presbrey/ircdcc/irc"
	"github.com/presbrey/ircdcc/irc/command"
	"github.com/presbrey/ircdcc/irc/reply"
	"github.com/presbrey/ircdcc/syncmap"
)

// Version is reported to CTCP VERSION requests and by /about
var Version = "ircdcc 0.1"

var ErrNoOffer = errors.New("session: no such offer")

// PendingOffer is an inbound DCC SEND waiting to be accepted
type PendingOffer struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	Offer    dcc.Offer `json:"offer"`
	Received time.Time `json:"received"`
}

// Session is one configured client
type Session struct {
	cfg *config.Config

	Client     *irc.Client
	Dispatcher *command.Dispatcher
	Replies    *reply.Correlator
	DCC        *dcc.Manager
	History    *history.Store

	offers syncmap.Map[string, *PendingOffer]

	// Grouped receives combined multi-line replies such as WHOIS
	Grouped *hooks.Registry[*irc.Message]

	// Offers receives inbound DCC SEND offers
	Offers *hooks.Registry[PendingOffer]

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New builds a session from cfg. Nothing connects until Connect.
func New(cfg *config.Config) (*Session, error) {
	s := &Session{
		cfg:     cfg,
		Grouped: hooks.NewRegistry[*irc.Message](),
		Offers:  hooks.NewRegistry[PendingOffer](),
		done:    make(chan struct{}),
	}

	dccOpts := []dcc.Option{
		dcc.WithDownloadDir(cfg.DCC.DownloadDir),
		dcc.WithListenHost(cfg.DCC.ListenHost),
		dcc.WithExternalIP(cfg.DCC.ExternalIP),
		dcc.WithChunkSize(cfg.DCC.ChunkSize),
		dcc.WithAcceptTimeout(time.Duration(cfg.DCC.AcceptTimeout)),
	}
	if cfg.History.DSN != "" {
		store, err := history.Open(cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		s.History = store
		dccOpts = append(dccOpts, dcc.WithRecorder(store))
	}

	s.Client = irc.New(
		irc.WithKeepalive(time.Duration(cfg.Keepalive)),
		irc.WithDebug(cfg.Debug),
	)
	s.DCC = dcc.NewManager(dccOpts...)
	s.Replies = reply.New()
	s.Dispatcher = command.New(whoisConn{Client: s.Client, replies: s.Replies},
		command.WithTransfers(s),
		command.WithVersion(Version),
	)

	s.Client.Events.Message.Subscribe(s.handleMessage)
	s.Replies.Expired.Subscribe(func(g *reply.Group) {
		s.Grouped.Publish(reply.Aggregate(g))
	})

	s.wg.Add(1)
	go s.sweepLoop()

	return s, nil
}

// Config returns the configuration the session was built from
func (s *Session) Config() *config.Config {
	return s.cfg
}

// Connect opens the IRC connection described by the configuration
func (s *Session) Connect(ctx context.Context) error {
	p := irc.ConnectParams{
		Host:     s.cfg.Server.Host,
		Port:     s.cfg.Server.Port,
		SSL:      s.cfg.Server.SSL,
		Password: s.cfg.Server.Password,
		Nick:     s.cfg.Identity.Nick,
		User:     s.cfg.Identity.User,
		RealName: s.cfg.Identity.RealName,
	}
	if s.cfg.Ident.Enabled {
		p.IdentHost = s.cfg.Ident.Host
		p.IdentPort = s.cfg.Ident.Port
	}
	return s.Client.Connect(ctx, p)
}

// Input handles one line typed by the user. Lines without the command
// prefix are sent as a message to channel.
func (s *Session) Input(line, channel string) error {
	if s.Dispatcher.IsCommand(line) {
		return s.Dispatcher.Dispatch(line, channel)
	}
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if channel == "" {
		return errors.New("session: no channel or query to send to")
	}
	if !s.Client.IsConnected() {
		return irc.ErrNotConnected
	}
	return s.Client.SendMessage(channel, line)
}

// whoisConn marks a WHOIS group as expected before the request is sent
type whoisConn struct {
	*irc.Client
	replies *reply.Correlator
}

func (w whoisConn) Whois(nick string) error {
	w.replies.Expect(reply.WhoisID(nick))
	return w.Client.Whois(nick)
}

func (s *Session) handleMessage(msg *irc.Message) {
	if id, title, ok := reply.GroupID(msg); ok {
		if reply.Incidental(msg) && !s.Replies.Pending(id) {
			s.Grouped.Publish(msg)
			return
		}
		s.Replies.AddToGroup(id, title, msg)
		if s.Replies.IsComplete(id) {
			if agg, ok := s.Replies.CompleteGroup(id); ok {
				s.Grouped.Publish(agg)
			}
		}
		return
	}

	verb, text, ok := msg.CTCP()
	if !ok || !msg.IsPrivateMessage() {
		return
	}

	from := msg.Sender()
	switch verb {
	case "DCC":
		s.handleOffer(from, text)
	case girc.CTCP_VERSION:
		s.Client.SendCTCPReply(from, girc.CTCP_VERSION, Version)
	case girc.CTCP_PING:
		s.Client.SendCTCPReply(from, girc.CTCP_PING, text)
	case girc.CTCP_TIME:
		s.Client.SendCTCPReply(from, girc.CTCP_TIME, time.Now().Format(time.RFC1123Z))
	}
}

func (s *Session) handleOffer(from, text string) {
	offer, err := dcc.ParseOffer(text)
	if err != nil {
		log.Printf("[session] Ignoring DCC request from %s: %v", from, err)
		return
	}

	p := &PendingOffer{
		ID:       uuid.NewString(),
		From:     from,
		Offer:    offer,
		Received: time.Now(),
	}
	s.offers.Store(p.ID, p)

	log.Printf("[session] %s offers %s (%d bytes), id %s", from, offer.FileName, offer.Size, p.ID)
	s.Offers.Publish(*p)
}

// PendingOffers lists offers not yet accepted, oldest first
func (s *Session) PendingOffers() []PendingOffer {
	offers := s.offers.SortedValues(func(a, b *PendingOffer) bool {
		return a.Received.Before(b.Received)
	})
	list := make([]PendingOffer, len(offers))
	for i, p := range offers {
		list[i] = *p
	}
	return list
}

// SendFile offers a local file to nick and announces it over CTCP
func (s *Session) SendFile(nick, path string) (dcc.Transfer, error) {
	if !s.Client.IsConnected() {
		return dcc.Transfer{}, irc.ErrNotConnected
	}

	if s.cfg.DCC.ExternalIP == "" {
		// Advertise the address the server sees us on
		if addr, ok := s.Client.LocalAddr().(*net.TCPAddr); ok && addr.IP.To4() != nil {
			s.DCC.SetExternalIP(addr.IP.String())
		}
	}

	t, err := s.DCC.Send(context.Background(), nick, path)
	if err != nil {
		return dcc.Transfer{}, err
	}

	offer := strings.TrimPrefix(dcc.OfferFor(t).String(), "DCC ")
	if err := s.Client.SendCTCP(nick, "DCC", offer); err != nil {
		s.DCC.Cancel(t.ID)
		return dcc.Transfer{}, fmt.Errorf("session: announce transfer: %w", err)
	}
	return t, nil
}

// AcceptOffer starts receiving a pending offer
func (s *Session) AcceptOffer(id string) (dcc.Transfer, error) {
	p, ok := s.offers.LoadAndDelete(id)
	if !ok {
		return dcc.Transfer{}, ErrNoOffer
	}
	return s.DCC.Receive(context.Background(), p.Offer.Request(p.From))
}

// CancelTransfer cancels a transfer, or rejects a pending offer
func (s *Session) CancelTransfer(id string) error {
	err := s.DCC.Cancel(id)
	if errors.Is(err, dcc.ErrNotFound) {
		if _, ok := s.offers.LoadAndDelete(id); ok {
			return nil
		}
	}
	return err
}

// Transfers lists every known transfer
func (s *Session) Transfers() []dcc.Transfer {
	return s.DCC.List()
}

// Transfer returns one transfer by id
func (s *Session) Transfer(id string) (dcc.Transfer, error) {
	return s.DCC.Get(id)
}

// Status summarises the session
type Status struct {
	State         string `json:"state"`
	Server        string `json:"server"`
	ServerName    string `json:"server_name,omitempty"`
	Nick          string `json:"nick"`
	Transfers     int    `json:"transfers"`
	Active        int    `json:"active_transfers"`
	PendingOffers int    `json:"pending_offers"`
	Groups        int    `json:"pending_reply_groups"`
}

func (s *Session) Status() Status {
	st := Status{
		State:         s.Client.State().String(),
		Server:        s.Client.Server(),
		ServerName:    s.Client.ServerName(),
		Nick:          s.Client.Nick(),
		PendingOffers: s.offers.Len(),
		Groups:        s.Replies.Len(),
	}
	for _, t := range s.DCC.List() {
		st.Transfers++
		if !t.Status.Terminal() {
			st.Active++
		}
	}
	return st
}

func (s *Session) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(reply.DefaultTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Replies.Sweep()
		}
	}
}

// Close disconnects, cancels transfers and releases the history store
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.Client.Disconnect("Leaving")
		s.DCC.Close()
		s.wg.Wait()
		if s.History != nil {
			err = s.History.Close()
		}
	})
	return err
}
