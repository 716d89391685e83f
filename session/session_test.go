package session

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/presbrey/ircdcc/config"
	"github.com/presbrey/ircdcc/dcc"
	"github.com/presbrey/ircdcc/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (f *fakeServer) readLine() string {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := f.reader.ReadString('\n')
	require.NoError(f.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (f *fakeServer) send(lines ...string) {
	f.t.Helper()
	for _, line := range lines {
		_, err := f.conn.Write([]byte(line + "\r\n"))
		require.NoError(f.t, err)
	}
}

func newSession(t *testing.T) (*Session, *fakeServer) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Identity.Nick = "tester"
	cfg.Identity.User = "tester"
	cfg.DCC.DownloadDir = t.TempDir()
	cfg.DCC.ListenHost = "127.0.0.1"
	cfg.History.DSN = filepath.Join(t.TempDir(), "history.db")
	cfg.Keepalive = 0

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Connect(context.Background()))

	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	srv := &fakeServer{t: t, conn: conn, reader: bufio.NewReader(conn)}
	assert.Equal(t, "NICK tester", srv.readLine())
	assert.Equal(t, "USER tester 0 * :ircdcc", srv.readLine())
	srv.send(":srv 001 tester :Welcome")
	return s, srv
}

func TestInput(t *testing.T) {
	s, srv := newSession(t)

	require.NoError(t, s.Input("hello world", "#go"))
	assert.Equal(t, "PRIVMSG #go :hello world", srv.readLine())

	require.NoError(t, s.Input("/join rust", "#go"))
	assert.Equal(t, "JOIN #rust", srv.readLine())

	assert.NoError(t, s.Input("   ", "#go"))
	assert.Error(t, s.Input("orphan text", ""))
}

func TestWhoisGrouped(t *testing.T) {
	s, srv := newSession(t)

	grouped := make(chan *irc.Message, 1)
	s.Grouped.Subscribe(func(m *irc.Message) { grouped <- m })

	require.NoError(t, s.Input("/whois bob", ""))
	assert.Equal(t, "WHOIS bob", srv.readLine())

	srv.send(
		":srv 311 tester bob ~b host.example * :Bob",
		":srv 319 tester bob :#go #rust",
		":srv 318 tester bob :End of /WHOIS list.",
	)

	select {
	case m := <-grouped:
		assert.True(t, m.IsAggregate())
		assert.Equal(t, "WHOIS bob", m.Content())
		require.Len(t, m.Children, 3)
		assert.Equal(t, "319", m.Children[1].Command)
	case <-time.After(5 * time.Second):
		t.Fatal("no grouped WHOIS reply")
	}
	assert.Equal(t, 0, s.Replies.Len())
}

func TestUnsolicitedNoSuchNick(t *testing.T) {
	s, srv := newSession(t)

	grouped := make(chan *irc.Message, 1)
	s.Grouped.Subscribe(func(m *irc.Message) { grouped <- m })

	require.NoError(t, s.Input("/msg ghost hi", ""))
	assert.Equal(t, "PRIVMSG ghost :hi", srv.readLine())
	srv.send(":srv 401 tester ghost :No such nick/channel")

	select {
	case m := <-grouped:
		assert.Equal(t, "401", m.Command)
		assert.False(t, m.IsAggregate())
	case <-time.After(2 * time.Second):
		t.Fatal("401 held back")
	}
	assert.Equal(t, 0, s.Replies.Len())
}

func TestWhoisNoSuchNick(t *testing.T) {
	s, srv := newSession(t)

	grouped := make(chan *irc.Message, 1)
	s.Grouped.Subscribe(func(m *irc.Message) { grouped <- m })

	require.NoError(t, s.Input("/whois ghost", ""))
	assert.Equal(t, "WHOIS ghost", srv.readLine())
	srv.send(
		":srv 401 tester ghost :No such nick/channel",
		":srv 318 tester ghost :End of /WHOIS list.",
	)

	select {
	case m := <-grouped:
		assert.True(t, m.IsAggregate())
		require.Len(t, m.Children, 2)
		assert.Equal(t, "401", m.Children[0].Command)
	case <-time.After(2 * time.Second):
		t.Fatal("no grouped WHOIS reply")
	}
	assert.Equal(t, 0, s.Replies.Len())
}

func TestCTCPReplies(t *testing.T) {
	_, srv := newSession(t)

	srv.send(":bob!b@h PRIVMSG tester :\x01VERSION\x01")
	assert.Equal(t, "NOTICE bob :\x01VERSION "+Version+"\x01", srv.readLine())

	srv.send(":bob!b@h PRIVMSG tester :\x01PING 12345\x01")
	assert.Equal(t, "NOTICE bob :\x01PING 12345\x01", srv.readLine())
}

func TestAcceptOffer(t *testing.T) {
	s, srv := newSession(t)

	data := []byte(strings.Repeat("dcc payload ", 1000))
	path := filepath.Join(t.TempDir(), "gift.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	peer := dcc.NewManager(dcc.WithListenHost("127.0.0.1"))
	defer peer.Close()
	out, err := peer.Send(context.Background(), "tester", path)
	require.NoError(t, err)

	offers := make(chan PendingOffer, 1)
	s.Offers.Subscribe(func(p PendingOffer) { offers <- p })

	srv.send(":bob!b@h PRIVMSG tester :" + irc.CTCP("DCC", strings.TrimPrefix(dcc.OfferFor(out).String(), "DCC ")))

	var offer PendingOffer
	select {
	case offer = <-offers:
	case <-time.After(5 * time.Second):
		t.Fatal("no offer event")
	}
	assert.Equal(t, "bob", offer.From)
	assert.Equal(t, "gift.txt", offer.Offer.FileName)
	assert.Equal(t, int64(len(data)), offer.Offer.Size)
	require.Len(t, s.PendingOffers(), 1)

	require.NoError(t, s.Input("/dcc get "+offer.ID, ""))
	assert.Empty(t, s.PendingOffers())

	list := s.Transfers()
	require.Len(t, list, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in, err := s.DCC.Wait(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, dcc.Completed, in.Status, in.Error)

	written, err := os.ReadFile(in.Path)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	stored, err := s.History.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, dcc.Completed, stored.Status)
	assert.Equal(t, "bob", stored.Peer)

	_, err = s.AcceptOffer(offer.ID)
	assert.ErrorIs(t, err, ErrNoOffer)
}

func TestRejectOffer(t *testing.T) {
	s, srv := newSession(t)

	offers := make(chan PendingOffer, 1)
	s.Offers.Subscribe(func(p PendingOffer) { offers <- p })

	srv.send(":bob!b@h PRIVMSG tester :\x01DCC SEND junk.bin 2130706433 4000 10\x01")
	offer := <-offers

	require.NoError(t, s.CancelTransfer(offer.ID))
	assert.Empty(t, s.PendingOffers())
	assert.ErrorIs(t, s.CancelTransfer(offer.ID), dcc.ErrNotFound)

	// malformed offers are ignored
	srv.send(":bob!b@h PRIVMSG tester :\x01DCC SEND\x01")
	srv.send(":bob!b@h PRIVMSG tester :\x01PING 1\x01")
	assert.Equal(t, "NOTICE bob :\x01PING 1\x01", srv.readLine())
	assert.Empty(t, s.PendingOffers())
}

func TestSendFile(t *testing.T) {
	s, srv := newSession(t)

	data := []byte(strings.Repeat("outbound ", 2000))
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, s.Input("/dcc send bob "+path, ""))

	msg := irc.ParseMessage(srv.readLine())
	require.NotNil(t, msg)
	assert.Equal(t, "bob", msg.Target())
	verb, text, ok := msg.CTCP()
	require.True(t, ok)
	assert.Equal(t, "DCC", verb)

	offer, err := dcc.ParseOffer(text)
	require.NoError(t, err)
	assert.Equal(t, "out.txt", offer.FileName)
	assert.Equal(t, "127.0.0.1", offer.Address)

	peer := dcc.NewManager(dcc.WithDownloadDir(t.TempDir()))
	defer peer.Close()
	in, err := peer.Receive(context.Background(), offer.Request("tester"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in, err = peer.Wait(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, dcc.Completed, in.Status, in.Error)

	list := s.Transfers()
	require.Len(t, list, 1)
	out, err := s.DCC.Wait(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, dcc.Completed, out.Status, out.Error)
	assert.Equal(t, int64(len(data)), out.Transferred)

	history, err := s.History.List(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, dcc.Send, history[0].Direction)
}

func TestSendFileOffline(t *testing.T) {
	cfg := config.Default()
	cfg.DCC.DownloadDir = t.TempDir()

	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SendFile("bob", "/etc/hosts")
	assert.ErrorIs(t, err, irc.ErrNotConnected)
	assert.ErrorIs(t, s.Input("hi", "#go"), irc.ErrNotConnected)
}
