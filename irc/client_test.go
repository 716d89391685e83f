package irc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/presbrey/ircdcc/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a single-connection IRC server driven by the test
type fakeServer struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &fakeServer{t: t, ln: ln}
}

func (f *fakeServer) params() ConnectParams {
	addr := f.ln.Addr().(*net.TCPAddr)
	return ConnectParams{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Nick:     "tester",
		RealName: "Test User",
	}
}

func (f *fakeServer) accept() {
	f.t.Helper()
	conn, err := f.ln.Accept()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	f.conn = conn
	f.reader = bufio.NewReader(conn)
}

func (f *fakeServer) readLine() string {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := f.reader.ReadString('\n')
	require.NoError(f.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (f *fakeServer) expect(want string) {
	f.t.Helper()
	assert.Equal(f.t, want, f.readLine())
}

func (f *fakeServer) send(lines ...string) {
	f.t.Helper()
	for _, line := range lines {
		_, err := f.conn.Write([]byte(line + "\r\n"))
		require.NoError(f.t, err)
	}
}

// connect registers a client against the fake server and consumes the
// registration lines.
func connect(t *testing.T, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	srv := newFakeServer(t)
	c := New(opts...)

	require.NoError(t, c.Connect(context.Background(), srv.params()))
	t.Cleanup(func() { c.Disconnect("test done") })

	srv.accept()
	srv.expect("NICK tester")
	srv.expect("USER tester 0 * :Test User")
	return c, srv
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	err := wait.Until(func() (bool, error) {
		return cond(), nil
	}, wait.DefaultOptions().
		WithTimeout(5*time.Second).
		WithStrategy(wait.NewFixedStrategy(10*time.Millisecond)))
	require.NoError(t, err)
}

func TestSendBeforeConnectIsNoop(t *testing.T) {
	c := New()

	assert.NoError(t, c.SendCommand("PRIVMSG #x :hello"))
	assert.NoError(t, c.SendMessage("#x", "hello"))
	assert.NoError(t, c.JoinChannel("foo"))
	assert.Equal(t, Disconnected, c.State())
	assert.False(t, c.IsConnected())
}

func TestDisconnectWhenNotConnected(t *testing.T) {
	c := New()

	var events []StatusEvent
	c.Events.Status.Subscribe(func(ev StatusEvent) { events = append(events, ev) })

	assert.NoError(t, c.Disconnect("nothing to do"))
	assert.Equal(t, Disconnected, c.State())
	require.Len(t, events, 1)
	assert.Equal(t, Disconnected, events[0].State)
}

func TestConnectRegisters(t *testing.T) {
	srv := newFakeServer(t)
	c := New()

	var mu sync.Mutex
	var states []State
	c.Events.Status.Subscribe(func(ev StatusEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	p := srv.params()
	p.Password = "secret"
	p.User = "tuser"
	require.NoError(t, c.Connect(context.Background(), p))
	defer c.Disconnect("bye")

	srv.accept()
	srv.expect("PASS secret")
	srv.expect("NICK tester")
	srv.expect("USER tuser 0 * :Test User")

	assert.Equal(t, Registered, c.State())
	assert.Equal(t, srv.ln.Addr().String(), c.Server())

	mu.Lock()
	assert.Equal(t, []State{Connecting, Registered}, states)
	mu.Unlock()

	assert.ErrorIs(t, c.Connect(context.Background(), p), ErrAlreadyConnected)
}

func TestJoinChannelNormalizes(t *testing.T) {
	c, srv := connect(t)

	require.NoError(t, c.JoinChannel("foo"))
	srv.expect("JOIN #foo")

	require.NoError(t, c.JoinChannel("#foo"))
	srv.expect("JOIN #foo")

	require.NoError(t, c.JoinChannel("secret", "key"))
	srv.expect("JOIN #secret key")

	assert.ErrorIs(t, c.JoinChannel("  "), ErrInvalidChannel)

	require.NoError(t, c.LeaveChannel("foo", "later"))
	srv.expect("PART #foo :later")
}

func TestOutboundFormats(t *testing.T) {
	c, srv := connect(t)

	require.NoError(t, c.SendMessage("#chan", "hello there"))
	srv.expect("PRIVMSG #chan :hello there")

	require.NoError(t, c.SendNotice("bob", "hi"))
	srv.expect("NOTICE bob :hi")

	require.NoError(t, c.SendAction("#chan", "waves"))
	srv.expect("PRIVMSG #chan :\x01ACTION waves\x01")

	require.NoError(t, c.Mode("#chan", "+o", "bob"))
	srv.expect("MODE #chan +o bob")

	require.NoError(t, c.Topic("#chan", "new topic"))
	srv.expect("TOPIC #chan :new topic")

	require.NoError(t, c.Kick("#chan", "bob", "bye"))
	srv.expect("KICK #chan bob :bye")

	require.NoError(t, c.Whois("bob"))
	srv.expect("WHOIS bob")

	require.NoError(t, c.SendCommand("PRIVMSG #chan :one\r\nQUIT :injected"))
	srv.expect("PRIVMSG #chan :one")

	require.NoError(t, c.Away(""))
	srv.expect("AWAY")
}

func TestReceiveOrderAndPing(t *testing.T) {
	c, srv := connect(t)

	received := make(chan *Message, 16)
	c.Events.Message.Subscribe(func(msg *Message) { received <- msg })

	srv.send(
		":srv 001 tester :Welcome to the network",
		":bob!b@host PRIVMSG #chan :first",
		":prefixonly",
		":bob!b@host PRIVMSG #chan :second",
		"PING :token123",
		":bob!b@host PRIVMSG #chan :third",
	)
	srv.expect("PONG token123")

	var got []string
	for len(got) < 5 {
		select {
		case msg := <-received:
			assert.False(t, msg.Time.IsZero())
			got = append(got, msg.Command+" "+msg.Content())
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, received %v", got)
		}
	}

	assert.Equal(t, []string{
		"001 Welcome to the network",
		"PRIVMSG first",
		"PRIVMSG second",
		"PING token123",
		"PRIVMSG third",
	}, got)
	assert.Equal(t, "srv", c.ServerName())
}

func TestNickInUseRetry(t *testing.T) {
	c, srv := connect(t)

	srv.send(":srv 433 * tester :Nickname is already in use")
	srv.expect("NICK tester_")

	srv.send(":srv 001 tester_ :Welcome")
	waitFor(t, func() bool { return c.Nick() == "tester_" })

	srv.send(":tester_!u@h NICK :renamed")
	waitFor(t, func() bool { return c.Nick() == "renamed" })
}

func TestDisconnectSendsQuit(t *testing.T) {
	c, srv := connect(t)

	var mu sync.Mutex
	var last StatusEvent
	c.Events.Status.Subscribe(func(ev StatusEvent) {
		mu.Lock()
		last = ev
		mu.Unlock()
	})

	require.NoError(t, c.Disconnect("see you"))
	srv.expect("QUIT :see you")

	assert.Equal(t, Disconnected, c.State())
	mu.Lock()
	assert.Equal(t, Disconnected, last.State)
	assert.Equal(t, "see you", last.Reason)
	mu.Unlock()

	// Sends after disconnect are silently dropped
	assert.NoError(t, c.SendMessage("#chan", "too late"))
}

func TestServerCloseSurfacesError(t *testing.T) {
	c, srv := connect(t)

	errs := make(chan error, 1)
	c.Events.Error.Subscribe(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	srv.conn.Close()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error event after server closed the connection")
	}
	waitFor(t, func() bool { return c.State() == Disconnected })
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(WithDialTimeout(2 * time.Second))
	err = c.Connect(context.Background(), ConnectParams{Host: "127.0.0.1", Port: port, Nick: "tester"})
	assert.Error(t, err)
	assert.Equal(t, Disconnected, c.State())

	assert.Error(t, c.Connect(context.Background(), ConnectParams{Port: port, Nick: "tester"}))
	assert.Error(t, c.Connect(context.Background(), ConnectParams{Host: "127.0.0.1", Port: port}))
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	c, srv := connect(t)

	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				c.SendMessage("#chan", fmt.Sprintf("sender %d line %d with some padding text", i, j))
			}
		}(i)
	}

	seen := make(map[int]int)
	for n := 0; n < senders*perSender; n++ {
		msg := ParseMessage(srv.readLine())
		require.NotNil(t, msg)
		require.Equal(t, "PRIVMSG", msg.Command)

		var i, j int
		_, err := fmt.Sscanf(msg.Content(), "sender %d line %d with some padding text", &i, &j)
		require.NoError(t, err, msg.Content())
		assert.Equal(t, seen[i], j, "lines of sender %d out of order", i)
		seen[i] = j + 1
	}
	wg.Wait()

	for i := 0; i < senders; i++ {
		assert.Equal(t, perSender, seen[i], "sender "+strconv.Itoa(i))
	}
}
