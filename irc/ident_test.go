package irc

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentReply(t *testing.T) {
	assert.Equal(t, "6667 , 51234 : USERID : UNIX : alice", IdentReply("6667 , 51234\r\n", "alice"))
	assert.Equal(t, "113 , 40000 : USERID : UNIX : bob", IdentReply("113,40000", "bob"))
	assert.Equal(t, "garbage : ERROR : INVALID-PORT", IdentReply("garbage", "alice"))
	assert.Equal(t, "0 , 1 : ERROR : INVALID-PORT", IdentReply("0 , 1", "alice"))
}

func identQuery(t *testing.T, addr, query string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte(query + "\r\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func TestIdentServer(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	s, err := ListenIdent("127.0.0.1:0", "alice", func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer s.Close()

	addr := s.Addr().String()
	assert.Equal(t, "6667 , 51234 : USERID : UNIX : alice", identQuery(t, addr, "6667 , 51234"))

	// A peer that hangs up without a query must not affect later queries
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, "x : ERROR : INVALID-PORT", identQuery(t, addr, "x"))
	assert.Equal(t, "7000 , 1024 : USERID : UNIX : alice", identQuery(t, addr, "7000 , 1024"))

	require.NoError(t, s.Close())
	mu.Lock()
	assert.NotEmpty(t, errs)
	mu.Unlock()

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
