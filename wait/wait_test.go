package wait

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast() *Options {
	return DefaultOptions().WithStrategy(NewFixedStrategy(time.Millisecond)).WithTimeout(time.Second)
}

func TestUntil(t *testing.T) {
	counter := 0
	err := Until(func() (bool, error) {
		counter++
		return counter >= 3, nil
	}, fast())

	require.NoError(t, err)
	assert.Equal(t, 3, counter)
}

func TestUntilMaxRetries(t *testing.T) {
	err := Until(func() (bool, error) { return false, nil }, fast().WithMaxRetries(2))
	assert.ErrorIs(t, err, ErrMaxRetriesReached)
}

func TestUntilConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := Until(func() (bool, error) { return false, boom }, fast())
	assert.ErrorIs(t, err, boom)
}

func TestUntilTimeoutAndCancel(t *testing.T) {
	err := Until(func() (bool, error) { return false, nil }, fast().WithTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Until(func() (bool, error) { return false, nil }, fast().WithContext(ctx))
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestExponentialStrategy(t *testing.T) {
	s := NewExponentialStrategy(10*time.Millisecond, 2, 35*time.Millisecond)

	var got []time.Duration
	for i := 0; i < 4; i++ {
		d, ok := s.Next()
		require.True(t, ok)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}, got)

	s.Reset()
	d, _ := s.Next()
	assert.Equal(t, 10*time.Millisecond, d)
}

func TestForTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.NoError(t, ForTCP(ln.Addr().String(), fast()))
}
