// Package wait polls a condition until it holds, used to wait for IRC
// servers to become reachable and for transfers to reach a state.
package wait

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrTimeout           = errors.New("wait: timeout exceeded")
	ErrMaxRetriesReached = errors.New("wait: maximum retries reached")
	ErrCanceled          = errors.New("wait: operation canceled")
)

// ConditionFunc returns true when the awaited condition holds
type ConditionFunc func() (bool, error)

// Options configures wait behavior
type Options struct {
	MaxRetries int // 0 means unlimited
	Timeout    time.Duration
	Strategy   Strategy
	Context    context.Context
}

// DefaultOptions returns default wait options
func DefaultOptions() *Options {
	return &Options{
		MaxRetries: 0,
		Timeout:    30 * time.Second,
		Strategy:   NewFixedStrategy(100 * time.Millisecond),
		Context:    context.Background(),
	}
}

// WithMaxRetries sets the maximum number of retries
func (o *Options) WithMaxRetries(n int) *Options {
	o.MaxRetries = n
	return o
}

// WithTimeout sets the overall timeout
func (o *Options) WithTimeout(d time.Duration) *Options {
	o.Timeout = d
	return o
}

// WithStrategy sets the wait strategy
func (o *Options) WithStrategy(s Strategy) *Options {
	o.Strategy = s
	return o
}

// WithContext sets the context for cancellation
func (o *Options) WithContext(ctx context.Context) *Options {
	o.Context = ctx
	return o
}

// Until waits until the condition returns true or an error occurs
func Until(condition ConditionFunc, opts ...*Options) error {
	options := mergeOptions(opts...)

	ctx, cancel := context.WithTimeout(options.Context, options.Timeout)
	defer cancel()

	options.Strategy.Reset()
	for attempts := 1; ; attempts++ {
		ok, err := condition()
		if err != nil {
			return fmt.Errorf("wait: condition error: %w", err)
		}
		if ok {
			return nil
		}

		if options.MaxRetries > 0 && attempts >= options.MaxRetries {
			return ErrMaxRetriesReached
		}

		delay, ok := options.Strategy.Next()
		if !ok {
			return ErrMaxRetriesReached
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ErrCanceled
		case <-timer.C:
		}
	}
}

// ForTCP waits until a TCP connection to address can be established. Each
// dial attempt is bounded by the options context and a 5s timeout.
func ForTCP(address string, opts ...*Options) error {
	options := mergeOptions(opts...)
	d := net.Dialer{Timeout: 5 * time.Second}
	return Until(func() (bool, error) {
		conn, err := d.DialContext(options.Context, "tcp", address)
		if err != nil {
			return false, nil
		}
		conn.Close()
		return true, nil
	}, options)
}

func mergeOptions(opts ...*Options) *Options {
	options := DefaultOptions()
	if len(opts) == 0 || opts[0] == nil {
		return options
	}
	o := opts[0]
	options.MaxRetries = o.MaxRetries
	if o.Timeout > 0 {
		options.Timeout = o.Timeout
	}
	if o.Strategy != nil {
		options.Strategy = o.Strategy
	}
	if o.Context != nil {
		options.Context = o.Context
	}
	return options
}
