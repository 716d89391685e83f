package dcc

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/presbrey/ircdcc/hooks"
	"github.com/presbrey/ircdcc/metrics"
	"github.com/presbrey/ircdcc/syncmap"
)

const (
	DefaultChunkSize     = 8 * 1024
	DefaultAcceptTimeout = 2 * time.Minute
	DefaultDialTimeout   = 30 * time.Second

	// how long a sender waits for the last acknowledgements after EOF
	ackTimeout = 5 * time.Second
)

// Recorder persists finished transfers
type Recorder interface {
	Record(t Transfer) error
}

// Option configures a Manager
type Option func(*Manager)

// WithDownloadDir sets where received files are written
func WithDownloadDir(dir string) Option {
	return func(m *Manager) { m.downloadDir = dir }
}

// WithListenHost sets the interface outbound offers listen on
func WithListenHost(host string) Option {
	return func(m *Manager) { m.listenHost = host }
}

// WithExternalIP sets the address advertised in outbound offers
func WithExternalIP(ip string) Option {
	return func(m *Manager) { m.externalIP = ip }
}

func WithChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithAcceptTimeout bounds how long an offer waits for the peer to connect
func WithAcceptTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.acceptTimeout = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithRecorder stores every transfer once it finishes
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// Manager owns all transfers. Each transfer runs on its own goroutine with
// its own sockets; a failure in one never affects another.
type Manager struct {
	downloadDir   string
	listenHost    string
	chunkSize     int
	acceptTimeout time.Duration
	dialTimeout   time.Duration
	recorder      Recorder

	mu         sync.RWMutex
	externalIP string

	transfers syncmap.Map[string, *task]
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	Progress *hooks.Registry[Progress]
	Changed  *hooks.Registry[Transfer]
}

// task is the mutable record of one transfer. The mutex is never held
// across I/O.
type task struct {
	mu     sync.Mutex
	t      Transfer
	cancel context.CancelFunc
}

func (k *task) snapshot() Transfer {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.t
}

func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		downloadDir:   ".",
		chunkSize:     DefaultChunkSize,
		acceptTimeout: DefaultAcceptTimeout,
		dialTimeout:   DefaultDialTimeout,
		ctx:           ctx,
		cancel:        cancel,
		Progress:      hooks.NewRegistry[Progress](),
		Changed:       hooks.NewRegistry[Transfer](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetExternalIP changes the address advertised in later offers
func (m *Manager) SetExternalIP(ip string) {
	m.mu.Lock()
	m.externalIP = ip
	m.mu.Unlock()
}

// DownloadDir returns the directory received files are written to
func (m *Manager) DownloadDir() string {
	return m.downloadDir
}

// newTask registers a transfer and returns it with a context that is
// cancelled by Cancel, Close or the caller's ctx.
func (m *Manager) newTask(ctx context.Context, t Transfer) (*task, context.Context) {
	t.ID = uuid.NewString()
	t.Status = Pending
	t.StartedAt = time.Now()
	t.Transferred = t.ResumeOffset

	taskCtx, cancel := context.WithCancel(m.ctx)
	stop := context.AfterFunc(ctx, cancel)
	k := &task{t: t, cancel: func() {
		stop()
		cancel()
	}}

	m.transfers.Store(t.ID, k)
	metrics.ActiveTransfers.Inc()

	log.Printf("[dcc %s] %s %s with %s (%d bytes)", shortID(t.ID), t.Direction, t.FileName, t.Peer, t.Size)
	m.Changed.Publish(t)
	return k, taskCtx
}

// transition moves a transfer to status. It reports false when the
// transfer had already reached a terminal status.
func (m *Manager) transition(k *task, status Status, cause error) bool {
	k.mu.Lock()
	if k.t.Status.Terminal() || status < k.t.Status {
		k.mu.Unlock()
		return false
	}
	k.t.Status = status
	if status.Terminal() {
		k.t.EndedAt = time.Now()
		if cause != nil {
			k.t.Error = cause.Error()
		}
	}
	t := k.t
	k.mu.Unlock()

	if status.Terminal() {
		k.cancel()
		m.finished(t)
	}
	m.Changed.Publish(t)
	return true
}

func (m *Manager) finished(t Transfer) {
	metrics.ActiveTransfers.Dec()
	metrics.Transfers.WithLabelValues(t.Direction.String(), t.Status.String()).Inc()

	if t.Error != "" {
		log.Printf("[dcc %s] %s %s: %s", shortID(t.ID), t.FileName, t.Status, t.Error)
	} else {
		log.Printf("[dcc %s] %s %s (%d bytes)", shortID(t.ID), t.FileName, t.Status, t.Transferred)
	}

	if m.recorder != nil {
		if err := m.recorder.Record(t); err != nil {
			log.Printf("[dcc %s] Failed to record transfer: %v", shortID(t.ID), err)
		}
	}
}

// advance adds n transferred bytes and publishes progress
func (m *Manager) advance(k *task, n int) {
	k.mu.Lock()
	if k.t.Status.Terminal() {
		k.mu.Unlock()
		return
	}
	k.t.Transferred += int64(n)
	p := Progress{ID: k.t.ID, Transferred: k.t.Transferred, Size: k.t.Size}
	direction := k.t.Direction
	k.mu.Unlock()

	metrics.TransferBytes.WithLabelValues(direction.String()).Add(float64(n))
	m.Progress.Publish(p)
}

// fail ends a transfer after an error, as Cancelled when ctx was cancelled
func (m *Manager) fail(ctx context.Context, k *task, err error) {
	if ctx.Err() != nil {
		m.transition(k, Cancelled, ErrCancelled)
		return
	}
	m.transition(k, Failed, err)
}

// Get returns a snapshot of the transfer
func (m *Manager) Get(id string) (Transfer, error) {
	k, ok := m.transfers.Load(id)
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return k.snapshot(), nil
}

// List returns snapshots of all transfers, oldest first
func (m *Manager) List() []Transfer {
	// StartedAt is set before a task is stored and never changes
	tasks := m.transfers.SortedValues(func(a, b *task) bool {
		return a.t.StartedAt.Before(b.t.StartedAt)
	})
	list := make([]Transfer, 0, len(tasks))
	for _, k := range tasks {
		list = append(list, k.snapshot())
	}
	return list
}

// Cancel stops a transfer. The status is Cancelled when Cancel returns;
// the task releases its sockets and file shortly after.
func (m *Manager) Cancel(id string) error {
	k, ok := m.transfers.Load(id)
	if !ok {
		return ErrNotFound
	}
	if !m.transition(k, Cancelled, ErrCancelled) {
		return ErrFinished
	}
	return nil
}

// Remove forgets a finished transfer
func (m *Manager) Remove(id string) error {
	k, ok := m.transfers.Load(id)
	if !ok {
		return ErrNotFound
	}
	if !k.snapshot().Status.Terminal() {
		return ErrActive
	}
	m.transfers.Delete(id)
	return nil
}

// Wait blocks until the transfer reaches a terminal status or ctx is done
func (m *Manager) Wait(ctx context.Context, id string) (Transfer, error) {
	changed := make(chan struct{}, 1)
	sub := m.Changed.Subscribe(func(t Transfer) {
		if t.ID == id {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer m.Changed.Unregister(sub)

	for {
		t, err := m.Get(id)
		if err != nil {
			return Transfer{}, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-changed:
		}
	}
}

// Close cancels every active transfer and waits for all tasks to exit
func (m *Manager) Close() error {
	m.transfers.Range(func(_ string, k *task) bool {
		m.transition(k, Cancelled, ErrCancelled)
		return true
	})
	m.cancel()
	m.wg.Wait()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
