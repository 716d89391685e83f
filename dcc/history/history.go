// Package history persists finished DCC transfers with gorm. The backing
// database is chosen by the DSN: postgres:// and mysql:// URLs select
// those drivers, anything else is treated as a SQLite path.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/presbrey/ircdcc/dcc"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("history: transfer not found")

// Record is the stored form of a transfer
type Record struct {
	ID           string `gorm:"primaryKey;size:36"`
	Peer         string `gorm:"size:64;index"`
	FileName     string `gorm:"size:255"`
	Path         string `gorm:"size:1024"`
	Size         int64
	Transferred  int64
	Direction    string `gorm:"size:16"`
	Status       string `gorm:"size:16;index"`
	Address      string `gorm:"size:64"`
	Port         int
	ResumeOffset int64
	Error        string `gorm:"size:1024"`
	StartedAt    time.Time `gorm:"index"`
	EndedAt      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Record) TableName() string {
	return "dcc_transfers"
}

func fromTransfer(t dcc.Transfer) Record {
	return Record{
		ID:           t.ID,
		Peer:         t.Peer,
		FileName:     t.FileName,
		Path:         t.Path,
		Size:         t.Size,
		Transferred:  t.Transferred,
		Direction:    t.Direction.String(),
		Status:       t.Status.String(),
		Address:      t.Address,
		Port:         t.Port,
		ResumeOffset: t.ResumeOffset,
		Error:        t.Error,
		StartedAt:    t.StartedAt,
		EndedAt:      t.EndedAt,
	}
}

// Transfer converts the record back into a snapshot
func (r Record) Transfer() dcc.Transfer {
	t := dcc.Transfer{
		ID:           r.ID,
		Peer:         r.Peer,
		FileName:     r.FileName,
		Path:         r.Path,
		Size:         r.Size,
		Transferred:  r.Transferred,
		Address:      r.Address,
		Port:         r.Port,
		ResumeOffset: r.ResumeOffset,
		Error:        r.Error,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
	}
	// Unknown values from older rows keep the zero value
	t.Direction.UnmarshalText([]byte(r.Direction))
	t.Status.UnmarshalText([]byte(r.Status))
	return t
}

// Option configures Open
type Option func(*gorm.Config)

// WithLogLevel sets the gorm logger level; the default is silent
func WithLogLevel(level logger.LogLevel) Option {
	return func(cfg *gorm.Config) {
		cfg.Logger = logger.Default.LogMode(level)
	}
}

// Store is a transfer history backed by a SQL database. It implements
// dcc.Recorder.
type Store struct {
	db *gorm.DB
}

// Dialector picks the gorm driver for dsn
func Dialector(dsn string) (gorm.Dialector, error) {
	switch {
	case dsn == "":
		return nil, errors.New("history: empty dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	case strings.HasPrefix(dsn, "mysql://"):
		// go-sql-driver/mysql takes user:pass@tcp(host)/db without a scheme
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// Open connects to dsn and migrates the schema
func Open(dsn string, opts ...Option) (*Store, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dialector.Name(), err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Record saves t, replacing any earlier row with the same id
func (s *Store) Record(t dcc.Transfer) error {
	rec := fromTransfer(t)
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("history: save %s: %w", t.ID, err)
	}
	return nil
}

// List returns the most recent transfers first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]dcc.Transfer, error) {
	var records []Record
	q := s.db.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}

	list := make([]dcc.Transfer, len(records))
	for i, r := range records {
		list[i] = r.Transfer()
	}
	return list, nil
}

// Get returns one stored transfer
func (s *Store) Get(id string) (dcc.Transfer, error) {
	var rec Record
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dcc.Transfer{}, ErrNotFound
	}
	if err != nil {
		return dcc.Transfer{}, fmt.Errorf("history: get %s: %w", id, err)
	}
	return rec.Transfer(), nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
