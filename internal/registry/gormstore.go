package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GormConfig selects and configures the database backend.
type GormConfig struct {
	Driver string // "sqlite" (default) or "postgres"

	// SQLite.
	Path        string
	JournalMode string // "wal" by default

	// PostgreSQL.
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type entryRecord struct {
	UserID    string    `gorm:"primaryKey;size:255"`
	State     string    `gorm:"size:32;not null"`
	SandboxID string    `gorm:"size:255"`
	Token     string    `gorm:"size:64"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (entryRecord) TableName() string { return "registry_entries" }

// GormStore implements Store (and Lister) on a relational database.
type GormStore struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// OpenGorm opens the configured database, runs migrations, and returns the
// store. The returned store's DB() is shared with the resume-token tracker.
func OpenGorm(cfg GormConfig, slogger *slog.Logger) (*GormStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	gormLogger := logger.New(
		slogWriter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory: %w", mkErr)
		}
		journalMode := cfg.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		var sqlDB *sql.DB
		sqlDB, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres connection: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
	default:
		return nil, fmt.Errorf("unknown registry driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, fmt.Errorf("migrating registry schema: %w", err)
	}

	return &GormStore{db: db, driver: driver, logger: slogger}, nil
}

// DB exposes the underlying connection so other trackers can share it.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Driver returns the active driver name.
func (s *GormStore) Driver() string { return s.driver }

func (s *GormStore) Get(ctx context.Context, userID string) (*Entry, error) {
	var rec entryRecord
	err := s.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry entry: %w", err)
	}
	return &Entry{
		State:     State(rec.State),
		SandboxID: rec.SandboxID,
		Token:     rec.Token,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (s *GormStore) Put(ctx context.Context, userID string, entry Entry) error {
	rec := entryRecord{
		UserID:    userID,
		State:     string(entry.State),
		SandboxID: entry.SandboxID,
		Token:     entry.Token,
		UpdatedAt: entry.UpdatedAt,
	}
	// Save upserts by primary key; concurrent writers resolve last-write-wins,
	// which is all the claim protocol assumes.
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("writing registry entry: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Delete(&entryRecord{}, "user_id = ?", userID).Error; err != nil {
		return fmt.Errorf("deleting registry entry: %w", err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) (map[string]Entry, error) {
	var recs []entryRecord
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing registry entries: %w", err)
	}
	out := make(map[string]Entry, len(recs))
	for _, rec := range recs {
		out[rec.UserID] = Entry{
			State:     State(rec.State),
			SandboxID: rec.SandboxID,
			Token:     rec.Token,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ Store  = (*GormStore)(nil)
	_ Lister = (*GormStore)(nil)
)

// slogWriter adapts slog to gorm's logger.Writer.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(fmt.Sprintf(format, args...))
	}
}
