// Package pgstore implements state.Store on PostgreSQL via GORM, for
// deployments that already run a relational control plane and want file
// records alongside it. Schema changes are versioned with golang-migrate
// rather than GORM's AutoMigrate, the way a production postgres metadata
// store runs migrations ahead of opening the pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chunkstream/chunkstream/pkg/state"
)

// Config holds PostgreSQL connection parameters for the state store.
type Config struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`

	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// ApplyDefaults fills in zero-valued fields with production-sane defaults.
func (c *Config) ApplyDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = 5 * time.Second
	}
}

// DSN returns the PostgreSQL connection string for this config.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode, int(c.ConnTimeout.Seconds()),
	)
}

// fileRecordRow is the GORM model backing state.FileRecord. A separate
// type keeps the persistence schema decoupled from the public struct.
type fileRecordRow struct {
	ID                string `gorm:"primaryKey;type:varchar(64)"`
	ClientID          string `gorm:"index;type:varchar(64)"`
	OriginalName      string
	OriginalSize      int64
	Path              string
	CrcedBytes        int64
	CompletionInBytes int64
	CreatedAt         time.Time
}

func (fileRecordRow) TableName() string { return "file_records" }

func toRecord(row fileRecordRow) state.FileRecord {
	return state.FileRecord{
		ID:                row.ID,
		ClientID:          row.ClientID,
		OriginalName:      row.OriginalName,
		OriginalSize:      row.OriginalSize,
		Path:              row.Path,
		CrcedBytes:        row.CrcedBytes,
		CompletionInBytes: row.CompletionInBytes,
		CreatedAt:         row.CreatedAt,
	}
}

func fromRecord(r state.FileRecord) fileRecordRow {
	return fileRecordRow{
		ID:                r.ID,
		ClientID:          r.ClientID,
		OriginalName:      r.OriginalName,
		OriginalSize:      r.OriginalSize,
		Path:              r.Path,
		CrcedBytes:        r.CrcedBytes,
		CompletionInBytes: r.CompletionInBytes,
		CreatedAt:         r.CreatedAt,
	}
}

// Store is a GORM-backed state.Store targeting PostgreSQL.
type Store struct {
	db          *gorm.DB
	contentRoot string
	idFunc      func() string
}

// Open runs pending migrations (see migrate.go) and returns a ready Store.
// idFunc generates new file identifiers; pass nil to use uuid.NewString.
func Open(ctx context.Context, cfg *Config, contentRoot string, idFunc func() string) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pgstore: config is required")
	}
	cfg.ApplyDefaults()

	if err := RunMigrations(ctx, cfg.DSN()); err != nil {
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("pgstore: acquire sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	if idFunc == nil {
		idFunc = defaultIDFunc
	}

	return &Store{db: db, contentRoot: contentRoot, idFunc: idFunc}, nil
}

func mapGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return state.ErrNotFound
	}
	return err
}

var _ state.Store = (*Store)(nil)
