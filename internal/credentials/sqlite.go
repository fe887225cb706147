package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/teemow/expensebridge/internal/provider"
)

// credentialRow is the sqlite table layout. Tokens are keyring-sealed.
type credentialRow struct {
	Principal    string `gorm:"primaryKey;size:255"`
	Provider     string `gorm:"primaryKey;size:32"`
	DisplayName  string
	AccessToken  string
	RefreshToken string
	TokenType    string `gorm:"size:32"`
	Expiry       time.Time
	Scopes       string
	UpdatedAt    time.Time
}

func (credentialRow) TableName() string { return "credentials" }

// SQLiteStore persists records in a sqlite database through gorm.
type SQLiteStore struct {
	db      *gorm.DB
	keyring *Keyring
	logger  *slog.Logger
}

// NewSQLiteStore opens the database at path and migrates the schema.
func NewSQLiteStore(path string, keyring *Keyring, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// SQL logging stays off: statements carry token columns.
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
	}
	// A single connection serializes writes and avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&credentialRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate credentials table: %w", err)
	}

	log.Debug("opened sqlite credential store", "path", path)
	return &SQLiteStore{db: db, keyring: keyring, logger: log}, nil
}

func (s *SQLiteStore) toRow(r *Record) (*credentialRow, error) {
	sr, err := sealRecord(s.keyring, r)
	if err != nil {
		return nil, err
	}
	return &credentialRow{
		Principal:    sr.Principal,
		Provider:     sr.Provider,
		DisplayName:  sr.DisplayName,
		AccessToken:  sr.AccessToken,
		RefreshToken: sr.RefreshToken,
		TokenType:    sr.TokenType,
		Expiry:       sr.Expiry,
		Scopes:       strings.Join(sr.Scopes, " "),
		UpdatedAt:    sr.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) fromRow(row *credentialRow) (*Record, error) {
	sr := &storedRecord{
		Principal:    row.Principal,
		Provider:     row.Provider,
		DisplayName:  row.DisplayName,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
		Expiry:       row.Expiry,
		Scopes:       strings.Fields(row.Scopes),
		UpdatedAt:    row.UpdatedAt,
	}
	return sr.open(s.keyring)
}

// Get loads the record for (principal, p).
func (s *SQLiteStore) Get(ctx context.Context, principal string, p provider.Provider) (*Record, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).
		Where("principal = ? AND provider = ?", principal, string(p)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return s.fromRow(&row)
}

// Put inserts or replaces the record.
func (s *SQLiteStore) Put(ctx context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	c := record.Clone()
	c.UpdatedAt = time.Now()
	row, err := s.toRow(c)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Revoke deletes the record if present.
func (s *SQLiteStore) Revoke(ctx context.Context, principal string, p provider.Provider) error {
	err := s.db.WithContext(ctx).
		Where("principal = ? AND provider = ?", principal, string(p)).
		Delete(&credentialRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List returns the records of principal ordered by provider.
func (s *SQLiteStore) List(ctx context.Context, principal string) ([]*Record, error) {
	var rows []credentialRow
	err := s.db.WithContext(ctx).
		Where("principal = ?", principal).
		Order("provider").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		r, err := s.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
