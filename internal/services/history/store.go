// Package history persists one record per produced backup archive.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("backup record not found")

// Store defines history operations.
type Store interface {
	Insert(ctx context.Context, rec *models.BackupRecord) error
	UpdateVerification(ctx context.Context, id uint, v models.Verification, detail string) error
	Get(ctx context.Context, id uint) (*models.BackupRecord, error)
	List(ctx context.Context) ([]models.BackupRecord, error)
	ListExisting(ctx context.Context) ([]models.BackupRecord, error)
	DeleteByPaths(ctx context.Context, paths []string) (int64, error)
	Close() error
}

// SQLiteStore implements Store on a local sqlite file.
type SQLiteStore struct {
	db     *gorm.DB
	logger zerolog.Logger
	mu     sync.Mutex
	exists func(path string) bool
	now    func() time.Time
}

// Open opens (creating when needed) the history database at path.
func Open(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.BackupRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("History store opened")

	return &SQLiteStore{
		db:     db,
		logger: logger,
		exists: fileExists,
		now:    time.Now,
	}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Insert stores a new record. CreatedAt defaults to now (UTC) and
// Verification to unverified.
func (s *SQLiteStore) Insert(ctx context.Context, rec *models.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID != 0 {
		return fmt.Errorf("record for %s already inserted as #%d", rec.ArchivePath, rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.Verification == "" {
		rec.Verification = models.VerificationUnverified
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("inserting backup record: %w", err)
	}

	s.logger.Debug().Uint("id", rec.ID).Str("archive", rec.ArchivePath).Msg("Backup record inserted")
	return nil
}

// UpdateVerification sets only the verification fields of a record.
func (s *SQLiteStore) UpdateVerification(ctx context.Context, id uint, v models.Verification, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).
		Model(&models.BackupRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"verification":        v,
			"verification_detail": detail,
		})
	if res.Error != nil {
		return fmt.Errorf("updating verification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record #%d: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns one record.
func (s *SQLiteStore) Get(ctx context.Context, id uint) (*models.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec models.BackupRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("record #%d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	return &rec, nil
}

// List returns every record, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]models.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []models.BackupRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return recs, nil
}

// ListExisting returns records whose archive still exists on disk, newest
// first, and deletes the others in the same transaction.
func (s *SQLiteStore) ListExisting(ctx context.Context) ([]models.BackupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []models.BackupRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var all []models.BackupRecord
		if err := tx.Order("created_at DESC, id DESC").Find(&all).Error; err != nil {
			return err
		}

		var stale []uint
		for _, rec := range all {
			if s.exists(rec.ArchivePath) {
				kept = append(kept, rec)
				continue
			}
			stale = append(stale, rec.ID)
			s.logger.Info().Uint("id", rec.ID).Str("archive", rec.ArchivePath).Msg("Archive missing, dropping history record")
		}

		if len(stale) == 0 {
			return nil
		}
		return tx.Delete(&models.BackupRecord{}, stale).Error
	})
	if err != nil {
		return nil, fmt.Errorf("reconciling history: %w", err)
	}
	return kept, nil
}

// DeleteByPaths removes the records of the given archive paths.
func (s *SQLiteStore) DeleteByPaths(ctx context.Context, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Where("archive_path IN ?", paths).Delete(&models.BackupRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting history records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
