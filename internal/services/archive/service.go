// Package archive reads and writes gzip-compressed tar archives, optionally
// wrapped in an OpenPGP symmetric envelope compatible with `gpg -d`.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/rs/zerolog"
)

// File naming.
const (
	FilePrefix       = "nextcloud-backup-"
	TimestampLayout  = "20060102_150405"
	PlainExtension   = ".tar.gz"
	EncryptedSuffix  = ".gpg"
	MetadataPAXKey   = "NCBACKUP.metadata"
	ToolName         = "nextcloud-backup"
	authoritativeDir = "config"
	authoritativeFn  = "config.php"
)

// NamePattern matches every archive file name this tool produces.
var NamePattern = regexp.MustCompile(`^nextcloud-backup-\d{8}_\d{6}\.tar\.gz(\.gpg)?$`)

// Version is stamped into archive metadata.
var Version = "dev"

// Service defines archive codec operations.
type Service interface {
	Write(ctx context.Context, dest string, entries []models.ArchiveEntry, opts WriteOptions) (int64, error)
	Extract(ctx context.Context, src, passphrase, destDir string, progress func(models.ExtractProgress)) (*models.ArchiveManifest, error)
	Scan(ctx context.Context, src, passphrase string) (*models.ArchiveManifest, *models.ArchiveMetadata, error)
	Peek(ctx context.Context, src, passphrase string) (*PeekResult, error)
}

// WriteOptions controls archive production.
type WriteOptions struct {
	Root       string // single top-level directory inside the archive
	Passphrase string // empty writes a plain .tar.gz stream
	Metadata   *models.ArchiveMetadata
	Progress   func(models.WriteProgress)
}

// PeekResult holds the authoritative config.php located by Peek.
type PeekResult struct {
	ArchiveName string
	Content     []byte
	TempDir     string // already removed when Peek returns
	BytesFreed  int64
}

// Impl implements Service.
type Impl struct {
	logger  zerolog.Logger
	tempDir string
	now     func() time.Time
}

// New creates an archive service. Temporary files go to the OS temp dir.
func New(logger zerolog.Logger) *Impl {
	return NewWithTempDir(logger, "")
}

// NewWithTempDir creates an archive service rooted at a specific temp dir.
func NewWithTempDir(logger zerolog.Logger, tempDir string) *Impl {
	return &Impl{
		logger:  logger,
		tempDir: tempDir,
		now:     time.Now,
	}
}

// FileName returns the archive file name for a backup started at t.
func FileName(t time.Time, encrypted bool) string {
	name := FilePrefix + t.Format(TimestampLayout) + PlainExtension
	if encrypted {
		name += EncryptedSuffix
	}
	return name
}

// RootName derives the in-archive root directory from an archive file name.
func RootName(fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	name = strings.TrimSuffix(name, EncryptedSuffix)
	name = strings.TrimSuffix(name, PlainExtension)
	name = strings.TrimSuffix(name, ".tgz")
	return name
}

// IsEncrypted reports whether the file name denotes an encrypted archive.
func IsEncrypted(fileName string) bool {
	return strings.HasSuffix(strings.ToLower(fileName), EncryptedSuffix)
}

// IsAuthoritative reports whether an archive member name is the authoritative
// config: basename config.php with immediate parent directory config.
func IsAuthoritative(name string) bool {
	name = strings.TrimSuffix(name, "/")
	return path.Base(name) == authoritativeFn && path.Base(path.Dir(name)) == authoritativeDir
}

func supportedName(fileName string) bool {
	lower := strings.ToLower(fileName)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar.gz.gpg", ".tgz.gpg"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func ioError(sub string, err error) *models.Error {
	return models.WrapError(models.KindArchiveIO, sub, err)
}

// writeError classifies an error raised while producing an archive.
func writeError(err error) error {
	var typed *models.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) {
		return ioError(models.SubNoSpace, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("writing archive: %w", err)
}

func openArchiveFile(src string) (*os.File, os.FileInfo, error) {
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ioError(models.SubNotFound, err)
		}
		return nil, nil, fmt.Errorf("stat archive: %w", err)
	}
	if info.IsDir() {
		return nil, nil, models.NewError(models.KindArchiveIO, models.SubUnsupportedFormat, src+" is a directory")
	}
	if !supportedName(info.Name()) {
		return nil, nil, models.NewError(models.KindArchiveIO, models.SubUnsupportedFormat,
			fmt.Sprintf("%s is not a .tar.gz or .tar.gz.gpg archive", info.Name()))
	}
	f, err := os.Open(src) //nolint:gosec // path is chosen by the user
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}
	return f, info, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
