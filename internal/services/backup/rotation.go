package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/services/archive"
)

type archiveFile struct {
	path  string
	mtime time.Time
}

// Rotate keeps the keep newest archives (by mtime) in dir, deletes the rest
// and purges their history records. keep <= 0 keeps everything.
func (s *Impl) Rotate(ctx context.Context, dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	files, err := listArchives(dir)
	if err != nil {
		return nil, err
	}
	if len(files) <= keep {
		s.logger.Debug().Int("archives", len(files)).Int("keep", keep).Msg("nothing to rotate")
		return nil, nil
	}

	var deleted []string
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("archive", f.path).Msg("failed to delete old archive")
			continue
		}
		deleted = append(deleted, f.path)
		s.logger.Info().Str("archive", f.path).Time("mtime", f.mtime).Msg("rotated out old archive")
	}

	if _, err := s.store.DeleteByPaths(ctx, deleted); err != nil {
		return deleted, fmt.Errorf("purging rotated history records: %w", err)
	}

	s.logger.Info().
		Int("kept", keep).
		Int("removed", len(deleted)).
		Msg("rotation applied")

	return deleted, nil
}

// listArchives returns archives in dir matching the backup file name
// pattern, newest first.
func listArchives(dir string) ([]archiveFile, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving backup dir: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("reading backup dir: %w", err)
	}

	var files []archiveFile
	for _, e := range entries {
		if e.IsDir() || !archive.NamePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, archiveFile{path: filepath.Join(abs, e.Name()), mtime: info.ModTime()})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].mtime.Equal(files[j].mtime) {
			return files[i].path > files[j].path
		}
		return files[i].mtime.After(files[j].mtime)
	})
	return files, nil
}
