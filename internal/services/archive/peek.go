package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/phpconfig"
)

// maxConfigSize bounds the size of a config.php candidate. Larger members
// are rejected rather than truncated.
const maxConfigSize = 4 << 20

// Peek scans src for the authoritative config.php and stops reading as soon
// as one passes both the path and the content check. The member is staged in
// a temporary directory which is removed before Peek returns.
func (s *Impl) Peek(ctx context.Context, src, passphrase string) (res *PeekResult, err error) {
	st, err := open(ctx, src, passphrase)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	tmp, err := os.MkdirTemp(s.tempDir, fmt.Sprintf("nc-peek-%d-", s.now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("creating peek dir: %w", err)
	}
	defer func() {
		freed := dirSize(tmp)
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("path", tmp).Msg("Failed to remove peek dir")
			return
		}
		s.logger.Debug().Str("path", tmp).Int64("bytes_freed", freed).Msg("Removed peek dir")
		if res != nil {
			res.BytesFreed = freed
		}
	}()

	for {
		hdr, err := st.tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, readError(err)
		}
		if !IsAuthoritative(hdr.Name) || hdr.FileInfo().IsDir() {
			continue
		}

		if hdr.Size > maxConfigSize {
			return nil, ioError(models.SubCorrupt,
				fmt.Errorf("%s is %d bytes, more than the %d byte limit", hdr.Name, hdr.Size, maxConfigSize))
		}

		local := filepath.Join(tmp, "config", "config.php")
		content, err := stage(st.tr, local)
		if err != nil {
			return nil, err
		}
		if !phpconfig.LooksAuthoritative(content) {
			s.logger.Debug().Str("member", hdr.Name).Msg("Ignoring config.php without $CONFIG/dbtype")
			continue
		}

		s.logger.Info().
			Str("archive", src).
			Str("member", hdr.Name).
			Int64("offset", st.counter.n).
			Msg("Found authoritative config")
		return &PeekResult{ArchiveName: hdr.Name, Content: content, TempDir: tmp}, nil
	}

	return nil, models.NewError(models.KindNoAuthoritativeConfig, "",
		"no config/config.php containing $CONFIG and dbtype in "+filepath.Base(src))
}

func stage(r io.Reader, local string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return nil, writeError(err)
	}
	content, err := io.ReadAll(io.LimitReader(r, maxConfigSize+1))
	if err != nil {
		return nil, readError(err)
	}
	if len(content) > maxConfigSize {
		return nil, ioError(models.SubCorrupt, fmt.Errorf("config.php exceeds %d bytes", maxConfigSize))
	}
	if err := os.WriteFile(local, content, 0o600); err != nil {
		return nil, writeError(err)
	}
	return os.ReadFile(local) //nolint:gosec // inside our temp dir
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}
