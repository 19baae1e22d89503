package backup

import (
	"context"
	"fmt"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/phpconfig"
)

// Inspect peeks the authoritative config.php out of an archive and returns
// the database profile it describes. Only the stream up to config.php is read.
func (s *Impl) Inspect(ctx context.Context, archivePath, passphrase string) (*models.InspectResult, error) {
	s.logger.Info().Str("archive", archivePath).Msg("inspecting archive")

	res, err := s.archiver.Peek(ctx, archivePath, passphrase)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("temp_dir", res.TempDir).
		Int64("bytes_freed", res.BytesFreed).
		Msg("peek dir removed")

	parsed, err := phpconfig.Parse(res.Content)
	if err != nil {
		return nil, models.WrapError(models.KindNoAuthoritativeConfig, "", fmt.Errorf("%s: %w", res.ArchiveName, err))
	}
	if !parsed.Profile.Kind.Supported() {
		return nil, models.NewError(models.KindUnsupportedDBKind, "",
			fmt.Sprintf("dbtype %q is not supported", parsed.Raw[phpconfig.KeyDBType]))
	}

	return &models.InspectResult{
		Profile:    parsed.Profile,
		ConfigPath: res.ArchiveName,
		Raw:        parsed.Raw,
	}, nil
}
