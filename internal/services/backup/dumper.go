package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	"github.com/fgeck/nextcloud-backup/internal/services/container"
	"github.com/rs/zerolog"
)

// Dumper dumps a database through its own client tooling inside the db container.
type Dumper interface {
	Dump(ctx context.Context, profile models.DatabaseProfile, dbContainer, outputPath string) (*models.DumpResult, error)
}

// ContainerDumper implements Dumper with exec calls through the container driver.
type ContainerDumper struct {
	driver container.Driver
	logger zerolog.Logger
}

// NewDumper creates a database dumper.
func NewDumper(logger zerolog.Logger, driver container.Driver) *ContainerDumper {
	return &ContainerDumper{
		driver: driver,
		logger: logger,
	}
}

// DumpCommand returns the client invocation and its environment for a profile.
// Passwords travel in the environment, never on the command line.
func DumpCommand(p models.DatabaseProfile) ([]string, map[string]string, error) {
	switch p.Kind {
	case models.DBKindPostgres:
		return []string{"pg_dump", "-Fp", "--no-owner", "--no-privileges", "-U", p.User, "-d", p.Name},
			map[string]string{"PGPASSWORD": p.Password}, nil
	case models.DBKindMySQL, models.DBKindMariaDB:
		return []string{"mysqldump", "--single-transaction", "--routines", "--user=" + p.User, p.Name},
			map[string]string{"MYSQL_PWD": p.Password}, nil
	default:
		return nil, nil, models.NewError(models.KindUnsupportedDBKind, "", fmt.Sprintf("no dump tool for %q", p.Kind))
	}
}

// DumpFileName is the archive name of the dump for a profile.
func DumpFileName(p models.DatabaseProfile) string {
	name := p.Name
	if name == "" {
		name = "nextcloud"
	}
	return name + p.Kind.DumpExtension()
}

// Dump writes the database dump to outputPath. Client failures are reported
// in the result, not as an error.
func (d *ContainerDumper) Dump(ctx context.Context, profile models.DatabaseProfile, dbContainer, outputPath string) (*models.DumpResult, error) {
	d.logger.Info().
		Str("kind", string(profile.Kind)).
		Str("container", dbContainer).
		Str("database", profile.Name).
		Str("output", outputPath).
		Msg("starting database dump")

	start := time.Now()
	result := &models.DumpResult{
		OutputPath: outputPath,
	}

	args, env, err := DumpCommand(profile)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil {
		result.Error = fmt.Errorf("failed to create output directory: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	out, err := os.Create(outputPath) //nolint:gosec // outputPath is controlled by caller
	if err != nil {
		result.Error = fmt.Errorf("failed to create output file: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	res, execErr := d.driver.Exec(ctx, dbContainer, args, container.ExecOptions{
		Env:    env,
		Stdout: out,
	})
	closeErr := out.Close()

	switch {
	case execErr != nil:
		result.Error = fmt.Errorf("%s failed: %w", args[0], execErr)
	case !res.OK():
		result.Error = fmt.Errorf("%s exited with code %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	case closeErr != nil:
		result.Error = fmt.Errorf("failed to write dump: %w", closeErr)
	}
	if result.Error != nil {
		_ = os.Remove(outputPath)
		result.Duration = time.Since(start)
		return result, nil //nolint:nilerr // error is stored in the result
	}

	if info, err := os.Stat(outputPath); err == nil {
		result.SizeBytes = info.Size()
	}
	result.Duration = time.Since(start)

	d.logger.Info().
		Str("output", outputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("database dump completed")

	return result, nil
}
