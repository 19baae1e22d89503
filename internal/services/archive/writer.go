package archive

import (
	"archive/tar"
	"context"
	"crypto"
	_ "crypto/sha256" // S2K hash for the OpenPGP envelope
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fgeck/nextcloud-backup/internal/models"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

type member struct {
	src  string
	name string
	info fs.FileInfo
	link string
}

func encryptionConfig() *packet.Config {
	return &packet.Config{
		DefaultCipher: packet.CipherAES256,
		DefaultHash:   crypto.SHA256,
	}
}

// Write streams entries into dest as <root>/<archive name>/... members.
// Directories are walked recursively. The returned size is that of dest.
func (s *Impl) Write(ctx context.Context, dest string, entries []models.ArchiveEntry, opts WriteOptions) (int64, error) {
	root := opts.Root
	if root == "" {
		root = RootName(dest)
	}

	members, totalBytes, err := plan(entries, root)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("dest", dest).
		Int("members", len(members)).
		Int64("bytes", totalBytes).
		Bool("encrypted", opts.Passphrase != "").
		Msg("Writing archive")

	if err := s.write(ctx, dest, root, members, totalBytes, opts); err != nil {
		_ = os.Remove(dest)
		return 0, writeError(err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("stat written archive: %w", err)
	}
	return info.Size(), nil
}

func (s *Impl) write(ctx context.Context, dest, root string, members []member, totalBytes int64, opts WriteOptions) (err error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // dest is chosen by caller
	if err != nil {
		return err
	}

	// Closed innermost first; the first close error wins.
	closers := []io.Closer{f}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	var out io.Writer = f
	if opts.Passphrase != "" {
		hints := &openpgp.FileHints{IsBinary: true, FileName: root + PlainExtension}
		enc, encErr := openpgp.SymmetricallyEncrypt(f, []byte(opts.Passphrase), hints, encryptionConfig())
		if encErr != nil {
			return fmt.Errorf("starting encryption: %w", encErr)
		}
		closers = append(closers, enc)
		out = enc
	}

	gz, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	gz.Name = root + ".tar"
	gz.ModTime = s.now()
	if opts.Metadata != nil {
		gz.Comment = summary(opts.Metadata)
	}
	closers = append(closers, gz)

	tw := tar.NewWriter(gz)
	closers = append(closers, tw)

	if opts.Metadata != nil {
		if err := writeMetadata(tw, opts.Metadata); err != nil {
			return err
		}
	}

	var written int64
	for i, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := writeMember(ctx, tw, m)
		if err != nil {
			return fmt.Errorf("adding %s: %w", m.name, err)
		}
		written += n
		if opts.Progress != nil {
			opts.Progress(models.WriteProgress{
				Members:      i + 1,
				TotalMembers: len(members),
				BytesWritten: written,
				TotalBytes:   totalBytes,
				Current:      m.name,
			})
		}
	}

	return nil
}

func plan(entries []models.ArchiveEntry, root string) ([]member, int64, error) {
	var (
		members []member
		total   int64
	)

	for _, entry := range entries {
		base := path.Join(root, filepath.ToSlash(entry.ArchiveName))
		err := filepath.WalkDir(entry.SourcePath, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(entry.SourcePath, p)
			if err != nil {
				return err
			}
			name := base
			if rel != "." {
				name = path.Join(base, filepath.ToSlash(rel))
			}

			m := member{src: p, name: name, info: info}
			switch {
			case info.Mode()&fs.ModeSymlink != 0:
				if m.link, err = os.Readlink(p); err != nil {
					return err
				}
			case info.Mode().IsRegular():
				total += info.Size()
			case info.IsDir():
			default:
				// sockets, devices and pipes are not archived
				return nil
			}
			members = append(members, m)
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("collecting %s: %w", entry.SourcePath, err)
		}
	}

	return members, total, nil
}

func writeMember(ctx context.Context, tw *tar.Writer, m member) (int64, error) {
	hdr, err := tar.FileInfoHeader(m.info, m.link)
	if err != nil {
		return 0, err
	}
	hdr.Name = m.name
	if m.info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	if !m.info.Mode().IsRegular() {
		return 0, nil
	}

	f, err := os.Open(m.src) //nolint:gosec // walked from a caller-provided root
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	return io.Copy(tw, &ctxReader{ctx: ctx, r: f})
}

func writeMetadata(tw *tar.Writer, md *models.ArchiveMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeXGlobalHeader,
		Name:     "pax_global_header",
		PAXRecords: map[string]string{
			"comment":      summary(md),
			MetadataPAXKey: string(data),
		},
	})
}

func summary(md *models.ArchiveMetadata) string {
	parts := make([]string, 0, len(md.Components))
	for _, c := range md.Components {
		parts = append(parts, string(c))
	}
	return fmt.Sprintf("%s %s db=%s components=%s created=%s",
		md.Tool, md.Version, md.DBKind, strings.Join(parts, ","), md.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
}
