package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/openpgp"
	pgperrors "golang.org/x/crypto/openpgp/errors"
)

var errWrongPassphrase = errors.New("passphrase rejected")

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type stream struct {
	tr      *tar.Reader
	counter *countingReader
	size    int64
	file    *os.File
	gz      *gzip.Reader
}

func (s *stream) Close() error {
	if s.gz != nil {
		_ = s.gz.Close()
	}
	return s.file.Close()
}

// open returns a tar reader over src, decrypting when the name ends in .gpg.
func open(ctx context.Context, src, passphrase string) (*stream, error) {
	f, info, err := openArchiveFile(src)
	if err != nil {
		return nil, err
	}

	st := &stream{
		counter: &countingReader{r: f},
		size:    info.Size(),
		file:    f,
	}
	var plain io.Reader = &ctxReader{ctx: ctx, r: st.counter}

	if IsEncrypted(info.Name()) {
		decrypted, err := decrypt(plain, passphrase)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		plain = decrypted
	}

	gz, err := gzip.NewReader(plain)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, gzip.ErrHeader) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ioError(models.SubUnsupportedFormat, fmt.Errorf("not a gzip stream: %w", err))
		}
		return nil, readError(err)
	}
	st.gz = gz
	st.tr = tar.NewReader(gz)
	return st, nil
}

func decrypt(r io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, models.NewError(models.KindArchiveAuth, models.SubBadPassphrase, "archive is encrypted and no passphrase was given")
	}

	tried := false
	prompt := func(_ []openpgp.Key, symmetric bool) ([]byte, error) {
		if tried || !symmetric {
			return nil, errWrongPassphrase
		}
		tried = true
		return []byte(passphrase), nil
	}

	md, err := openpgp.ReadMessage(r, nil, prompt, encryptionConfig())
	if err != nil {
		if errors.Is(err, errWrongPassphrase) || errors.Is(err, pgperrors.ErrKeyIncorrect) {
			return nil, models.WrapError(models.KindArchiveAuth, models.SubBadPassphrase, err)
		}
		return nil, ioError(models.SubCorrupt, fmt.Errorf("reading OpenPGP envelope: %w", err))
	}
	return md.UnverifiedBody, nil
}

// readError classifies an error raised while consuming an archive stream.
func readError(err error) error {
	var typed *models.Error
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return ioError(models.SubCorrupt, err)
	}
}

// Extract writes every member of src under destDir, preserving relative
// paths, modes and mtimes. progress is called after every member.
func (s *Impl) Extract(ctx context.Context, src, passphrase, destDir string, progress func(models.ExtractProgress)) (*models.ArchiveManifest, error) {
	st, err := open(ctx, src, passphrase)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	s.logger.Info().Str("archive", src).Str("dest", destDir).Msg("Extracting archive")

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating extraction dir: %w", err)
	}

	mb := newManifestBuilder()
	type dirTime struct {
		path  string
		mtime time.Time
	}
	var dirs []dirTime

	for {
		hdr, err := st.tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, readError(err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			mb.metadata(hdr)
			continue
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return nil, writeError(err)
			}
			dirs = append(dirs, dirTime{target, hdr.ModTime})
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // old archivers still emit TypeRegA
			if err := extractFile(st.tr, target, hdr); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			if err := extractSymlink(destDir, target, hdr); err != nil {
				return nil, err
			}
		default:
			s.logger.Debug().Str("member", hdr.Name).Msg("Skipping unsupported member type")
			continue
		}

		mb.add(hdr)
		if progress != nil {
			progress(models.ExtractProgress{
				Members:         mb.members,
				BytesRead:       st.counter.n,
				TotalBytes:      st.size,
				CurrentMember:   hdr.Name,
				CurrentMemberSz: hdr.Size,
			})
		}
	}

	// Directory mtimes change as children are written, so apply them last.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime)
	}

	manifest := mb.build()
	s.logger.Info().
		Int("members", manifest.Members).
		Str("root", manifest.Root).
		Str("config", manifest.ConfigPath).
		Msg("Archive extracted")
	return manifest, nil
}

// Scan reads the whole archive without writing anything and reports its
// layout and embedded metadata (nil when absent).
func (s *Impl) Scan(ctx context.Context, src, passphrase string) (*models.ArchiveManifest, *models.ArchiveMetadata, error) {
	st, err := open(ctx, src, passphrase)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = st.Close() }()

	mb := newManifestBuilder()
	for {
		hdr, err := st.tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, readError(err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			mb.metadata(hdr)
			continue
		}
		mb.add(hdr)
	}

	return mb.build(), mb.meta, nil
}

func extractFile(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return writeError(err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(hdr)) //nolint:gosec // target checked by safeJoin
	if err != nil {
		return writeError(err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		if isWriteSide(err) {
			return writeError(err)
		}
		return readError(err)
	}
	if err := f.Close(); err != nil {
		return writeError(err)
	}
	// OpenFile applies the umask; restore the archived bits.
	if err := os.Chmod(target, fileMode(hdr)); err != nil {
		return writeError(err)
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func extractSymlink(destDir, target string, hdr *tar.Header) error {
	resolved := hdr.Linkname
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(target), resolved)
	}
	if !within(destDir, resolved) {
		return ioError(models.SubCorrupt, fmt.Errorf("symlink %s escapes extraction dir", hdr.Name))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return writeError(err)
	}
	_ = os.Remove(target)
	if err := os.Symlink(hdr.Linkname, target); err != nil {
		return writeError(err)
	}
	return nil
}

func isWriteSide(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}

func safeJoin(destDir, name string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	target := filepath.Join(destDir, filepath.FromSlash(clean))
	if !within(destDir, target) {
		return "", ioError(models.SubCorrupt, fmt.Errorf("member %q escapes extraction dir", name))
	}
	return target, nil
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	return mode
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0o755
	}
	return mode
}

type manifestBuilder struct {
	root       string
	components map[models.Component]bool
	dumpFile   string
	configPath string
	members    int
	meta       *models.ArchiveMetadata
}

func newManifestBuilder() *manifestBuilder {
	return &manifestBuilder{components: make(map[models.Component]bool)}
}

func (b *manifestBuilder) metadata(hdr *tar.Header) {
	raw, ok := hdr.PAXRecords[MetadataPAXKey]
	if !ok {
		return
	}
	var md models.ArchiveMetadata
	if err := json.Unmarshal([]byte(raw), &md); err == nil {
		b.meta = &md
	}
}

func (b *manifestBuilder) add(hdr *tar.Header) {
	b.members++
	name := strings.TrimPrefix(path.Clean(strings.TrimSuffix(hdr.Name, "/")), "./")
	parts := strings.Split(name, "/")
	if b.root == "" {
		b.root = parts[0]
	}
	if len(parts) < 2 || parts[0] != b.root {
		return
	}

	isFile := hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeRegA //nolint:staticcheck // legacy type
	if c, ok := models.ParseComponent(parts[1]); ok && (len(parts) > 2 || hdr.Typeflag == tar.TypeDir) {
		b.components[c] = true
	}
	if len(parts) == 2 && isFile && b.dumpFile == "" {
		if ext := path.Ext(parts[1]); ext == ".sql" || ext == ".db" {
			b.dumpFile = name
		}
	}
	if isFile && IsAuthoritative(name) {
		// Prefer the shallowest candidate: <root>/config/config.php.
		if b.configPath == "" || strings.Count(name, "/") < strings.Count(b.configPath, "/") {
			b.configPath = name
		}
	}
}

func (b *manifestBuilder) build() *models.ArchiveManifest {
	comps := make([]models.Component, 0, len(b.components))
	for _, c := range models.AllComponents {
		if b.components[c] {
			comps = append(comps, c)
		}
	}
	return &models.ArchiveManifest{
		Root:       b.root,
		Components: comps,
		DumpFile:   b.dumpFile,
		ConfigPath: b.configPath,
		Members:    b.members,
	}
}
