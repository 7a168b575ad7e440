package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// DefaultMaxSize caps the total number of bytes written by one extraction.
const DefaultMaxSize int64 = 4 << 30

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Extractor expands an archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath string, kind catalog.MediaKind, destDir string) (string, error)
}

// Default extracts tar (plain, gzip, zstd) and zip archives.
type Default struct {
	MaxSize int64
	logger  *logger.Logger
}

// NewDefault returns an extractor with the default size cap.
func NewDefault(log *logger.Logger) *Default {
	return &Default{MaxSize: DefaultMaxSize, logger: log}
}

// Extract expands archivePath into destDir and returns destDir.
func (d *Default) Extract(ctx context.Context, archivePath string, kind catalog.MediaKind, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errdefs.Wrap(errdefs.KindExtraction, "extract", err)
	}

	var err error
	switch kind {
	case catalog.MediaTar:
		err = d.extractTar(ctx, archivePath, destDir)
	case catalog.MediaZip:
		err = d.extractZip(ctx, archivePath, destDir)
	default:
		err = fmt.Errorf("unsupported media kind %q", kind)
	}
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindExtraction, "extract", err)
	}

	d.logger.WithFields(logger.Fields{
		"archive": filepath.Base(archivePath),
		"kind":    string(kind),
		"dest":    destDir,
	}).Debug("archive extracted")

	return destDir, nil
}

func (d *Default) limit() int64 {
	if d.MaxSize > 0 {
		return d.MaxSize
	}
	return DefaultMaxSize
}

func (d *Default) extractTar(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(4)

	var r io.Reader = br
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	budget := d.limit()
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		case tar.TypeReg:
			n, err := writeFile(target, tr, hdr.FileInfo().Mode(), budget)
			if err != nil {
				return err
			}
			budget -= n
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("tar: absolute symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			if !within(destDir, filepath.Join(filepath.Dir(target), hdr.Linkname)) {
				return fmt.Errorf("tar: symlink %s -> %s escapes the destination", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			d.logger.Debugf("skipping tar entry %s of type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func (d *Default) extractZip(ctx context.Context, archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("zip: %w", err)
	}
	defer zr.Close()

	budget := d.limit()
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}

		mode := zf.Mode()
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirMode(mode)); err != nil {
				return err
			}
			continue
		}
		if !mode.IsRegular() {
			d.logger.Debugf("skipping zip entry %s with mode %s", zf.Name, mode)
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("zip: %w", err)
		}
		n, err := writeFile(target, rc, mode, budget)
		rc.Close()
		if err != nil {
			return err
		}
		budget -= n
	}
	return nil
}

// safeJoin resolves name under root and rejects entries escaping it, either
// lexically or through a symlink extracted earlier.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if !within(root, target) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	if link, err := firstSymlink(root, target); err != nil {
		return "", err
	} else if link != "" {
		return "", fmt.Errorf("archive entry %q escapes the destination through symlink %s", name, link)
	}
	return target, nil
}

// firstSymlink returns the first existing component of target below root
// that is a symlink, target included.
func firstSymlink(root, target string) (string, error) {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return "", err
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return cur, nil
		}
	}
	return "", nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeFile(target string, r io.Reader, mode os.FileMode, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|noFollow, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, io.LimitReader(r, budget+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, fmt.Errorf("archive exceeds the extraction size limit")
	}
	return n, nil
}

func dirMode(mode os.FileMode) os.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm | 0o700
	}
	return 0o755
}
