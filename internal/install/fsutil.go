package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// ctxReader fails reads once ctx is done, so io.Copy stops between chunks.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// moveTree moves a directory tree from src to dst, handling cross-device links.
// dst must not exist. A copy is staged next to dst and renamed into place so
// dst never holds a partial tree.
func moveTree(ctx context.Context, log *logger.Logger, rename func(string, string) error, src, dst string) error {
	// First try rename (fast path)
	err := rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	log.Debug("Rename crossed devices, falling back to copy+delete")

	staging, err := os.MkdirTemp(filepath.Dir(dst), ".elchi-stage-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	staged := filepath.Join(staging, filepath.Base(dst))
	if err := copyTree(ctx, src, staged); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := rename(staged, dst); err != nil {
		return err
	}

	// Remove source tree
	if err := os.RemoveAll(src); err != nil {
		log.WithError(err).Warn("Failed to remove moved source tree")
	}
	return nil
}

// copyTree copies the directory tree at src to dst preserving modes and symlinks.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(ctx, path, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(ctx context.Context, src, dst string, perm os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, ctxReader{ctx: ctx, r: srcFile}); err != nil {
		dstFile.Close()
		return err
	}
	// Sync to ensure data is written
	if err := dstFile.Sync(); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
