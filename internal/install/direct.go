package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CloudNativeWorks/elchi-updater/internal/bundle"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// Installer replaces the bundle at destinationPath with the one at sourcePath.
type Installer interface {
	Install(ctx context.Context, sourcePath, destinationPath string) error
}

// Direct installs in the calling process with its own filesystem rights.
type Direct struct {
	locks  *PathLocks
	logger *logger.Logger

	// filesystem seams, replaced in tests
	rename func(oldpath, newpath string) error
	verify func(path string) error
}

// NewDirect creates a direct installer. Installs sharing locks are serialised
// per destination path.
func NewDirect(locks *PathLocks, log *logger.Logger) *Direct {
	if locks == nil {
		locks = NewPathLocks()
	}
	return &Direct{
		locks:  locks,
		logger: log,
		rename: os.Rename,
		verify: func(path string) error {
			_, err := bundle.Open(path)
			return err
		},
	}
}

// Install swaps the candidate bundle into destinationPath.
//
// The current install is moved to a per-attempt backup directory next to the
// destination, the candidate is moved in and re-opened as a bundle. Any failure
// after the backup exists restores it before the error is returned. If the
// restore itself fails the error has kind errdefs.KindRollback.
func (d *Direct) Install(ctx context.Context, sourcePath, destinationPath string) (err error) {
	const op = "install"

	if _, err := bundle.Open(sourcePath); err != nil {
		return errdefs.Wrap(errdefs.KindInstall, op, err)
	}

	dest, err := filepath.Abs(destinationPath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInstall, op, err)
	}

	unlock := d.locks.Lock(dest)
	defer unlock()

	log := d.logger.WithFields(logger.Fields{"source": sourcePath, "destination": dest})

	backupDir, err := os.MkdirTemp(filepath.Dir(dest), ".elchi-backup-*")
	if err != nil {
		return errdefs.Wrap(errdefs.KindInstall, op, err)
	}
	backup := filepath.Join(backupDir, filepath.Base(dest))
	// mutated is set once dest may differ from what was there before
	hasBackup, mutated := false, false

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("panic during install: %v", p)
		}

		if err != nil && mutated {
			if rbErr := d.rollback(dest, backup, hasBackup); rbErr != nil {
				log.WithError(rbErr).Error("rollback failed, install path may be corrupt")
				err = &errdefs.Error{
					Kind: errdefs.KindRollback,
					Op:   op,
					Err:  fmt.Errorf("rollback failed, backup kept at %s: %w (install error: %w)", backup, rbErr, err),
				}
				if p != nil {
					panic(p)
				}
				return
			}
			log.WithError(err).Warn("install failed, previous state restored")
		}
		if err != nil {
			err = errdefs.Wrap(errdefs.KindInstall, op, err)
		}

		if rmErr := os.RemoveAll(backupDir); rmErr != nil {
			log.WithError(rmErr).Warn("failed to discard install backup")
		}
		if p != nil {
			panic(p)
		}
	}()

	if _, statErr := os.Lstat(dest); statErr == nil {
		if err := d.rename(dest, backup); err != nil {
			return fmt.Errorf("failed to back up %s: %w", dest, err)
		}
		hasBackup = true
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return statErr
	}
	mutated = true

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := moveTree(ctx, d.logger, d.rename, sourcePath, dest); err != nil {
		return fmt.Errorf("failed to move candidate into place: %w", err)
	}

	if err := d.verify(dest); err != nil {
		if !errors.Is(err, errdefs.ErrInvalidDownloadedBundle) {
			err = fmt.Errorf("%w: %w", errdefs.ErrInvalidDownloadedBundle, err)
		}
		return err
	}

	log.Info("bundle installed")
	return nil
}

// rollback puts the backup back at dest. Without a backup the partially
// installed destination is removed.
func (d *Direct) rollback(dest, backup string, hasBackup bool) error {
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if !hasBackup {
		return nil
	}
	return d.rename(backup, dest)
}
