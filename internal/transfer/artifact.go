package transfer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/CloudNativeWorks/elchi-updater/internal/bundle"
	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// Artifact is an extracted candidate bundle on local storage.
type Artifact struct {
	// BundlePath is the located bundle inside WorkDir.
	BundlePath  string
	ArchivePath string
	WorkDir     string
}

// Discard removes the artifact's temporary storage.
func (a *Artifact) Discard() error {
	if a == nil || a.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(a.WorkDir)
}

// Download fetches asset into a fresh work directory, extracts it and locates
// the bundle. onProgress, when set, receives every progress event of the fetch.
// Transfer problems carry errdefs.KindTransfer, extraction and bundle lookup
// problems errdefs.KindExtraction.
func (m *Manager) Download(ctx context.Context, asset catalog.Asset, onProgress func(float64)) (*Artifact, error) {
	workDir, err := os.MkdirTemp(m.tempRoot, "elchi-update-*")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransfer, "download", err)
	}
	if err := os.Chmod(workDir, m.workDirMode); err != nil {
		os.RemoveAll(workDir)
		return nil, errdefs.Wrap(errdefs.KindTransfer, "download", err)
	}

	artifact := &Artifact{WorkDir: workDir}
	fail := func(err error) (*Artifact, error) {
		if rmErr := artifact.Discard(); rmErr != nil {
			m.logger.WithError(rmErr).Warn("failed to discard work directory")
		}
		return nil, err
	}

	for ev := range m.Fetch(ctx, asset, workDir) {
		switch ev.Kind {
		case EventProgress:
			if onProgress != nil {
				onProgress(ev.Fraction)
			}
		case EventCompleted:
			artifact.ArchivePath = ev.Path
		case EventFailed:
			return fail(ev.Err)
		}
	}

	extracted, err := m.extractor.Extract(ctx, artifact.ArchivePath, asset.MediaKind, filepath.Join(workDir, "extracted"))
	if err != nil {
		return fail(errdefs.Wrap(errdefs.KindExtraction, "extract", err))
	}

	b, err := bundle.Locate(extracted)
	if err != nil {
		return fail(&errdefs.Error{Kind: errdefs.KindExtraction, Op: "locate bundle", Err: err})
	}
	artifact.BundlePath = b.Path

	// the archive is no longer needed once extracted
	if err := os.Remove(artifact.ArchivePath); err != nil {
		m.logger.WithError(err).Debug("failed to remove downloaded archive")
	}

	m.logger.WithFields(logger.Fields{
		"asset":  asset.Name,
		"bundle": artifact.BundlePath,
	}).Info("update downloaded and extracted")

	return artifact, nil
}
