package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/CloudNativeWorks/elchi-updater/internal/archive"
	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

const (
	DefaultTimeout          = 30 * time.Minute
	DefaultProgressInterval = 500 * time.Millisecond
)

// EventKind distinguishes the events of a fetch stream.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

// Event is one element of a fetch stream.
type Event struct {
	Kind     EventKind
	Fraction float64 // EventProgress
	Path     string  // EventCompleted
	Err      error   // EventFailed
}

// Options configures a Manager.
type Options struct {
	HTTPClient       *http.Client
	Timeout          time.Duration
	ProgressInterval time.Duration
	// TempRoot is the parent of per-download work directories. Empty means os.TempDir().
	TempRoot string
	// WorkDirMode is applied to work directories so a less privileged caller can inspect them.
	WorkDirMode os.FileMode
}

// Manager downloads assets and turns them into local bundles.
type Manager struct {
	client        *http.Client
	extractor     archive.Extractor
	progressEvery time.Duration
	tempRoot      string
	workDirMode   os.FileMode
	logger        *logger.Logger
}

// NewManager creates a transfer manager.
func NewManager(opts Options, extractor archive.Extractor, log *logger.Logger) *Manager {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	every := opts.ProgressInterval
	if every <= 0 {
		every = DefaultProgressInterval
	}
	mode := opts.WorkDirMode
	if mode == 0 {
		mode = 0o700
	}

	return &Manager{
		client:        client,
		extractor:     extractor,
		progressEvery: every,
		tempRoot:      opts.TempRoot,
		workDirMode:   mode,
		logger:        log,
	}
}

// Fetch downloads asset into dir. The returned stream yields coalesced,
// non-decreasing progress events and then exactly one EventCompleted or
// EventFailed, after which it is closed. It is not restartable.
func (m *Manager) Fetch(ctx context.Context, asset catalog.Asset, dir string) <-chan Event {
	events := make(chan Event, 1)

	go func() {
		defer close(events)

		p, err := m.fetch(ctx, asset, dir, events)
		if err != nil {
			events <- Event{Kind: EventFailed, Err: errdefs.Wrap(errdefs.KindTransfer, "download", err)}
			return
		}
		events <- Event{Kind: EventCompleted, Path: p}
	}()

	return events
}

func (m *Manager) fetch(ctx context.Context, asset catalog.Asset, dir string, events chan<- Event) (string, error) {
	name := fileName(asset)
	if name == "" {
		return "", fmt.Errorf("asset has no usable file name")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s fetching %s", resp.Status, asset.DownloadURL)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = asset.Size
	}

	target := filepath.Join(dir, name)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	pw := &progressWriter{
		ctx:     ctx,
		total:   total,
		limiter: rate.NewLimiter(rate.Every(m.progressEvery), 1),
		events:  events,
	}
	n, err := io.Copy(io.MultiWriter(f, pw), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return "", err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		os.Remove(target)
		return "", fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}

	m.logger.WithFields(logger.Fields{
		"asset": asset.Name,
		"bytes": n,
	}).Debug("asset downloaded")

	return target, nil
}

// progressWriter reports coalesced progress as bytes flow through it.
type progressWriter struct {
	ctx     context.Context
	total   int64
	written int64
	last    float64
	limiter *rate.Limiter
	events  chan<- Event
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}

	fraction := float64(p.written) / float64(p.total)
	if fraction > 1 {
		fraction = 1
	}
	if fraction <= p.last || !p.limiter.Allow() {
		return len(b), nil
	}
	p.last = fraction

	select {
	case p.events <- Event{Kind: EventProgress, Fraction: fraction}:
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	}
	return len(b), nil
}

func fileName(asset catalog.Asset) string {
	name := asset.Name
	if name == "" {
		name = path.Base(asset.DownloadURL)
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	name = filepath.Base(filepath.FromSlash(name))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return ""
	}
	return name
}
