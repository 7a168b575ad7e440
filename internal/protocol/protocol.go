// Package protocol defines the four-operation update agent contract shared by
// the in-process implementation and the privileged executor client.
package protocol

import (
	"context"

	"github.com/Masterminds/semver/v3"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/helper"
)

// Agent performs the filesystem and network side of an update.
type Agent interface {
	CheckForUpdates(ctx context.Context, req *CheckRequest) (*CheckReply, error)
	DownloadUpdate(ctx context.Context, req *DownloadRequest) (*DownloadReply, error)
	InstallUpdate(ctx context.Context, req *InstallRequest) (*InstallReply, error)
	RestartApplication(ctx context.Context, req *RestartRequest) (*RestartReply, error)

	// Subscribe registers fn for push notifications. Delivery is best effort.
	Subscribe(fn func(*Notification)) (cancel func())
}

// Status is embedded in every reply. A returned error means the call itself
// failed (transport, timeout); Success=false means the agent rejected it.
type Status struct {
	Success      bool    `json:"success"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	ErrorKind    string  `json:"errorKind,omitempty"`
}

// Err rebuilds the remote failure, or returns nil on success.
func (s Status) Err(op string) error {
	if s.Success {
		return nil
	}
	return errdefs.FromWire(op, s.ErrorKind, helper.Value(s.ErrorMessage))
}

// OK returns a successful status.
func OK() Status {
	return Status{Success: true}
}

// Failure converts err into a failed status.
func Failure(err error) Status {
	return Status{
		Success:      false,
		ErrorMessage: helper.Ptr(errdefs.Message(err)),
		ErrorKind:    string(errdefs.KindOf(err)),
	}
}

type CheckRequest struct {
	Owner            string `json:"owner"`
	Repo             string `json:"repo"`
	CurrentVersion   string `json:"currentVersion"`
	AllowPrereleases bool   `json:"allowPrereleases"`
	AssetPrefix      string `json:"assetPrefix"`
}

type CheckReply struct {
	Status
	Release *ReleaseRecord `json:"release,omitempty"`
}

// ReleaseRecord is the wire form of the selected release and asset.
type ReleaseRecord struct {
	Version    string `json:"version"`
	Tag        string `json:"tag"`
	Name       string `json:"name,omitempty"`
	Prerelease bool   `json:"prerelease"`
	Notes      string `json:"notes,omitempty"`
	DetailURL  string `json:"detailUrl,omitempty"`

	AssetName   string `json:"assetName"`
	DownloadURL string `json:"downloadUrl"`
	MediaKind   string `json:"mediaKind"`
	Size        int64  `json:"size,omitempty"`
}

// NewReleaseRecord flattens a candidate for the wire.
func NewReleaseRecord(c catalog.Candidate) *ReleaseRecord {
	return &ReleaseRecord{
		Version:     c.Release.Version.String(),
		Tag:         c.Release.Tag,
		Name:        c.Release.Name,
		Prerelease:  c.Release.Prerelease,
		Notes:       c.Release.Notes,
		DetailURL:   c.Release.DetailURL,
		AssetName:   c.Asset.Name,
		DownloadURL: c.Asset.DownloadURL,
		MediaKind:   string(c.Asset.MediaKind),
		Size:        c.Asset.Size,
	}
}

// Candidate rebuilds the candidate from its wire form.
func (r *ReleaseRecord) Candidate() (catalog.Candidate, error) {
	v, err := semver.NewVersion(r.Version)
	if err != nil {
		return catalog.Candidate{}, err
	}
	asset := catalog.Asset{
		Name:        r.AssetName,
		DownloadURL: r.DownloadURL,
		MediaKind:   catalog.MediaKind(r.MediaKind),
		Size:        r.Size,
	}
	return catalog.Candidate{
		Release: catalog.Release{
			Version:    v,
			Tag:        r.Tag,
			Name:       r.Name,
			Prerelease: r.Prerelease,
			Assets:     []catalog.Asset{asset},
			Notes:      r.Notes,
			DetailURL:  r.DetailURL,
		},
		Asset: asset,
	}, nil
}

type DownloadRequest struct {
	// AttemptID is echoed in progress notifications.
	AttemptID      string `json:"attemptId"`
	SourceLocation string `json:"sourceLocation"`
	AssetName      string `json:"assetName,omitempty"`
	MediaKind      string `json:"mediaKind,omitempty"`
	Size           int64  `json:"size,omitempty"`
}

type DownloadReply struct {
	Status
	LocalPath *string `json:"localPath,omitempty"`
}

type InstallRequest struct {
	AttemptID       string `json:"attemptId"`
	SourcePath      string `json:"sourcePath"`
	DestinationPath string `json:"destinationPath"`
}

type InstallReply struct {
	Status
}

type RestartRequest struct {
	BundlePath string `json:"bundlePath"`
}

type RestartReply struct {
	Success bool `json:"success"`
}

type SubscribeRequest struct{}

// NotificationKind names a push notification.
type NotificationKind string

const (
	NotifyProgress  NotificationKind = "progress"
	NotifyCompleted NotificationKind = "completed"
)

// Notification is a push message from the agent.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	AttemptID string           `json:"attemptId,omitempty"`
	// Fraction is set for progress.
	Fraction float64 `json:"fraction,omitempty"`
	// Success and ErrorMessage are set for completed.
	Success      bool    `json:"success,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
}
