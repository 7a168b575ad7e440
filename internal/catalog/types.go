package catalog

import (
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MediaKind describes how an asset is packaged.
type MediaKind string

const (
	MediaUnknown MediaKind = "unknown"
	MediaTar     MediaKind = "archiveTar"
	MediaZip     MediaKind = "archiveZip"
)

// Release is one published version of the application.
type Release struct {
	Version    *semver.Version `json:"version" yaml:"version"`
	Tag        string          `json:"tag" yaml:"tag"`
	Name       string          `json:"name,omitempty" yaml:"name,omitempty"`
	Prerelease bool            `json:"prerelease" yaml:"prerelease"`
	Assets     []Asset         `json:"assets" yaml:"assets"`
	Notes      string          `json:"notes,omitempty" yaml:"notes,omitempty"`
	DetailURL  string          `json:"detailUrl,omitempty" yaml:"detailUrl,omitempty"`
}

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name        string    `json:"name" yaml:"name"`
	DownloadURL string    `json:"downloadUrl" yaml:"downloadUrl"`
	ContentType string    `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty" yaml:"size,omitempty"`
	MediaKind   MediaKind `json:"mediaKind" yaml:"mediaKind"`
}

// Candidate is the release and asset selected for an upgrade.
type Candidate struct {
	Release Release `json:"release" yaml:"release"`
	Asset   Asset   `json:"asset" yaml:"asset"`
}

// archive extensions, longest first so ".tar.gz" wins over ".gz"
var archiveExtensions = []struct {
	ext  string
	kind MediaKind
}{
	{".tar.gz", MediaTar},
	{".tar.zst", MediaTar},
	{".tgz", MediaTar},
	{".tzst", MediaTar},
	{".tar", MediaTar},
	{".zip", MediaZip},
}

// SplitArchiveName strips a recognised archive extension from name and reports
// the family it belongs to. Unrecognised names are returned as-is with MediaUnknown.
func SplitArchiveName(name string) (string, MediaKind) {
	lower := strings.ToLower(name)
	for _, e := range archiveExtensions {
		if strings.HasSuffix(lower, e.ext) {
			return name[:len(name)-len(e.ext)], e.kind
		}
	}
	return name, MediaUnknown
}

// MediaKindFromName derives the media kind from a file name or URL path.
func MediaKindFromName(name string) MediaKind {
	_, kind := SplitArchiveName(path.Base(name))
	return kind
}

// MediaKindFromContentType maps a MIME type. Generic binary types yield MediaUnknown.
func MediaKindFromContentType(contentType string) MediaKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/zip", "application/x-zip-compressed", "application/x-zip":
		return MediaZip
	case "application/x-tar", "application/gzip", "application/x-gzip",
		"application/x-gtar", "application/x-compressed-tar",
		"application/zstd", "application/x-zstd":
		return MediaTar
	}
	return MediaUnknown
}

// ResolveMediaKind prefers the content type and falls back to the file name.
func ResolveMediaKind(contentType, name string) MediaKind {
	if kind := MediaKindFromContentType(contentType); kind != MediaUnknown {
		return kind
	}
	return MediaKindFromName(name)
}
