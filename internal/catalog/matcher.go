package catalog

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
)

// Match picks the upgrade candidate from releases.
//
// Prereleases are ignored unless allowPrereleases is set. The highest remaining
// version must be strictly greater than current, otherwise errdefs.ErrUpToDate
// is returned. The asset is the first one, in input order, whose name without
// its archive extension equals "{prefix}-{version}" case-insensitively and whose
// extension agrees with its media kind; if none qualifies errdefs.ErrNoViableAsset
// is returned.
func Match(releases []Release, current *semver.Version, prefix string, allowPrereleases bool) (Candidate, error) {
	var best *Release
	for i := range releases {
		r := &releases[i]
		if r.Version == nil {
			continue
		}
		if r.Prerelease && !allowPrereleases {
			continue
		}
		if best == nil || r.Version.GreaterThan(best.Version) {
			best = r
		}
	}

	if best == nil || (current != nil && !best.Version.GreaterThan(current)) {
		return Candidate{}, errdefs.ErrUpToDate
	}

	asset, ok := SelectAsset(best.Assets, prefix, best.Version)
	if !ok {
		return Candidate{}, errdefs.ErrNoViableAsset
	}

	return Candidate{Release: *best, Asset: asset}, nil
}

// SelectAsset returns the first asset named "{prefix}-{version}" with a matching
// extension and media kind.
func SelectAsset(assets []Asset, prefix string, version *semver.Version) (Asset, bool) {
	want := prefix + "-" + version.String()
	for _, a := range assets {
		stem, family := SplitArchiveName(a.Name)
		if family == MediaUnknown || family != a.MediaKind {
			continue
		}
		if strings.EqualFold(stem, want) {
			return a, true
		}
	}
	return Asset{}, false
}
