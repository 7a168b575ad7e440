package state

import (
	"fmt"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
)

// State is one variant of the update lifecycle.
type State interface {
	Name() string
	isState()
}

// None is the initial and idle state.
type None struct{}

// CandidateFound holds the release and asset selected for the attempt.
type CandidateFound struct {
	Candidate catalog.Candidate
}

// Downloading reports transfer progress in [0, 1].
type Downloading struct {
	Candidate catalog.Candidate
	Fraction  float64
}

// Downloaded holds the local bundle produced by the transfer.
type Downloaded struct {
	Candidate catalog.Candidate
	LocalPath string
}

// Installing is entered only after the authenticity gate accepted Identity.
type Installing struct {
	Candidate catalog.Candidate
	LocalPath string
	Identity  string
}

// Installed is the successful terminal state of an attempt.
type Installed struct {
	Candidate catalog.Candidate
}

// Failed is the failure terminal state of an attempt.
type Failed struct {
	Reason string
	Kind   errdefs.Kind
}

func (None) Name() string           { return "none" }
func (CandidateFound) Name() string { return "candidateFound" }
func (Downloading) Name() string    { return "downloading" }
func (Downloaded) Name() string     { return "downloaded" }
func (Installing) Name() string     { return "installing" }
func (Installed) Name() string      { return "installed" }
func (Failed) Name() string         { return "failed" }

func (None) isState()           {}
func (CandidateFound) isState() {}
func (Downloading) isState()    {}
func (Downloaded) isState()     {}
func (Installing) isState()     {}
func (Installed) isState()      {}
func (Failed) isState()         {}

// FailedFrom builds a Failed state from err.
func FailedFrom(err error) Failed {
	return Failed{Reason: errdefs.Message(err), Kind: errdefs.KindOf(err)}
}

// Validate reports whether from -> to is a legal transition.
func Validate(from, to State) error {
	if to == nil {
		return fmt.Errorf("invalid transition %s -> <nil>", from.Name())
	}

	ok := false
	switch f := from.(type) {
	case None:
		switch to.(type) {
		case CandidateFound, Failed:
			ok = true
		}
	case CandidateFound:
		switch t := to.(type) {
		case Downloading:
			ok = sameCandidate(f.Candidate, t.Candidate)
		case Failed, None:
			ok = true
		}
	case Downloading:
		switch t := to.(type) {
		case Downloading:
			ok = sameCandidate(f.Candidate, t.Candidate) && t.Fraction >= f.Fraction
		case Downloaded:
			ok = sameCandidate(f.Candidate, t.Candidate)
		case Failed:
			ok = true
		}
	case Downloaded:
		switch t := to.(type) {
		case Installing:
			ok = sameCandidate(f.Candidate, t.Candidate) && t.Identity != ""
		case Failed:
			ok = true
		}
	case Installing:
		switch t := to.(type) {
		case Installed:
			ok = sameCandidate(f.Candidate, t.Candidate)
		case Failed:
			ok = true
		}
	case Installed, Failed:
		_, ok = to.(None)
	}

	if d, isDownloading := to.(Downloading); isDownloading && (d.Fraction < 0 || d.Fraction > 1) {
		ok = false
	}

	if !ok {
		return fmt.Errorf("invalid transition %s -> %s", from.Name(), to.Name())
	}
	return nil
}

func sameCandidate(a, b catalog.Candidate) bool {
	if a.Release.Version == nil || b.Release.Version == nil {
		return a.Release.Version == b.Release.Version && a.Asset.Name == b.Asset.Name
	}
	return a.Release.Version.Equal(b.Release.Version) && a.Asset.Name == b.Asset.Name
}
