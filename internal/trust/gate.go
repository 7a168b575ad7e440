package trust

import (
	"fmt"
	"strings"

	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// DefaultDevelopmentMarker identifies development signing identities.
const DefaultDevelopmentMarker = "Development"

// Inspector returns the opaque trust identity of a bundle.
type Inspector interface {
	Identity(bundlePath string) (string, error)
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(bundlePath string) (string, error)

// Identity calls f.
func (f InspectorFunc) Identity(bundlePath string) (string, error) {
	return f(bundlePath)
}

// Gate blocks installation of artifacts whose identity does not match the installed one.
type Gate struct {
	inspector         Inspector
	allowDevelopment  bool
	developmentMarker string
	logger            *logger.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithDevelopmentIdentities accepts any pair of identities that both contain
// marker. Never enable this for production builds.
func WithDevelopmentIdentities(marker string) Option {
	return func(g *Gate) {
		if marker == "" {
			marker = DefaultDevelopmentMarker
		}
		g.allowDevelopment = true
		g.developmentMarker = marker
	}
}

// NewGate builds an authenticity gate.
func NewGate(inspector Inspector, log *logger.Logger, opts ...Option) *Gate {
	g := &Gate{inspector: inspector, logger: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verify compares the identity of the installed bundle and the candidate.
// It returns the candidate identity on success. A missing identity on either
// side fails with errdefs.ErrCodeSigningIdentity.
func (g *Gate) Verify(installedPath, candidatePath string) (string, error) {
	installed, err := g.identity(installedPath)
	if err != nil {
		return "", err
	}
	candidate, err := g.identity(candidatePath)
	if err != nil {
		return "", err
	}

	if installed == candidate {
		return candidate, nil
	}

	if g.allowDevelopment && strings.Contains(installed, g.developmentMarker) && strings.Contains(candidate, g.developmentMarker) {
		g.logger.WithFields(logger.Fields{
			"installed": installed,
			"candidate": candidate,
		}).Warn("accepting development signing identity")
		return candidate, nil
	}

	return "", errdefs.Newf(errdefs.KindTrustVerification, "verify",
		"signing identity mismatch: installed %q, candidate %q", installed, candidate)
}

func (g *Gate) identity(path string) (string, error) {
	id, err := g.inspector.Identity(path)
	if err != nil {
		return "", &errdefs.Error{
			Kind: errdefs.KindTrustVerification,
			Op:   "verify",
			Err:  fmt.Errorf("%s: %w: %w", path, errdefs.ErrCodeSigningIdentity, err),
		}
	}
	if strings.TrimSpace(id) == "" {
		return "", &errdefs.Error{
			Kind: errdefs.KindTrustVerification,
			Op:   "verify",
			Err:  fmt.Errorf("%s: %w", path, errdefs.ErrCodeSigningIdentity),
		}
	}
	return id, nil
}
