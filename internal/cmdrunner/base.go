package cmdrunner

import (
	"context"

	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// CommandRunner runs short commands to completion and starts detached processes.
type CommandRunner interface {
	Run(ctx context.Context, cmd string, args ...string) error
	RunAndTrimmedOutput(ctx context.Context, cmd string, args ...string) (string, error)
	Start(spec Spec) (int, error)
}

// Credential selects the user a started process runs as.
type Credential struct {
	UID uint32
	GID uint32
}

// Spec describes a detached process to start.
type Spec struct {
	Path       string
	Args       []string
	Dir        string
	Env        []string
	Credential *Credential
}

type CommandsRunner struct {
	logger *logger.Logger
}

func NewCommandsRunner(log *logger.Logger) *CommandsRunner {
	return &CommandsRunner{logger: log}
}
