package cmdrunner

import (
	"context"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

type CommandRunner interface {
	Run(ctx context.Context, cmd string, args ...string) error
	RunWithOutput(ctx context.Context, cmd string, args ...string) ([]byte, error)
	RunWithOutputNoErrLog(ctx context.Context, cmd string, args ...string) ([]byte, error)
}

type CommandsRunner struct {
	logger *logger.Logger
}

func NewCommandsRunner(log *logger.Logger) *CommandsRunner {
	return &CommandsRunner{logger: log.Module("command_runner")}
}
