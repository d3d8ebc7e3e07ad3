package selfupdate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git subcommands and the configured external commands
// (smoke suite, restart trigger). Tests substitute a scripted
// implementation.
type Runner interface {
	Git(ctx context.Context, dir string, args ...string) (string, error)
	Command(ctx context.Context, dir string, argv []string) (string, error)
}

// ExecRunner shells out to the host.
type ExecRunner struct{}

func (ExecRunner) Git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (ExecRunner) Command(ctx context.Context, dir string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
