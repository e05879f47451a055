package svn

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/drewdunne/commitwatch/internal/docker"
)

// Runner executes an svn command line and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args []string) ([]byte, error)
}

// CommandError carries the stderr of a failed svn invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("svn %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// ExecRunner runs the svn binary on the host.
type ExecRunner struct {
	Binary string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "svn"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("running svn: %w", ctx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("running svn: %w", err)
	}

	return stdout.Bytes(), nil
}

// DockerRunner runs svn inside a throwaway container, for hosts without an
// svn client installed.
type DockerRunner struct {
	Client *docker.Client
	Image  string
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	result, err := r.Client.Run(ctx, docker.RunConfig{
		Image:      r.Image,
		Entrypoint: []string{"svn"},
		Cmd:        args,
	})
	if err != nil {
		return nil, fmt.Errorf("running svn in container: %w", err)
	}

	if result.ExitCode != 0 {
		return nil, &CommandError{Args: args, ExitCode: int(result.ExitCode), Stderr: string(result.Stderr)}
	}

	return result.Stdout, nil
}
