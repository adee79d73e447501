package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// commandSpec describes one local subprocess invocation.
type commandSpec struct {
	name  string
	args  []string
	dir   string
	stdin io.Reader

	// onStdout / onStderr receive each output line without its
	// trailing newline.  nil discards the stream.
	onStdout func(line string)
	onStderr func(line string)
}

// commandRunner runs local subprocesses.  Tests substitute a fake so
// build phases can be exercised without git, curl or podman installed.
type commandRunner interface {
	run(ctx context.Context, spec commandSpec) (int, error)
}

// osRunner is the production commandRunner backed by os/exec.
type osRunner struct{}

func (osRunner) run(ctx context.Context, spec commandSpec) (int, error) {
	cmd := exec.CommandContext(ctx, spec.name, spec.args...)
	cmd.Dir = spec.dir
	cmd.Stdin = spec.stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe for %s: %w", spec.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe for %s: %w", spec.name, err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", spec.name, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, spec.onStdout)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, spec.onStderr)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("running %s: %w", spec.name, err)
	}
	return 0, nil
}

func scanLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	// Build tools occasionally emit very long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}
}
