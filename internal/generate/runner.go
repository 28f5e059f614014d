package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
)

const (
	tailLines = 20
	waitDelay = 10 * time.Second
)

// ErrNonZeroExit indicates that the external process exited with a non-zero status.
var ErrNonZeroExit = errors.New("process exited with non-zero status")

// ExecRunner implements core.CommandRunner with os/exec. Process output is logged
// line by line.
type ExecRunner struct {
	log *logger.Logger
}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner(log *logger.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

// Run starts name in dir and waits for it. The process is killed when ctx ends.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	output := newLineLogger(r.log, name)

	// #nosec G204 -- the command line is built from service configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	output.flush()

	if err == nil {
		return nil
	}

	ctxErr := ctx.Err()
	if ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w - output: %s", name, ctxErr, output.tail())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited with code %d - output: %s",
			ErrNonZeroExit, name, exitErr.ExitCode(), output.tail())
	}

	return fmt.Errorf("failed to run %s: %w", name, err)
}

// lineLogger forwards process output to the logger one line at a time and keeps
// the last lines for error reports. It is shared by stdout and stderr.
type lineLogger struct {
	mu      sync.Mutex
	log     *logger.Logger
	name    string
	partial bytes.Buffer
	last    []string
}

func newLineLogger(log *logger.Logger, name string) *lineLogger {
	return &lineLogger{log: log, name: name}
}

func (l *lineLogger) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partial.Write(data)

	for {
		line, err := l.partial.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			l.partial.Reset()
			l.partial.WriteString(line)

			break
		}

		l.emit(strings.TrimRight(line, "\r\n"))
	}

	return len(data), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.partial.Len() > 0 {
		l.emit(strings.TrimRight(l.partial.String(), "\r"))
		l.partial.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	l.log.Info("[%s] %s", l.name, line)

	l.last = append(l.last, line)
	if len(l.last) > tailLines {
		l.last = l.last[len(l.last)-tailLines:]
	}
}

func (l *lineLogger) tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return strings.Join(l.last, "\n")
}
