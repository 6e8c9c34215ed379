// Package runner spawns the generator subprocess and turns its
// line-delimited output into callbacks. The daemon expects structured JSON
// records on stdout; lines that do not parse are passed through raw rather
// than dropped.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const scannerBufSize = 1024 * 1024 // 1 MB

// Record is one structured line from the generator.
type Record struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// Record types the runner understands.
const (
	RecordText  = "text"
	RecordError = "error"
)

// Callbacks receive the generator's output. OnText and OnRaw are invoked
// from a single goroutine per stream, in line order. OnExit fires exactly
// once, after both streams have drained.
type Callbacks struct {
	OnText func(text string)
	OnRaw  func(stream, line string)
	OnErr  func(message string)
	OnExit func(exitCode int)
}

// Runner spawns generator subprocesses.
type Runner struct {
	command string
	args    []string
	usePTY  bool
	logger  *zap.Logger
}

// New creates a runner for the configured generator command. With usePTY
// the subprocess gets a real terminal, which some generators require for
// unbuffered streaming output.
func New(command string, args []string, usePTY bool, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		command: command,
		args:    args,
		usePTY:  usePTY,
		logger:  logger,
	}
}

// Start launches one generation. The prompt is written to the subprocess's
// stdin and stdin is closed; output flows to the callbacks until the
// process exits. Start returns once the process is running.
func (r *Runner) Start(ctx context.Context, sessionID, prompt string, cb Callbacks) error {
	binary, err := exec.LookPath(r.command)
	if err != nil {
		return fmt.Errorf("generator %q not found in PATH", r.command)
	}

	cmd := exec.CommandContext(ctx, binary, r.args...)

	if r.usePTY {
		return r.startPTY(cmd, sessionID, prompt, cb)
	}
	return r.startPipes(cmd, sessionID, prompt, cb)
}

func (r *Runner) startPipes(cmd *exec.Cmd, sessionID, prompt string, cb Callbacks) error {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start generator: %w", err)
	}

	go func() {
		if prompt != "" {
			_, _ = io.WriteString(stdin, prompt+"\n")
		}
		_ = stdin.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		r.scan(stdout, sessionID, "stdout", cb)
		return nil
	})
	g.Go(func() error {
		r.scan(stderr, sessionID, "stderr", cb)
		return nil
	})

	go func() {
		_ = g.Wait()
		r.finish(cmd, sessionID, cb)
	}()
	return nil
}

func (r *Runner) startPTY(cmd *exec.Cmd, sessionID, prompt string, cb Callbacks) error {
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start generator with pty: %w", err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	if prompt != "" {
		_, _ = io.WriteString(ptmx, prompt+"\n")
	}

	go func() {
		// A PTY multiplexes stdout and stderr onto one stream.
		r.scan(ptmx, sessionID, "stdout", cb)
		_ = ptmx.Close()
		r.finish(cmd, sessionID, cb)
	}()
	return nil
}

// scan reads lines and dispatches them. Structured records go to OnText or
// OnErr; anything else is raw passthrough.
func (r *Runner) scan(src io.Reader, sessionID, stream string, cb Callbacks) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)

	for scanner.Scan() {
		line := scanner.Text()

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err == nil && rec.Type != "" {
			switch rec.Type {
			case RecordText:
				if cb.OnText != nil {
					cb.OnText(rec.Text)
				}
				continue
			case RecordError:
				if cb.OnErr != nil {
					cb.OnErr(rec.Message)
				}
				continue
			}
		}
		if cb.OnRaw != nil {
			cb.OnRaw(stream, line)
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		r.logger.Warn("generator scanner error",
			zap.String("session_id", sessionID), zap.String("stream", stream), zap.Error(err))
	}
}

func (r *Runner) finish(cmd *exec.Cmd, sessionID string, cb Callbacks) {
	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			r.logger.Warn("generator wait failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if cb.OnExit != nil {
		cb.OnExit(exitCode)
	}
}
