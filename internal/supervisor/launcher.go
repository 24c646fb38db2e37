package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Spec describes one workload launch.
type Spec struct {
	Path string
	Args []string
	Dir  string
}

// Process is a live workload handle. Wait must be called exactly once.
type Process interface {
	Wait() (exitCode int, err error)
	// Terminate asks the process to exit gracefully.
	Terminate() error
	Kill() error
	Pid() int
}

// Launcher starts workload processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher starts real OS processes. When LogOutput is set, each line the
// workload writes is logged through Logger; otherwise output is discarded.
type ExecLauncher struct {
	LogOutput bool
	Logger    zerolog.Logger
	// WaitDelay bounds how long Wait blocks on output held open by
	// grandchildren after the workload itself exited.
	WaitDelay time.Duration
}

func (l ExecLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	// Files on disk are launched by absolute path; bare names fall through
	// to PATH lookup.
	path := spec.Path
	if _, err := os.Stat(path); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	p := &execProcess{cmd: cmd}
	if l.LogOutput {
		p.stdout = &lineLogger{logger: l.Logger, stream: "stdout", level: zerolog.InfoLevel}
		p.stderr = &lineLogger{logger: l.Logger, stream: "stderr", level: zerolog.WarnLevel}
		cmd.Stdout = p.stdout
		cmd.Stderr = p.stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *lineLogger
	stderr *lineLogger
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.stdout != nil {
		p.stdout.Flush()
		p.stderr.Flush()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return p.cmd.ProcessState.ExitCode(), err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Terminate() error { return terminate(p.cmd.Process) }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// lineLogger turns a byte stream into one log event per line.
type lineLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	stream string
	level  zerolog.Level
	buf    bytes.Buffer
}

func (w *lineLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(b)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		w.emit(line[:i])
	}
	return len(b), nil
}

// Flush logs any trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text == "" {
		return
	}
	w.logger.WithLevel(w.level).Str("stream", w.stream).Msg(text)
}
