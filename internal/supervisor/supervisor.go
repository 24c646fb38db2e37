package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/relaynode/internal/store"
	"github.com/3cpo-dev/relaynode/internal/telemetry"
)

// RunRecorder persists one row per supervision cycle.
type RunRecorder interface {
	RecordRun(ctx context.Context, r store.RunRecord) error
}

// Options configures a Supervisor. Zero durations select defaults.
type Options struct {
	Executable     string
	Args           []string
	WorkDir        string
	NodeName       string
	MaxRestarts    int
	RestartDelay   time.Duration
	SimulatedRun   time.Duration
	TerminateGrace time.Duration
}

// Supervisor keeps the workload running, relaunching it after every exit
// until stopped or until the restart budget is spent. It owns the agent's
// running flag, restart counter and the live process handle.
type Supervisor struct {
	opts     Options
	launcher Launcher
	recorder RunRecorder
	logger   zerolog.Logger
	exists   func(path string) bool

	mu           sync.Mutex
	running      bool
	restartCount int
	proc         Process
	// term is closed when termination of proc has been requested.
	term       chan struct{}
	termClosed bool

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Supervisor in the running state. recorder may be nil.
func New(opts Options, launcher Launcher, recorder RunRecorder) *Supervisor {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.SimulatedRun <= 0 {
		opts.SimulatedRun = 10 * time.Second
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 10 * time.Second
	}
	return &Supervisor{
		opts:     opts,
		launcher: launcher,
		recorder: recorder,
		logger:   log.With().Str("component", "supervisor").Logger(),
		exists:   executableExists,
		running:  true,
		done:     make(chan struct{}),
	}
}

// Running reports whether the agent is still running.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed once the agent stops running.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// RestartCount is the number of launch cycles started so far.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// MaxRestarts is the launch budget.
func (s *Supervisor) MaxRestarts() int { return s.opts.MaxRestarts }

// WorkloadAlive reports whether a workload process is currently live.
func (s *Supervisor) WorkloadAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// RequestStop marks the agent as not running and asks the live workload to
// terminate. Safe to call any number of times from any goroutine.
func (s *Supervisor) RequestStop() {
	s.mu.Lock()
	s.running = false
	s.terminateLocked("stop")
	s.mu.Unlock()
	s.closeDone()
}

// Stop is RequestStop under the name callers outside the command path use.
func (s *Supervisor) Stop() { s.RequestStop() }

// RequestRestart asks the live workload to terminate; the supervision loop
// then relaunches it. A no-op when nothing is running.
func (s *Supervisor) RequestRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked("restart")
}

func (s *Supervisor) terminateLocked(reason string) {
	if s.proc == nil || s.termClosed {
		return
	}
	s.logger.Info().Int("pid", s.proc.Pid()).Str("reason", reason).Msg("Terminating workload")
	if err := s.proc.Terminate(); err != nil {
		s.logger.Warn().Err(err).Int("pid", s.proc.Pid()).Msg("Terminate signal failed")
	}
	close(s.term)
	s.termClosed = true
}

func (s *Supervisor) closeDone() {
	s.doneOnce.Do(func() {
		close(s.done)
		telemetry.GaugeGlobal("relaynode_agent_running", 0, nil)
	})
}

// Run is the supervision loop. It returns once the agent stops running or the
// restart budget is exhausted; either way running is false afterwards.
// Cancelling ctx is equivalent to RequestStop.
func (s *Supervisor) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.RequestStop()
		case <-s.done:
		}
	}()
	defer s.RequestStop()

	telemetry.GaugeGlobal("relaynode_agent_running", 1, nil)
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			break
		}
		if s.restartCount >= s.opts.MaxRestarts {
			s.mu.Unlock()
			s.logger.Warn().Int("max_restarts", s.opts.MaxRestarts).Msg("Restart budget exhausted")
			break
		}
		s.restartCount++
		cycle := s.restartCount
		s.mu.Unlock()

		telemetry.GaugeGlobal("relaynode_workload_restarts", float64(cycle), nil)
		s.logger.Info().Int("cycle", cycle).Msg("Starting workload")

		rec := store.RunRecord{NodeName: s.opts.NodeName, Cycle: cycle, StartedAt: time.Now()}
		rec.ExitCode, rec.Simulated = s.runOnce(ctx, cycle)
		rec.FinishedAt = time.Now()
		s.record(rec)

		if !s.Running() {
			break
		}
		s.logger.Info().
			Int("cycle", cycle).
			Int("exit_code", rec.ExitCode).
			Dur("restart_delay", s.opts.RestartDelay).
			Msg("Workload exited, restarting")
		if !s.sleep(s.opts.RestartDelay) {
			break
		}
	}
	s.logger.Info().Int("restarts", s.RestartCount()).Msg("Supervision loop stopped")
	return nil
}

// runOnce performs one launch and returns the exit code, and whether the run
// was simulated because the executable is missing.
func (s *Supervisor) runOnce(ctx context.Context, cycle int) (int, bool) {
	if !s.exists(s.opts.Executable) {
		s.logger.Warn().Str("executable", s.opts.Executable).Dur("simulated_run", s.opts.SimulatedRun).Msg("Workload executable not found, simulating run")
		s.sleep(s.opts.SimulatedRun)
		return 0, true
	}

	proc, err := s.launcher.Start(ctx, Spec{Path: s.opts.Executable, Args: s.opts.Args, Dir: s.opts.WorkDir})
	if err != nil {
		s.logger.Error().Err(err).Int("cycle", cycle).Str("executable", s.opts.Executable).Msg("Workload launch failed")
		telemetry.CounterGlobal("relaynode_workload_launch_errors_total", 1, nil)
		return 1, false
	}

	term := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.term = term
	s.termClosed = false
	if !s.running {
		s.terminateLocked("stop")
	}
	s.mu.Unlock()
	telemetry.GaugeGlobal("relaynode_workload_alive", 1, nil)
	s.logger.Info().Int("cycle", cycle).Int("pid", proc.Pid()).Msg("Workload started")

	code := s.wait(proc, term)

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	telemetry.GaugeGlobal("relaynode_workload_alive", 0, nil)
	return code, false
}

type waitResult struct {
	code int
	err  error
}

// wait blocks until proc exits. Once termination is requested it allows
// TerminateGrace for a graceful exit, then kills.
func (s *Supervisor) wait(proc Process, term <-chan struct{}) int {
	exited := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		exited <- waitResult{code, err}
	}()

	var res waitResult
	select {
	case res = <-exited:
	case <-term:
		grace := time.NewTimer(s.opts.TerminateGrace)
		select {
		case res = <-exited:
			grace.Stop()
		case <-grace.C:
			s.logger.Warn().Int("pid", proc.Pid()).Dur("grace", s.opts.TerminateGrace).Msg("Workload ignored terminate, killing")
			if err := proc.Kill(); err != nil {
				s.logger.Error().Err(err).Int("pid", proc.Pid()).Msg("Kill failed")
			}
			telemetry.CounterGlobal("relaynode_workload_kills_total", 1, nil)
			res = <-exited
		}
	}
	if res.err != nil {
		s.logger.Warn().Err(res.err).Int("pid", proc.Pid()).Msg("Workload wait failed")
	}
	return res.code
}

// sleep waits d or until the agent stops; it reports whether d elapsed.
func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) record(rec store.RunRecord) {
	labels := map[string]string{"simulated": strconv.FormatBool(rec.Simulated)}
	telemetry.CounterGlobal("relaynode_workload_runs_total", 1, labels)
	telemetry.HistogramGlobal("relaynode_workload_run_seconds", rec.Duration().Seconds(), labels)
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordRun(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Int("cycle", rec.Cycle).Msg("Failed to record workload run")
	}
}

// executableExists follows the launcher's lookup: paths are checked on disk,
// bare names are searched on PATH.
func executableExists(path string) bool {
	if path == "" {
		return false
	}
	if strings.ContainsAny(path, `/\`) {
		info, err := os.Stat(path)
		return err == nil && !info.IsDir()
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return true
	}
	_, err := exec.LookPath(path)
	return err == nil || errors.Is(err, exec.ErrDot)
}
