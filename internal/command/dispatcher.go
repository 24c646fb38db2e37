package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/relaynode/internal/identity"
	"github.com/3cpo-dev/relaynode/internal/telemetry"
)

// Workload is the view of the supervisor the dispatcher needs. Requests are
// non-blocking; the supervisor owns the process and any escalation.
type Workload interface {
	RestartCount() int
	WorkloadAlive() bool
	// RequestStop flips the agent to not running and asks the live workload
	// to terminate.
	RequestStop()
	// RequestRestart asks the live workload to terminate so the supervisor
	// relaunches it.
	RequestRestart()
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	ExecTimeout time.Duration
	Shell       []string
	// WaitDelay bounds how long output pipes stay open after a timed-out
	// command is killed.
	WaitDelay time.Duration
}

// Dispatcher executes commands one at a time and turns every outcome,
// including panics, into a Result.
type Dispatcher struct {
	identity identity.NodeIdentity
	workload Workload
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher reporting as id.
func NewDispatcher(id identity.NodeIdentity, workload Workload, opts Options) *Dispatcher {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if len(opts.Shell) == 0 {
		opts.Shell = defaultShell
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 2 * time.Second
	}
	return &Dispatcher{
		identity: id,
		workload: workload,
		opts:     opts,
		now:      time.Now,
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// ExecuteString parses raw and executes it.
func (d *Dispatcher) ExecuteString(ctx context.Context, raw string) Result {
	return d.Execute(ctx, Parse(raw))
}

// Execute runs cmd and returns its result. It never panics.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (res Result) {
	timer := telemetry.NewTimerScope("relaynode_command_duration", map[string]string{"kind": string(cmd.Kind)})
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("command_id", cmd.ID).Msg("Command handler panicked")
			res = ErrorResult(fmt.Sprint(r))
		}
		timer.End()
		telemetry.CounterGlobal("relaynode_commands_total", 1, map[string]string{"kind": string(cmd.Kind)})
		if res.Failed() {
			telemetry.CounterGlobal("relaynode_command_errors_total", 1, map[string]string{"kind": string(cmd.Kind)})
		}
	}()

	d.logger.Info().Str("command_id", cmd.ID).Str("kind", string(cmd.Kind)).Msg("Executing command")

	switch cmd.Kind {
	case KindStatus:
		return Result{
			Status: "running",
			Report: &Report{
				Restarts:        d.workload.RestartCount(),
				RendererRunning: d.workload.WorkloadAlive(),
				NodeName:        d.identity.NodeName,
				ComputerName:    d.identity.ComputerName,
				Timestamp:       d.now().Format("2006-01-02T15:04:05.000000"),
			},
		}
	case KindStop:
		d.workload.RequestStop()
		return Result{Status: "shutting_down"}
	case KindRestartWorkload:
		d.workload.RequestRestart()
		return Result{Status: "renderer_restarting"}
	case KindExecute:
		return d.runShell(ctx, cmd.Payload)
	default:
		return ErrorResult("Unknown command: " + cmd.Raw)
	}
}

func (d *Dispatcher) runShell(ctx context.Context, line string) Result {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ExecTimeout)
	defer cancel()

	args := append(append([]string{}, d.opts.Shell[1:]...), line)
	c := exec.CommandContext(ctx, d.opts.Shell[0], args...)
	c.WaitDelay = d.opts.WaitDelay
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.logger.Warn().Str("command", line).Dur("timeout", d.opts.ExecTimeout).Msg("Command timed out")
		return ErrorResult(fmt.Sprintf("Command '%s' timed out after %d seconds", line, int(d.opts.ExecTimeout.Seconds())))
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ErrorResult(err.Error())
	}

	out := &ExecOutput{
		ReturnCode: c.ProcessState.ExitCode(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Command:    line,
	}
	d.logger.Debug().Str("command", line).Int("returncode", out.ReturnCode).Msg("Command finished")
	telemetry.HistogramGlobal("relaynode_exec_output_bytes", float64(stdout.Len()+stderr.Len()), nil)
	return Result{ExecOutput: out}
}
