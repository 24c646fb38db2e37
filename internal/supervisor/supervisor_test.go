package supervisor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/relaynode/internal/store"
)

type fakeProcess struct {
	pid        int
	exit       chan int
	once       sync.Once
	ignoreTerm bool
	mu         sync.Mutex
	terminated int
	killed     int
}

func newFakeProcess(pid int, ignoreTerm bool) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan int, 1), ignoreTerm: ignoreTerm}
}

func (p *fakeProcess) finish(code int) { p.once.Do(func() { p.exit <- code }) }

func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated++
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.finish(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.finish(-1)
	return nil
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) counts() (terminated, killed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated, p.killed
}

type fakeLauncher struct {
	mu         sync.Mutex
	launches   int
	specs      []Spec
	err        error
	exitCode   int
	blocking   bool
	ignoreTerm bool
	started    chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan *fakeProcess, 64)}
}

func (l *fakeLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000+l.launches, l.ignoreTerm)
	if !l.blocking {
		p.finish(l.exitCode)
	}
	l.started <- p
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type memRecorder struct {
	mu   sync.Mutex
	runs []store.RunRecord
}

func (r *memRecorder) RecordRun(_ context.Context, rec store.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return nil
}

func (r *memRecorder) all() []store.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.RunRecord(nil), r.runs...)
}

func testOptions(maxRestarts int) Options {
	return Options{
		Executable:     "/opt/render/bin/renderer",
		Args:           []string{"--farm"},
		WorkDir:        "/tmp/work",
		NodeName:       "Node-test-00000000",
		MaxRestarts:    maxRestarts,
		RestartDelay:   time.Millisecond,
		SimulatedRun:   5 * time.Millisecond,
		TerminateGrace: 50 * time.Millisecond,
	}
}

func newTestSupervisor(opts Options, l Launcher, r RunRecorder) *Supervisor {
	s := New(opts, l, r)
	s.exists = func(string) bool { return true }
	return s
}

func runAsync(t *testing.T, s *Supervisor) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervision loop did not return")
	}
}

func waitStarted(t *testing.T, l *fakeLauncher) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("workload was not launched")
		return nil
	}
}

func TestRun_StopsWhenBudgetExhausted(t *testing.T) {
	l := newFakeLauncher()
	rec := &memRecorder{}
	s := newTestSupervisor(testOptions(3), l, rec)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, l.count())
	assert.Equal(t, 3, s.RestartCount())
	assert.Equal(t, s.MaxRestarts(), s.RestartCount())
	assert.False(t, s.Running())
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}

	runs := rec.all()
	require.Len(t, runs, 3)
	for i, r := range runs {
		assert.Equal(t, i+1, r.Cycle)
		assert.Equal(t, "Node-test-00000000", r.NodeName)
		assert.False(t, r.Simulated)
		assert.False(t, r.FinishedAt.Before(r.StartedAt))
	}
	assert.Equal(t, Spec{Path: "/opt/render/bin/renderer", Args: []string{"--farm"}, Dir: "/tmp/work"}, l.specs[0])
}

func TestRun_ZeroBudgetNeverLaunches(t *testing.T) {
	l := newFakeLauncher()
	s := newTestSupervisor(testOptions(0), l, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 0, l.count())
	assert.Equal(t, 0, s.RestartCount())
	assert.False(t, s.Running())
}

func TestRun_MissingExecutableSimulatesRun(t *testing.T) {
	l := newFakeLauncher()
	rec := &memRecorder{}
	s := New(testOptions(2), l, rec)
	s.exists = func(string) bool { return false }

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 0, l.count())
	runs := rec.all()
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.True(t, r.Simulated)
		assert.Equal(t, 0, r.ExitCode)
		assert.GreaterOrEqual(t, r.Duration(), 5*time.Millisecond)
	}
}

func TestRun_LaunchFailureReportsExitCodeOne(t *testing.T) {
	l := newFakeLauncher()
	l.err = errors.New("permission denied")
	rec := &memRecorder{}
	s := newTestSupervisor(testOptions(2), l, rec)

	require.NoError(t, s.Run(context.Background()))

	runs := rec.all()
	require.Len(t, runs, 2)
	assert.Equal(t, 1, runs[0].ExitCode)
	assert.False(t, s.WorkloadAlive())
}

func TestRun_ExitCodeRecorded(t *testing.T) {
	l := newFakeLauncher()
	l.exitCode = 7
	rec := &memRecorder{}
	s := newTestSupervisor(testOptions(1), l, rec)

	require.NoError(t, s.Run(context.Background()))
	runs := rec.all()
	require.Len(t, runs, 1)
	assert.Equal(t, 7, runs[0].ExitCode)
}

func TestRequestStop_TerminatesAndEndsLoop(t *testing.T) {
	l := newFakeLauncher()
	l.blocking = true
	s := newTestSupervisor(testOptions(100), l, nil)
	errCh := runAsync(t, s)

	p := waitStarted(t, l)
	require.Eventually(t, s.WorkloadAlive, time.Second, time.Millisecond)
	assert.Equal(t, 1, s.RestartCount())

	s.RequestStop()
	waitRun(t, errCh)

	terminated, killed := p.counts()
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 0, killed)
	assert.Equal(t, 1, l.count())
	assert.False(t, s.Running())
	assert.False(t, s.WorkloadAlive())

	// Repeated stops are harmless.
	s.RequestStop()
	s.Stop()
}

func TestRequestRestart_Relaunches(t *testing.T) {
	l := newFakeLauncher()
	l.blocking = true
	s := newTestSupervisor(testOptions(100), l, nil)
	errCh := runAsync(t, s)

	first := waitStarted(t, l)
	require.Eventually(t, s.WorkloadAlive, time.Second, time.Millisecond)
	s.RequestRestart()
	second := waitStarted(t, l)

	terminated, _ := first.counts()
	assert.Equal(t, 1, terminated)
	assert.NotEqual(t, first.Pid(), second.Pid())
	assert.True(t, s.Running())
	assert.Equal(t, 2, s.RestartCount())

	s.RequestStop()
	waitRun(t, errCh)
}

func TestRequestRestart_NoWorkloadIsNoop(t *testing.T) {
	s := newTestSupervisor(testOptions(1), newFakeLauncher(), nil)
	s.RequestRestart()
	assert.True(t, s.Running())
	assert.False(t, s.WorkloadAlive())
}

func TestStop_KillsAfterGrace(t *testing.T) {
	l := newFakeLauncher()
	l.blocking = true
	l.ignoreTerm = true
	s := newTestSupervisor(testOptions(100), l, nil)
	errCh := runAsync(t, s)

	p := waitStarted(t, l)
	require.Eventually(t, s.WorkloadAlive, time.Second, time.Millisecond)
	start := time.Now()
	s.RequestStop()
	waitRun(t, errCh)

	terminated, killed := p.counts()
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 1, killed)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRun_ContextCancelStops(t *testing.T) {
	l := newFakeLauncher()
	l.blocking = true
	s := newTestSupervisor(testOptions(100), l, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	waitStarted(t, l)
	cancel()
	waitRun(t, errCh)
	assert.False(t, s.Running())
}

func TestStop_InterruptsRestartDelay(t *testing.T) {
	l := newFakeLauncher()
	opts := testOptions(100)
	opts.RestartDelay = time.Hour
	s := newTestSupervisor(opts, l, nil)
	errCh := runAsync(t, s)

	waitStarted(t, l)
	time.Sleep(10 * time.Millisecond)
	s.RequestStop()
	waitRun(t, errCh)
	assert.Equal(t, 1, l.count())
}

func TestExecLauncher_RunsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	l := ExecLauncher{LogOutput: true, Logger: zerolog.Nop()}
	p, err := l.Start(context.Background(), Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo hello; echo oops >&2; exit 3"},
		Dir:  t.TempDir(),
	})
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestExecLauncher_Terminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	l := ExecLauncher{}
	p, err := l.Start(context.Background(), Spec{Path: "/bin/sh", Args: []string{"-c", "exec sleep 30"}})
	require.NoError(t, err)

	require.NoError(t, p.Terminate())
	done := make(chan struct{})
	go func() {
		_, _ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = p.Kill()
		t.Fatal("process ignored SIGTERM")
	}
}

func TestLineLogger_SplitsLines(t *testing.T) {
	var lines []string
	logger := zerolog.New(zerolog.ConsoleWriter{Out: writerFunc(func(b []byte) (int, error) {
		lines = append(lines, string(b))
		return len(b), nil
	}), NoColor: true})
	w := &lineLogger{logger: logger, stream: "stdout", level: zerolog.InfoLevel}

	_, _ = w.Write([]byte("frame 1\nframe"))
	_, _ = w.Write([]byte(" 2\n\npartial"))
	require.Len(t, lines, 2)
	w.Flush()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "frame 1")
	assert.Contains(t, lines[1], "frame 2")
	assert.Contains(t, lines[2], "partial")
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
