package command

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/relaynode/internal/identity"
	"github.com/3cpo-dev/relaynode/pkg/api"
)

type fakeWorkload struct {
	mu       sync.Mutex
	restarts int
	alive    bool
	stops    int
	restartN int
	panicMsg string
}

func (f *fakeWorkload) RestartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.restarts
}

func (f *fakeWorkload) WorkloadAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeWorkload) RequestStop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeWorkload) RequestRestart() {
	f.mu.Lock()
	f.restartN++
	f.mu.Unlock()
}

var testIdentity = identity.NodeIdentity{
	NodeName:     "Node-render01-deadbeef",
	ComputerName: "render01",
}

func newDispatcher(w Workload, opts Options) *Dispatcher {
	d := NewDispatcher(testIdentity, w, opts)
	d.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tests use /bin/sh")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		raw     string
		kind    Kind
		payload string
	}{
		{"status", KindStatus, ""},
		{"stop", KindStop, ""},
		{"restart_renderer", KindRestartWorkload, ""},
		{"execute:echo hi", KindExecute, "echo hi"},
		{"execute:", KindExecute, ""},
		{"Status", KindUnknown, ""},
		{"reboot", KindUnknown, ""},
		{"", KindUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cmd := Parse(tt.raw)
			assert.Equal(t, tt.kind, cmd.Kind)
			assert.Equal(t, tt.payload, cmd.Payload)
			assert.Equal(t, tt.raw, cmd.Raw)
		})
	}
}

func TestFromAPI(t *testing.T) {
	cmd := FromAPI(api.Command{CommandID: "a", Command: "execute:ls"})
	assert.Equal(t, "a", cmd.ID)
	assert.Equal(t, KindExecute, cmd.Kind)
	assert.Equal(t, "ls", cmd.Payload)

	cmd = FromAPI(api.Command{CommandID: "b", Kind: "execute", Payload: "uname -a"})
	assert.Equal(t, KindExecute, cmd.Kind)
	assert.Equal(t, "uname -a", cmd.Payload)
	assert.Equal(t, "execute:uname -a", cmd.Raw)

	cmd = FromAPI(api.Command{CommandID: "c", Kind: "STOP"})
	assert.Equal(t, KindStop, cmd.Kind)
	assert.True(t, cmd.Terminal())

	cmd = FromAPI(api.Command{CommandID: "d", Kind: "format_disk"})
	assert.Equal(t, KindUnknown, cmd.Kind)
	assert.Equal(t, "format_disk", cmd.Raw)
}

func TestExecute_Status(t *testing.T) {
	w := &fakeWorkload{restarts: 3, alive: true}
	res := newDispatcher(w, Options{}).ExecuteString(context.Background(), "status")

	require.NotNil(t, res.Report)
	assert.Equal(t, "running", res.Status)
	assert.Equal(t, 3, res.Restarts)
	assert.True(t, res.RendererRunning)
	assert.Equal(t, "Node-render01-deadbeef", res.NodeName)
	assert.Equal(t, "render01", res.ComputerName)
	assert.Equal(t, "2026-03-01T12:00:00.000000", res.Timestamp)
	assert.Nil(t, res.ExecOutput)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "running", wire["status"])
	assert.Equal(t, float64(3), wire["restarts"])
	assert.Equal(t, true, wire["renderer_running"])
	assert.NotContains(t, wire, "returncode")
	assert.NotContains(t, wire, "error")
}

func TestExecute_StatusWithoutWorkload(t *testing.T) {
	res := newDispatcher(&fakeWorkload{}, Options{}).ExecuteString(context.Background(), "status")
	require.NotNil(t, res.Report)
	assert.False(t, res.RendererRunning)
	assert.Equal(t, 0, res.Restarts)
}

func TestExecute_StopAndRestart(t *testing.T) {
	w := &fakeWorkload{alive: true}
	d := newDispatcher(w, Options{})

	res := d.ExecuteString(context.Background(), "restart_renderer")
	assert.Equal(t, Result{Status: "renderer_restarting"}, res)
	assert.Equal(t, 1, w.restartN)
	assert.Equal(t, 0, w.stops)

	res = d.ExecuteString(context.Background(), "stop")
	assert.Equal(t, Result{Status: "shutting_down"}, res)
	assert.Equal(t, 1, w.stops)
}

func TestExecute_Unknown(t *testing.T) {
	res := newDispatcher(&fakeWorkload{}, Options{}).ExecuteString(context.Background(), "reboot")
	assert.Equal(t, "Unknown command: reboot", res.Error)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Unknown command: reboot"}`, string(b))
}

func TestExecute_Shell(t *testing.T) {
	skipWithoutShell(t)
	res := newDispatcher(&fakeWorkload{}, Options{}).ExecuteString(context.Background(), "execute:echo hi")

	require.NotNil(t, res.ExecOutput)
	assert.Empty(t, res.Error)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "", res.Stderr)
	assert.Equal(t, "echo hi", res.Command)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"returncode":0,"stdout":"hi\n","stderr":"","command":"echo hi"}`, string(b))
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	skipWithoutShell(t)
	res := newDispatcher(&fakeWorkload{}, Options{}).ExecuteString(context.Background(), "execute:echo oops >&2; exit 3")

	require.NotNil(t, res.ExecOutput)
	assert.Empty(t, res.Error)
	assert.Equal(t, 3, res.ReturnCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestExecute_Timeout(t *testing.T) {
	skipWithoutShell(t)
	d := newDispatcher(&fakeWorkload{}, Options{
		ExecTimeout: 200 * time.Millisecond,
		WaitDelay:   100 * time.Millisecond,
	})

	start := time.Now()
	res := d.ExecuteString(context.Background(), "execute:sleep 5")
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Nil(t, res.ExecOutput)
	assert.True(t, strings.HasPrefix(res.Error, "Command 'sleep 5' timed out after"), res.Error)
}

func TestExecute_TimeoutMessageUsesConfiguredSeconds(t *testing.T) {
	skipWithoutShell(t)
	d := newDispatcher(&fakeWorkload{}, Options{ExecTimeout: time.Second, WaitDelay: 100 * time.Millisecond})
	res := d.ExecuteString(context.Background(), "execute:sleep 5")
	assert.Equal(t, "Command 'sleep 5' timed out after 1 seconds", res.Error)
}

func TestExecute_StartFailure(t *testing.T) {
	d := newDispatcher(&fakeWorkload{}, Options{Shell: []string{"/nonexistent/shell", "-c"}})
	res := d.ExecuteString(context.Background(), "execute:true")
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.ExecOutput)
}

func TestExecute_PanicBecomesError(t *testing.T) {
	d := newDispatcher(&fakeWorkload{panicMsg: "state corrupted"}, Options{})
	res := d.ExecuteString(context.Background(), "status")
	assert.Equal(t, Result{Error: "state corrupted"}, res)
}
