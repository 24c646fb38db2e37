package autostart

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInvocation() Invocation {
	return Invocation{
		Name:        "relaynode",
		Description: "relaynode worker agent",
		Executable:  "/opt/relay node/relaynode",
		Args:        []string{"run", "--config", "/etc/relaynode/config.yaml"},
		WorkDir:     "/var/lib/relaynode",
	}
}

func TestCommandLineQuotes(t *testing.T) {
	assert.Equal(t, `"/opt/relay node/relaynode" run --config /etc/relaynode/config.yaml`, testInvocation().CommandLine())
	assert.Equal(t, `a "" "say \"hi\""`, Invocation{Executable: "a", Args: []string{"", `say "hi"`}}.CommandLine())
}

func TestWriteUnit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "systemd", "user")
	path, err := WriteUnit(dir, testInvocation())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "relaynode.service"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	opts, err := unit.Deserialize(f)
	require.NoError(t, err)

	values := map[string]string{}
	for _, o := range opts {
		values[o.Section+"."+o.Name] = o.Value
	}
	assert.Equal(t, "relaynode worker agent", values["Unit.Description"])
	assert.Equal(t, "notify", values["Service.Type"])
	assert.Equal(t, testInvocation().CommandLine(), values["Service.ExecStart"])
	assert.Equal(t, "/var/lib/relaynode", values["Service.WorkingDirectory"])
	assert.Equal(t, "default.target", values["Install.WantedBy"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestUserUnitDirHonoursXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "systemd", "user"), UserUnitDir())
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	noop, err := r.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", noop.Name())

	native, err := r.Get("")
	require.NoError(t, err)
	assert.NotEqual(t, "noop", native.Name())

	_, err = r.Get("launchd")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "noop"))
}

type failingRegistrar struct{}

func (failingRegistrar) Name() string { return "failing" }
func (failingRegistrar) Register(context.Context, Invocation) error {
	return errors.New("access denied")
}

func TestInstall(t *testing.T) {
	n := &Noop{}
	require.NoError(t, Install(context.Background(), n, testInvocation()))
	require.Len(t, n.Calls, 1)
	assert.Equal(t, "relaynode", n.Calls[0].Name)

	err := Install(context.Background(), failingRegistrar{}, testInvocation())
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "failing", ae.Method)
	assert.EqualError(t, err, "autostart via failing: access denied")
}

func TestUnsupported(t *testing.T) {
	err := unsupported{}.Register(context.Background(), testInvocation())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSelfInvocation(t *testing.T) {
	inv, err := SelfInvocation("relaynode", "config.yaml", "work")
	require.NoError(t, err)
	assert.Equal(t, "relaynode", inv.Name)
	assert.True(t, filepath.IsAbs(inv.Executable))
	require.Len(t, inv.Args, 5)
	assert.Equal(t, "run", inv.Args[0])
	assert.Equal(t, "--config", inv.Args[1])
	assert.True(t, filepath.IsAbs(inv.Args[2]))
	assert.True(t, filepath.IsAbs(inv.WorkDir))
	assert.Equal(t, []string{"--chdir", inv.WorkDir}, inv.Args[3:])

	values := map[string]string{}
	for _, o := range UnitOptions(inv) {
		values[o.Section+"."+o.Name] = o.Value
	}
	assert.Equal(t, inv.WorkDir, values["Service.WorkingDirectory"])

	inv, err = SelfInvocation("relaynode", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, inv.Args)
}
