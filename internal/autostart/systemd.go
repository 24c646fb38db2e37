package autostart

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/unit"
)

// UnitOptions renders inv as a systemd user service.
func UnitOptions(inv Invocation) []*unit.UnitOption {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", inv.Description),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "notify"),
		unit.NewUnitOption("Service", "ExecStart", inv.CommandLine()),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", "5"),
	}
	if inv.WorkDir != "" {
		opts = append(opts, unit.NewUnitOption("Service", "WorkingDirectory", inv.WorkDir))
	}
	return append(opts, unit.NewUnitOption("Install", "WantedBy", "default.target"))
}

// UnitFileName is the service file name for inv.
func UnitFileName(name string) string { return name + ".service" }

// UserUnitDir is $XDG_CONFIG_HOME/systemd/user, or ~/.config/systemd/user.
func UserUnitDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "systemd", "user")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "systemd", "user")
	}
	return filepath.Join(home, ".config", "systemd", "user")
}

// WriteUnit writes the unit file for inv into dir and returns its path.
func WriteUnit(dir string, inv Invocation) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create unit dir: %w", err)
	}
	path := filepath.Join(dir, UnitFileName(inv.Name))
	tmp, err := os.CreateTemp(dir, "."+inv.Name+"-*.service")
	if err != nil {
		return "", fmt.Errorf("create unit file: %w", err)
	}
	if _, err := io.Copy(tmp, unit.Serialize(UnitOptions(inv))); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write unit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write unit file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("chmod unit file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("install unit file: %w", err)
	}
	return path, nil
}
