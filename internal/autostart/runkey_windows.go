//go:build windows

package autostart

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

// RunKey registers the agent under the current user's Run key.
type RunKey struct{}

func (RunKey) Name() string { return "windows-run-key" }

func (RunKey) Register(_ context.Context, inv Invocation) error {
	k, _, err := registry.CreateKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open run key: %w", err)
	}
	defer k.Close()
	if err := k.SetStringValue(inv.Name, inv.CommandLine()); err != nil {
		return fmt.Errorf("set run value %q: %w", inv.Name, err)
	}
	return nil
}

func platformRegistrar() Registrar { return RunKey{} }
