//go:build linux

package autostart

import (
	"context"
	"fmt"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/rs/zerolog/log"
)

// unitManager is the subset of the systemd D-Bus API the registrar uses.
type unitManager interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []sddbus.EnableUnitFileChange, error)
	Close()
}

// SystemdUser installs a systemd user unit and enables it over the user's
// D-Bus session.
type SystemdUser struct {
	// Dir overrides the unit directory.
	Dir     string
	connect func(ctx context.Context) (unitManager, error)
}

func (s *SystemdUser) Name() string { return "systemd-user" }

func (s *SystemdUser) Register(ctx context.Context, inv Invocation) error {
	dir := s.Dir
	if dir == "" {
		dir = UserUnitDir()
	}
	path, err := WriteUnit(dir, inv)
	if err != nil {
		return err
	}
	log.Debug().Str("unit", path).Msg("Wrote systemd user unit")

	connect := s.connect
	if connect == nil {
		connect = func(ctx context.Context) (unitManager, error) {
			return sddbus.NewUserConnectionContext(ctx)
		}
	}
	conn, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd user session: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	_, changes, err := conn.EnableUnitFilesContext(ctx, []string{path}, false, true)
	if err != nil {
		return fmt.Errorf("enable %s: %w", UnitFileName(inv.Name), err)
	}
	for _, c := range changes {
		log.Debug().Str("type", c.Type).Str("file", c.Filename).Str("destination", c.Destination).Msg("Unit file change")
	}
	return nil
}

func platformRegistrar() Registrar { return &SystemdUser{} }
