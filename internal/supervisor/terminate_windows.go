//go:build windows

package supervisor

import (
	"errors"
	"os"
)

// Windows has no graceful signal for arbitrary console processes.
func terminate(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
