//go:build !windows

package command

var defaultShell = []string{"/bin/sh", "-c"}
