//go:build windows

package command

var defaultShell = []string{"cmd", "/C"}
