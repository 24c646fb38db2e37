//go:build !linux && !windows

package autostart

func platformRegistrar() Registrar { return unsupported{} }
