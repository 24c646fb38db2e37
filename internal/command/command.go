package command

import (
	"strings"

	"github.com/3cpo-dev/relaynode/pkg/api"
)

// Kind identifies what a command asks the node to do.
type Kind string

const (
	KindStatus          Kind = "status"
	KindStop            Kind = "stop"
	KindExecute         Kind = "execute"
	KindRestartWorkload Kind = "restart_renderer"
	KindUnknown         Kind = "unknown"
)

const executePrefix = "execute:"

// Command is a decoded operator instruction.
type Command struct {
	ID      string
	Kind    Kind
	Payload string
	// Raw is the wire string, echoed back in "Unknown command" errors.
	Raw string
}

// Parse decodes the string wire form. Matching is exact and case-sensitive;
// only "execute:" carries a payload.
func Parse(raw string) Command {
	cmd := Command{Raw: raw}
	switch {
	case raw == string(KindStatus):
		cmd.Kind = KindStatus
	case raw == string(KindStop):
		cmd.Kind = KindStop
	case raw == string(KindRestartWorkload):
		cmd.Kind = KindRestartWorkload
	case strings.HasPrefix(raw, executePrefix):
		cmd.Kind = KindExecute
		cmd.Payload = raw[len(executePrefix):]
	default:
		cmd.Kind = KindUnknown
	}
	return cmd
}

// FromAPI decodes a relay command, preferring the explicit kind/payload pair
// when the relay sent one.
func FromAPI(c api.Command) Command {
	if !c.Tagged() {
		cmd := Parse(c.Command)
		cmd.ID = c.CommandID
		return cmd
	}

	cmd := Command{ID: c.CommandID, Raw: c.Wire(), Payload: c.Payload}
	switch k := Kind(strings.ToLower(strings.TrimSpace(c.Kind))); k {
	case KindStatus, KindStop, KindRestartWorkload:
		cmd.Kind = k
		cmd.Payload = ""
	case KindExecute:
		cmd.Kind = k
	default:
		cmd.Kind = KindUnknown
	}
	return cmd
}

// Terminal reports whether the command ends the heartbeat loop once answered.
func (c Command) Terminal() bool { return c.Kind == KindStop }
