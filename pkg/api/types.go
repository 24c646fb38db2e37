package api

import "strings"

// Wire types for the relay protocol. Both the agent's relay client and the
// development relay encode and decode these.

type RegisterRequest struct {
	NodeName     string `json:"node_name"`
	ComputerName string `json:"computer_name"`
}

type RegisterResponse struct {
	NodeID string `json:"node_id"`
}

type HeartbeatRequest struct {
	NodeID string `json:"node_id"`
}

type HeartbeatResponse struct {
	Commands []Command `json:"commands"`
}

// Command is an operator instruction pulled from the relay. Older relays only
// send the Command string; newer ones may also send an explicit Kind/Payload pair.
type Command struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
	Kind      string `json:"kind,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// Wire returns the string form of the command. When only the tagged form was
// sent, it is rebuilt as "<kind>" or "<kind>:<payload>".
func (c Command) Wire() string {
	if c.Command != "" || c.Kind == "" {
		return c.Command
	}
	if c.Payload == "" {
		return c.Kind
	}
	return c.Kind + ":" + c.Payload
}

// Tagged reports whether the relay sent an explicit kind.
func (c Command) Tagged() bool { return strings.TrimSpace(c.Kind) != "" }

type CommandResponse struct {
	CommandID string `json:"command_id"`
	Response  any    `json:"response"`
}

// EnqueueRequest is accepted by the development relay's admin endpoint.
type EnqueueRequest struct {
	NodeID  string `json:"node_id"`
	Command string `json:"command"`
}

type EnqueueResponse struct {
	CommandID string `json:"command_id"`
}

type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeStale   NodeStatus = "stale"
	NodeUnknown NodeStatus = "unknown"
)
