package devrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/relaynode/internal/telemetry"
	"github.com/3cpo-dev/relaynode/pkg/api"
)

// ErrUnknownNode is returned when a command targets a node that never registered.
var ErrUnknownNode = errors.New("unknown node")

// Node is a registered agent as seen by the relay.
type Node struct {
	ID           string         `json:"node_id"`
	NodeName     string         `json:"node_name"`
	ComputerName string         `json:"computer_name"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Pending      int            `json:"pending"`
	Status       api.NodeStatus `json:"status"`
}

// Response is a command result posted back by a node.
type Response struct {
	CommandID  string          `json:"command_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Command    string          `json:"command,omitempty"`
	Response   json.RawMessage `json:"response"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Server is an in-memory relay for local development and end-to-end tests.
// It speaks the agent wire protocol and adds a small admin API for queueing
// commands and reading results.
type Server struct {
	Version string
	// Token, when set, must be presented as a bearer token on every request.
	Token string
	// StaleAfter is how long after its last heartbeat a node is reported stale.
	StaleAfter time.Duration

	mu        sync.Mutex
	nodes     map[string]*Node
	byName    map[string]string
	queues    map[string][]api.Command
	issued    map[string]api.Command
	owner     map[string]string
	responses []Response

	srv *http.Server
	now func() time.Time
}

// NewServer creates an empty relay.
func NewServer(version string) *Server {
	return &Server{
		Version:    version,
		StaleAfter: 90 * time.Second,
		nodes:      make(map[string]*Node),
		byName:     make(map[string]string),
		queues:     make(map[string][]api.Command),
		issued:     make(map[string]api.Command),
		owner:      make(map[string]string),
		now:        time.Now,
	}
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.auth(mux)
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /node/register", s.handleRegister)
	mux.HandleFunc("POST /node/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /command/response", s.handleResponse)
	mux.HandleFunc("POST /admin/commands", s.handleEnqueue)
	mux.HandleFunc("GET /admin/nodes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Nodes())
	})
	mux.HandleFunc("GET /admin/responses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Responses())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.Version})
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.URL.Path != "/healthz" {
			if r.Header.Get("Authorization") != "Bearer "+s.Token {
				telemetry.CounterGlobal("devrelay_auth_failures_total", 1, map[string]string{"path": r.URL.Path})
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NodeName) == "" {
		http.Error(w, "node_name required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	now := s.now()
	id, known := s.byName[req.NodeName]
	if !known {
		id = uuid.NewString()
		s.byName[req.NodeName] = id
		s.nodes[id] = &Node{ID: id, RegisteredAt: now}
	}
	n := s.nodes[id]
	n.NodeName = req.NodeName
	n.ComputerName = req.ComputerName
	n.LastSeen = now
	s.mu.Unlock()

	log.Info().Str("node_id", id).Str("node_name", req.NodeName).Bool("known", known).Msg("Node registered")
	telemetry.CounterGlobal("devrelay_registrations_total", 1, nil)
	writeJSON(w, http.StatusOK, api.RegisterResponse{NodeID: id})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	n, ok := s.nodes[req.NodeID]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	n.LastSeen = s.now()
	cmds := s.queues[req.NodeID]
	delete(s.queues, req.NodeID)
	s.mu.Unlock()

	if cmds == nil {
		cmds = []api.Command{}
	}
	telemetry.CounterGlobal("devrelay_heartbeats_total", 1, nil)
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{Commands: cmds})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string          `json:"command_id"`
		Response  json.RawMessage `json:"response"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	resp := Response{
		CommandID:  req.CommandID,
		NodeID:     s.owner[req.CommandID],
		Command:    s.issued[req.CommandID].Command,
		Response:   req.Response,
		ReceivedAt: s.now(),
	}
	s.responses = append(s.responses, resp)
	s.mu.Unlock()

	log.Info().Str("command_id", req.CommandID).Str("node_id", resp.NodeID).Msg("Command response received")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.Enqueue(req.NodeID, req.Command)
	switch {
	case errors.Is(err, ErrUnknownNode):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusOK, api.EnqueueResponse{CommandID: id})
	}
}

// Enqueue queues command for delivery on the node's next heartbeat.
func (s *Server) Enqueue(nodeID, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	cmd := api.Command{CommandID: uuid.NewString(), Command: command}
	s.queues[nodeID] = append(s.queues[nodeID], cmd)
	s.issued[cmd.CommandID] = cmd
	s.owner[cmd.CommandID] = nodeID
	log.Info().Str("node_id", nodeID).Str("command_id", cmd.CommandID).Str("command", command).Msg("Command queued")
	return cmd.CommandID, nil
}

// Nodes returns all registered nodes sorted by name.
func (s *Server) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Node, 0, len(s.nodes))
	for id, n := range s.nodes {
		c := *n
		c.Pending = len(s.queues[id])
		c.Status = api.NodeOnline
		if s.StaleAfter > 0 && now.Sub(n.LastSeen) > s.StaleAfter {
			c.Status = api.NodeStale
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out
}

// Responses returns all received results in arrival order.
func (s *Server) Responses() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Response(nil), s.responses...)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
