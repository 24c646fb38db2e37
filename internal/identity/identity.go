package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NodeIdentity is the durable self-description a node presents to the relay.
type NodeIdentity struct {
	NodeName     string     `json:"node_name"`
	ComputerName string     `json:"computer_name"`
	SystemType   string     `json:"system_type"`
	Version      string     `json:"version"`
	SystemInfo   SystemInfo `json:"system_info"`
}

type SystemInfo struct {
	OS           string `json:"os"`
	Processor    string `json:"processor"`
	Architecture string `json:"architecture"`
}

// Store loads or creates the identity record at Path.
type Store struct {
	Path       string
	SystemType string
	Version    string

	// Hostname and Probe are overridable for tests.
	Hostname func() (string, error)
	Probe    func() SystemInfo
}

// NewStore returns a Store using the real hostname and system probe.
func NewStore(path, systemType, version string) *Store {
	return &Store{
		Path:       path,
		SystemType: systemType,
		Version:    version,
		Hostname:   os.Hostname,
		Probe:      ProbeSystem,
	}
}

// LoadOrCreate returns the persisted identity, or synthesizes and persists a
// new one when the record is missing or unreadable. A failure to persist is
// logged and the in-memory identity is still returned.
func (s *Store) LoadOrCreate() NodeIdentity {
	if id, err := s.load(); err == nil {
		log.Debug().Str("path", s.Path).Str("node_name", id.NodeName).Msg("Loaded node identity")
		return id
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", s.Path).Msg("Identity record unreadable, regenerating")
	}

	id := s.generate()
	if err := s.save(id); err != nil {
		log.Warn().Err(err).Str("path", s.Path).Msg("Failed to persist node identity, continuing in memory")
	} else {
		log.Info().Str("path", s.Path).Str("node_name", id.NodeName).Msg("Created node identity")
	}
	return id
}

// Regenerate discards any existing record and writes a fresh identity.
func (s *Store) Regenerate() (NodeIdentity, error) {
	id := s.generate()
	if err := s.save(id); err != nil {
		return id, err
	}
	return id, nil
}

func (s *Store) load() (NodeIdentity, error) {
	var id NodeIdentity
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return id, err
	}
	if err := json.Unmarshal(b, &id); err != nil {
		return NodeIdentity{}, fmt.Errorf("parse identity: %w", err)
	}
	if strings.TrimSpace(id.NodeName) == "" {
		return NodeIdentity{}, fmt.Errorf("parse identity: node_name is empty")
	}
	return id, nil
}

func (s *Store) save(id NodeIdentity) error {
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	b, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func (s *Store) generate() NodeIdentity {
	host := "unknown"
	if s.Hostname != nil {
		if h, err := s.Hostname(); err == nil && h != "" {
			host = h
		}
	}
	var info SystemInfo
	if s.Probe != nil {
		info = s.Probe()
	}
	return NodeIdentity{
		NodeName:     NodeName(host),
		ComputerName: host,
		SystemType:   s.SystemType,
		Version:      s.Version,
		SystemInfo:   info,
	}
}

// NodeName builds "Node-<host>-<8 hex chars>" from a random UUID.
func NodeName(host string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("Node-%s-%s", host, suffix)
}
