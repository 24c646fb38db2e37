package autostart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrUnsupported is returned by registrars that cannot work on this platform.
var ErrUnsupported = errors.New("autostart not supported on this platform")

// Invocation describes how the agent should be started at login.
type Invocation struct {
	Name        string
	Description string
	Executable  string
	Args        []string
	WorkDir     string
}

// CommandLine renders the invocation as a single quoted command line.
func (i Invocation) CommandLine() string {
	parts := make([]string, 0, len(i.Args)+1)
	parts = append(parts, quote(i.Executable))
	for _, a := range i.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// Registrar installs an Invocation with the platform's login mechanism.
type Registrar interface {
	Name() string
	Register(ctx context.Context, inv Invocation) error
}

// Error wraps a registrar failure.
type Error struct {
	Method string
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("autostart via %s: %v", e.Method, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Registry holds the registrars available on this platform.
type Registry struct {
	mu         sync.RWMutex
	registrars map[string]Registrar
	fallback   string
}

func NewRegistry() *Registry {
	return &Registry{registrars: map[string]Registrar{}}
}

func (r *Registry) Register(reg Registrar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrars[reg.Name()] = reg
}

// SetDefault names the registrar Get returns for an empty name.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

func (r *Registry) Get(name string) (Registrar, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	reg, ok := r.registrars[name]
	if !ok {
		return nil, fmt.Errorf("autostart method not registered: %q (available: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return reg, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.registrars))
	for n := range r.registrars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns the registrars for the running platform, with the
// native one as default.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Noop{})
	native := platformRegistrar()
	r.Register(native)
	r.SetDefault(native.Name())
	return r
}

// SelfInvocation builds an Invocation that re-runs the current executable
// with "run --config <configPath> --chdir <workDir>". The working directory
// is also passed as a flag because a Windows Run key cannot set one.
func SelfInvocation(name, configPath, workDir string) (Invocation, error) {
	exe, err := os.Executable()
	if err != nil {
		return Invocation{}, fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	args := []string{"run"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return Invocation{}, fmt.Errorf("resolve config path: %w", err)
		}
		args = append(args, "--config", abs)
	}
	if workDir != "" {
		if abs, err := filepath.Abs(workDir); err == nil {
			workDir = abs
		}
		args = append(args, "--chdir", workDir)
	}
	return Invocation{
		Name:        name,
		Description: "relaynode worker agent",
		Executable:  exe,
		Args:        args,
		WorkDir:     workDir,
	}, nil
}

// Install registers inv and logs the outcome. The returned error is for the
// caller to report; agent startup never depends on it.
func Install(ctx context.Context, reg Registrar, inv Invocation) error {
	if err := reg.Register(ctx, inv); err != nil {
		log.Warn().Err(err).Str("method", reg.Name()).Str("name", inv.Name).Msg("Autostart registration failed")
		return &Error{Method: reg.Name(), Err: err}
	}
	log.Info().Str("method", reg.Name()).Str("name", inv.Name).Str("command", inv.CommandLine()).Msg("Autostart registered")
	return nil
}

// Noop records invocations without touching the system.
type Noop struct {
	mu    sync.Mutex
	Calls []Invocation
}

func (n *Noop) Name() string { return "noop" }

func (n *Noop) Register(_ context.Context, inv Invocation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, inv)
	return nil
}

type unsupported struct{}

func (unsupported) Name() string { return "unsupported" }

func (unsupported) Register(context.Context, Invocation) error { return ErrUnsupported }
