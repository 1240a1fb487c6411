package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/threadline/pkg/backend"
)

// ErrUnknownAgent is returned for turns addressed to an agent that was never registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is a named assistant backed by one client.
type Agent struct {
	Name string
	// DisplayName labels replies that could not be parsed. Defaults to Name.
	DisplayName string
	// Persistent is the session mode used by Request callers that do not override it.
	Persistent bool
	Client     backend.Client
}

// Validate checks the agent definition.
func (a Agent) Validate() error {
	if a.Name == "" {
		return errors.New("agent name is required")
	}
	if a.Client == nil {
		return fmt.Errorf("agent %s has no backend client", a.Name)
	}
	return nil
}

// registry holds registered agents by name.
type registry struct {
	entries map[string]*agentRuntime
	mu      sync.RWMutex
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*agentRuntime)}
}

func (r *registry) register(name string, v *agentRuntime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("agent already registered: %s", name)
	}
	r.entries[name] = v
	return nil
}

func (r *registry) get(name string) (*agentRuntime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.entries[name]
	if !exists {
		return v, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return v, nil
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
