// Package capability hands merge policies the cluster collaborators they
// declare a need for, without letting them reach into global state.
package capability

import (
	"context"
	"strings"
	"sync"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
)

// Capability is one optional collaborator a policy can ask for
type Capability uint8

const (
	ClusterContext Capability = 1 << iota
	UserContext
)

var allCapabilities = []Capability{ClusterContext, UserContext}

func (c Capability) String() string {
	switch c {
	case ClusterContext:
		return "cluster-context"
	case UserContext:
		return "user-context"
	default:
		return "unknown"
	}
}

// Set is an enumerated set of capabilities
type Set uint8

// NewSet builds a set from individual capabilities
func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s |= Set(c)
	}
	return s
}

// Has reports whether c is in the set
func (s Set) Has(c Capability) bool {
	return s&Set(c) != 0
}

// Members lists the capabilities in the set
func (s Set) Members() []Capability {
	out := make([]Capability, 0, len(allCapabilities))
	for _, c := range allCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s Set) String() string {
	names := make([]string, 0, len(allCapabilities))
	for _, c := range s.Members() {
		names = append(names, c.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Cluster exposes read access to the local member's view of the cluster
type Cluster interface {
	NodeID() string
	ClusterName() string
	Members() []string
}

// StaticCluster is the cluster view of a node running without membership
type StaticCluster struct {
	Node    string
	Cluster string
}

func (c StaticCluster) NodeID() string      { return c.Node }
func (c StaticCluster) ClusterName() string { return c.Cluster }
func (c StaticCluster) Members() []string   { return []string{c.Node} }

// User exposes user-registered dependencies by name
type User interface {
	Get(key string) (any, bool)
}

// Declarer is implemented by policies that need collaborators
type Declarer interface {
	Capabilities() Set
}

// ClusterAware receives the cluster context
type ClusterAware interface {
	SetClusterContext(Cluster)
}

// UserAware receives the user context
type UserAware interface {
	SetUserContext(User)
}

// Registry resolves a declared capability to the collaborator that serves it
type Registry interface {
	Lookup(ctx context.Context, c Capability) (any, error)
}

// StaticRegistry serves fixed collaborators registered at startup
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[Capability]any
}

// NewStaticRegistry creates an empty registry
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{entries: make(map[Capability]any)}
}

// Register binds a collaborator to a capability
func (r *StaticRegistry) Register(c Capability, v any) *StaticRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c] = v
	return r
}

// Lookup implements Registry
func (r *StaticRegistry) Lookup(_ context.Context, c Capability) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[c]
	if !ok {
		return nil, mergeerrors.CapabilityInjection(c.String(), "not registered", nil)
	}
	return v, nil
}

// MapUser is a map-backed User context
type MapUser map[string]any

// Get implements User
func (m MapUser) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}
