package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/hireflow/model"
)

// snapshot is an immutable set of lifecycles indexed by entity type.
type snapshot struct {
	lifecycles map[string]*model.Lifecycle
	checksum   string
}

// Registry is a read-optimized, thread-safe store of lifecycle graphs.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given lifecycles.
func NewRegistry(defs []model.Lifecycle) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// NewDefaultRegistry creates a Registry holding the built-in lifecycles.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultLifecycles())
}

// Replace atomically swaps the registry contents. Later entries win when two
// share an entity type.
func (r *Registry) Replace(defs []model.Lifecycle) {
	s := &snapshot{lifecycles: make(map[string]*model.Lifecycle, len(defs))}

	var checksumParts []string
	for i := range defs {
		def := defs[i]
		s.lifecycles[def.EntityType] = &def
		checksumParts = append(checksumParts, def.EntityType+"@"+def.Version+"#"+def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Lifecycle returns the graph for entityType. The returned value must not be
// modified.
func (r *Registry) Lifecycle(entityType string) (*model.Lifecycle, bool) {
	l, ok := r.current().lifecycles[entityType]
	return l, ok
}

// EntityTypes returns the registered entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	s := r.current()
	types := make([]string, 0, len(s.lifecycles))
	for t := range s.lifecycles {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Checksum returns the combined checksum of all loaded lifecycles.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
