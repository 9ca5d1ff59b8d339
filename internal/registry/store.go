// Package registry implements the hub's component record store, the
// registration service, the tool registry, and the heartbeat monitor.
//
// The store keeps every component's record and its tool set in the same
// shard entry, so a registration, unregistration, or eviction mutates both
// under one lock — no observer can see tools for a vanished component or a
// component with half a tool set.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/musubi/internal/model"
)

const shardCount = 32

type entry struct {
	component model.Component
	tools     []model.ToolSpec // registration order preserved
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is the in-memory component record store, sharded by component ID.
// Operations on different IDs hash to independent shards and do not block
// each other; there is no store-wide lock.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Put installs or replaces the record for component.ID together with its
// tool set. Replacement is atomic: no reader observes the old component
// with the new tools or vice versa.
func (s *Store) Put(component model.Component, tools []model.ToolSpec) {
	sh := s.shardFor(component.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[component.ID] = &entry{component: component, tools: tools}
}

// Get returns a copy of the component record and its tools.
func (s *Store) Get(id string) (model.Component, []model.ToolSpec, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	if !ok {
		return model.Component{}, nil, false
	}
	return e.component, copyTools(e.tools), true
}

// Delete removes the record and its tools in one operation, returning what
// was removed.
func (s *Store) Delete(id string) (model.Component, []model.ToolSpec, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return model.Component{}, nil, false
	}
	delete(sh.entries, id)
	return e.component, e.tools, true
}

// Mutate applies fn to the live record under the shard's write lock.
// Returns false when the component is unknown. fn must not block.
func (s *Store) Mutate(id string, fn func(*model.Component)) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return false
	}
	fn(&e.component)
	return true
}

// Len returns the number of registered components.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// List returns a copy of every component record.
func (s *Store) List() []model.Component {
	out := make([]model.Component, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e.component)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Query returns summaries of components matching the filter.
func (s *Store) Query(filter model.QueryFilter) []model.ComponentSummary {
	var out []model.ComponentSummary
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			c := &e.component
			if filter.Capability != "" && !c.HasCapability(filter.Capability) {
				continue
			}
			if filter.Type != "" && c.Type != filter.Type {
				continue
			}
			if filter.HealthyOnly && !c.Status.Routable() {
				continue
			}
			out = append(out, model.ComponentSummary{
				ID:              c.ID,
				Name:            c.Name,
				Version:         c.Version,
				Type:            c.Type,
				Endpoint:        c.Endpoint,
				Capabilities:    append([]string(nil), c.Capabilities...),
				Status:          c.Status,
				ToolCount:       len(e.tools),
				RegisteredAt:    c.RegisteredAt,
				LastHeartbeatAt: c.LastHeartbeatAt,
			})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Candidates returns routable components advertising the capability, sorted
// by ID so round-robin selection sees a stable order between calls.
func (s *Store) Candidates(capability string) []model.Component {
	var out []model.Component
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.component.Status.Routable() && e.component.HasCapability(capability) {
				out = append(out, e.component)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTool resolves a tool ID to its spec. The owner component ID is embedded
// in the tool ID, so the lookup hits exactly one shard.
func (s *Store) GetTool(toolID string) (model.ToolSpec, bool) {
	componentID, name, err := model.SplitToolID(toolID)
	if err != nil {
		return model.ToolSpec{}, false
	}
	sh := s.shardFor(componentID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[componentID]
	if !ok {
		return model.ToolSpec{}, false
	}
	for _, t := range e.tools {
		if t.Name == name {
			return t, true
		}
	}
	return model.ToolSpec{}, false
}

// ListTools returns the tools owned by one component, or every registered
// tool when componentID is empty.
func (s *Store) ListTools(componentID string) []model.ToolSpec {
	if componentID != "" {
		sh := s.shardFor(componentID)
		sh.mu.RLock()
		defer sh.mu.RUnlock()
		e, ok := sh.entries[componentID]
		if !ok {
			return nil
		}
		return copyTools(e.tools)
	}

	var out []model.ToolSpec
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e.tools...)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stale returns the IDs of components whose last heartbeat is more than
// ttl in the past. Used by the heartbeat monitor.
func (s *Store) Stale(now time.Time, ttl time.Duration) []string {
	var out []string
	cutoff := now.Add(-ttl)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, e := range sh.entries {
			if e.component.LastHeartbeatAt.Before(cutoff) {
				out = append(out, id)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Record pairs a component with its tools for snapshot persistence. The
// registration ID is carried explicitly because the component marshals it
// out, and losing it across a restart would invalidate every issued token.
type Record struct {
	Component      model.Component  `json:"component"`
	RegistrationID uuid.UUID        `json:"registration_id"`
	Tools          []model.ToolSpec `json:"tools,omitempty"`
}

// Export returns a point-in-time copy of the whole store for snapshotting.
// Per-shard locking means the copy is consistent per component, not across
// components — good enough for a liveness cache that is rebuilt by
// heartbeats anyway.
func (s *Store) Export() []Record {
	out := make([]Record, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, Record{
				Component:      e.component,
				RegistrationID: e.component.RegistrationID,
				Tools:          copyTools(e.tools),
			})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Import loads snapshot records into an empty store at startup.
func (s *Store) Import(records []Record) {
	for _, r := range records {
		r.Component.RegistrationID = r.RegistrationID
		s.Put(r.Component, r.Tools)
	}
}

func copyTools(tools []model.ToolSpec) []model.ToolSpec {
	if tools == nil {
		return nil
	}
	return append([]model.ToolSpec(nil), tools...)
}
