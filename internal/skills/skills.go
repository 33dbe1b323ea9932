// Package skills binds flows to A2A skill metadata. The registry keeps
// registration order so the first skill doubles as the default for
// messages that do not name one, and the agent card is generated from
// whatever is registered.
package skills

import (
	"fmt"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/pocketmesh/pocketmesh/internal/executor"
	"github.com/pocketmesh/pocketmesh/internal/flow"
)

// Skill pairs a flow with the metadata advertised on the agent card.
type Skill struct {
	Meta a2a.AgentSkill
	Flow *flow.Flow
}

// Registry holds registered skills in registration order.
type Registry struct {
	order []string
	byID  map[string]*Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Skill)}
}

// Register adds a skill. Duplicate IDs are rejected.
func (r *Registry) Register(meta a2a.AgentSkill, f *flow.Flow) error {
	id := string(meta.ID)
	if id == "" {
		return fmt.Errorf("skill ID must not be empty")
	}
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("skill %q is already registered", id)
	}
	r.byID[id] = &Skill{Meta: meta, Flow: f}
	r.order = append(r.order, id)
	return nil
}

// Get returns the skill registered under id.
func (r *Registry) Get(id string) (*Skill, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// List returns all skills in registration order.
func (r *Registry) List() []*Skill {
	out := make([]*Skill, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Apply registers every skill's flow on the executor, preserving
// registration order so the executor's default skill matches ours.
func (r *Registry) Apply(e *executor.Executor) {
	for _, id := range r.order {
		e.RegisterFlow(id, r.byID[id].Flow)
	}
}

// Card builds the agent card advertising the registered skills. The
// URL points at the JSON-RPC endpoint under baseURL.
func (r *Registry) Card(baseURL string) *a2a.AgentCard {
	metas := make([]a2a.AgentSkill, 0, len(r.order))
	for _, id := range r.order {
		metas = append(metas, r.byID[id].Meta)
	}
	return &a2a.AgentCard{
		Name:               "PocketMesh",
		Description:        "Durable agentic workflow engine. Each skill runs a registered flow.",
		URL:                baseURL + "/a2a",
		Version:            "0.1.0",
		ProtocolVersion:    "0.3.0",
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Capabilities:       a2a.AgentCapabilities{Streaming: true},
		Skills:             metas,
	}
}
