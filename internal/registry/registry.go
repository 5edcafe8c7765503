package registry

import "sort"

// Registry is the deterministic, read-mostly catalog of AgentDescriptors.
// It is shared-immutable after load: queries never mutate it, and the
// only way to change its contents is to Load a new one and swap it in.
type Registry struct {
	byID        map[string]*Descriptor
	byLayer     map[Layer][]*Descriptor
	byCategory  map[string][]*Descriptor
	byCapability map[string][]*Descriptor
	order       []string
}

func build(byID map[string]*Descriptor, order []string) *Registry {
	reg := &Registry{
		byID:         byID,
		byLayer:      make(map[Layer][]*Descriptor),
		byCategory:   make(map[string][]*Descriptor),
		byCapability: make(map[string][]*Descriptor),
		order:        order,
	}

	for _, id := range order {
		d := byID[id]
		reg.byLayer[d.Layer] = append(reg.byLayer[d.Layer], d)
		reg.byCategory[d.Category] = append(reg.byCategory[d.Category], d)
		for _, cap := range d.Capabilities {
			reg.byCapability[cap] = append(reg.byCapability[cap], d)
		}
	}

	sortByID := func(ds []*Descriptor) {
		sort.Slice(ds, func(i, j int) bool { return ds[i].AgentID < ds[j].AgentID })
	}
	for layer := range reg.byLayer {
		sortByID(reg.byLayer[layer])
	}
	for cat := range reg.byCategory {
		sortByID(reg.byCategory[cat])
	}
	for cap := range reg.byCapability {
		sortByID(reg.byCapability[cap])
	}

	return reg
}

// Get returns the descriptor for agentID, or ErrNotFound.
func (r *Registry) Get(agentID string) (*Descriptor, error) {
	d, ok := r.byID[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// ByLayer returns every descriptor in layer, sorted by agent_id. An
// empty slice (never nil-vs-empty ambiguity) is returned on a miss —
// ambiguous or empty queries return the full set, never truncated.
func (r *Registry) ByLayer(layer Layer) []*Descriptor {
	return append(make([]*Descriptor, 0, len(r.byLayer[layer])), r.byLayer[layer]...)
}

// ByCategory returns every descriptor tagged with category.
func (r *Registry) ByCategory(category string) []*Descriptor {
	return append([]*Descriptor(nil), r.byCategory[category]...)
}

// ByCapability returns every descriptor advertising the capability token.
func (r *Registry) ByCapability(token string) []*Descriptor {
	return append([]*Descriptor(nil), r.byCapability[token]...)
}

// Healthy returns every descriptor whose HealthStatus is Healthy.
func (r *Registry) Healthy() []*Descriptor {
	out := make([]*Descriptor, 0)
	for _, id := range r.order {
		d := r.byID[id]
		if d.HealthStatus == HealthHealthy {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of unique descriptors in the registry.
func (r *Registry) Count() int { return len(r.byID) }

// All returns every descriptor, in catalog load order.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// EscalationChain walks escalation_to from agentID up to (and including)
// its L1_Root ancestor. Used by the orchestrator's Phase 2 selection to
// find an agent's transitively-required supervisors.
func (r *Registry) EscalationChain(agentID string) ([]*Descriptor, error) {
	var chain []*Descriptor
	id := agentID
	for {
		d, ok := r.byID[id]
		if !ok {
			return nil, ErrNotFound
		}
		chain = append(chain, d)
		if d.EscalationTo == "" {
			return chain, nil
		}
		id = d.EscalationTo
	}
}
