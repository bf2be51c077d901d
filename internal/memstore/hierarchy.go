package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/brikpay/refund-params/internal/model"
)

// Hierarchy is an in-memory ownership tree. Entity ids are unique across
// entity types.
type Hierarchy struct {
	mu      sync.RWMutex
	types   map[string]model.EntityType
	parents map[string]string
}

func NewHierarchy() *Hierarchy {
	return &Hierarchy{
		types:   make(map[string]model.EntityType),
		parents: make(map[string]string),
	}
}

func (h *Hierarchy) AddBank(bankID string) {
	h.add(model.EntityBank, bankID, "")
}

func (h *Hierarchy) AddProgram(programID, bankID string) {
	h.add(model.EntityProgram, programID, bankID)
}

func (h *Hierarchy) AddOrganization(orgID, programID string) {
	h.add(model.EntityOrganization, orgID, programID)
}

func (h *Hierarchy) AddMerchant(merchantID, orgID string) {
	h.add(model.EntityMerchant, merchantID, orgID)
}

func (h *Hierarchy) add(t model.EntityType, id, parent string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types[id] = t
	if parent != "" {
		h.parents[id] = parent
	}
}

func (h *Hierarchy) GetInheritanceChain(_ context.Context, entityID string) (model.InheritanceChain, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var chain model.InheritanceChain
	id := entityID
	for id != "" {
		t, ok := h.types[id]
		if !ok {
			return nil, &model.NotFoundError{EntityID: id}
		}
		chain = append(chain, model.HierarchyLevel{EntityType: t, EntityID: id})
		if t == model.EntityBank {
			break
		}
		id = h.parents[id]
	}
	if err := chain.Validate(entityID); err != nil {
		return nil, err
	}
	return chain, nil
}

func (h *Hierarchy) ListDescendants(_ context.Context, entityType model.EntityType, entityID string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.types[entityID] != entityType {
		return nil, nil
	}
	children := make(map[string][]string)
	for child, parent := range h.parents {
		children[parent] = append(children[parent], child)
	}

	var out []string
	queue := []string{entityID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Strings(out)
	return out, nil
}
