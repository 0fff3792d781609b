package api

import (
	"fmt"
	"sort"

	"github.com/gridtiles/server/internal/service"
)

// Registry holds the services for all published datasets. Registration
// happens at startup; request handling only reads.
type Registry struct {
	services map[string]*service.Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*service.Service)}
}

// Register adds a dataset service under its identifier.
func (r *Registry) Register(svc *service.Service) error {
	if svc == nil {
		return fmt.Errorf("registry: nil service")
	}
	id := svc.ID()
	if id == "" {
		return fmt.Errorf("registry: service has no dataset identifier")
	}
	if _, ok := r.services[id]; ok {
		return fmt.Errorf("registry: duplicate dataset %q", id)
	}
	r.services[id] = svc
	return nil
}

// Get returns the service for a dataset, or nil if not registered.
func (r *Registry) Get(datasetID string) *service.Service {
	return r.services[datasetID]
}

// IDs returns the registered dataset identifiers, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Infos summarizes every registered dataset, in identifier order.
func (r *Registry) Infos() []service.Info {
	infos := make([]service.Info, 0, len(r.services))
	for _, id := range r.IDs() {
		infos = append(infos, r.services[id].Info())
	}
	return infos
}
