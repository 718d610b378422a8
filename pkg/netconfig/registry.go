package netconfig

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/network"
)

// Constructor builds a Network object from a catalog entry's name and
// decoded settings map.
type Constructor func(name string, settings map[string]any, store kv.Store) (network.Network, error)

// typeEntry is one registered network type: its schema fragment and the
// constructor that turns validated settings into a Network.
type typeEntry struct {
	fragment    schemaFragment
	constructor Constructor
}

// Registry owns the composite schema and per-type constructors. It is built
// once by NewRegistry and held by the Loader; it replaces the source's
// import-time global schema with an explicit value.
type Registry struct {
	entries map[string]typeEntry
	schema  *jsonschema.Schema
}

// NewRegistry builds the default registry covering all six built-in
// network types and compiles their composite schema.
func NewRegistry(newNAT, newPV, newIB, newBridged, newHostIB, newGenericPCI Constructor) (*Registry, error) {
	r := &Registry{entries: make(map[string]typeEntry)}
	r.register(natSchema(), newNAT)
	r.register(pvSchema(), newPV)
	r.register(ibSchema(), newIB)
	r.register(bridgedSchema(), newBridged)
	r.register(hostibSchema(), newHostIB)
	r.register(genericPCISchema(), newGenericPCI)

	if err := r.compile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) register(fragment schemaFragment, ctor Constructor) {
	r.entries[fragment.tag] = typeEntry{fragment: fragment, constructor: ctor}
}

func (r *Registry) compile() error {
	var branches []any
	for _, e := range r.entries {
		branches = append(branches, e.fragment.body)
	}

	composite := map[string]any{
		"$id":   "netprov://catalog-entry",
		"oneOf": branches,
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("netprov://catalog-entry", composite); err != nil {
		return fmt.Errorf("add composite schema resource: %w", err)
	}
	sch, err := c.Compile("netprov://catalog-entry")
	if err != nil {
		return fmt.Errorf("compile composite schema: %w", err)
	}
	r.schema = sch
	return nil
}

// Tags returns the registered type tags, for error messages and help text.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	return tags
}
