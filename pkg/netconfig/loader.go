package netconfig

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/netkit"
	"github.com/clusterkit/netprov/pkg/network"
)

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)

// Loader parses and validates the YAML network catalog against a Registry's
// composite schema and instantiates one Network per accepted entry.
type Loader struct {
	registry *Registry
	store    kv.Store
}

// NewLoader binds a Registry to the kv.Store constructors will receive.
func NewLoader(registry *Registry, store kv.Store) *Loader {
	return &Loader{registry: registry, store: store}
}

// Load parses the catalog file at path and returns one Network per entry.
func (l *Loader) Load(path string) (map[string]network.Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w: %w", path, netkit.ErrConfig, err)
	}

	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w: %w", path, netkit.ErrConfig, err)
	}

	out := make(map[string]network.Network, len(raw))
	for name, entry := range raw {
		if !nameRe.MatchString(name) {
			return nil, fmt.Errorf("network name %q: %w", name, netkit.ErrConfig)
		}

		applyDefaults(entry)

		if err := l.registry.schema.Validate(entry); err != nil {
			return nil, fmt.Errorf("network %q: %w: %w", name, netkit.ErrConfig, filterValidationError(err))
		}

		tag, _ := entry["type"].(string)
		te, ok := l.registry.entries[tag]
		if !ok {
			return nil, fmt.Errorf("network %q: unknown type %q: %w", name, tag, netkit.ErrConfig)
		}

		settings, _ := entry["settings"].(map[string]any)
		net, err := te.constructor(name, settings, l.store)
		if err != nil {
			return nil, fmt.Errorf("network %q: %w: %w", name, netkit.ErrConfig, err)
		}
		out[name] = net
	}

	return out, nil
}

// applyDefaults fills missing settings keys from defaultsForTag's per-type
// table (the network package's Default* values) before structural
// validation runs, since
// santhosh-tekuri/jsonschema/v6 reports default values but does not apply
// them to the instance itself.
func applyDefaults(entry map[string]any) {
	tag, _ := entry["type"].(string)
	settings, ok := entry["settings"].(map[string]any)
	if !ok {
		settings = make(map[string]any)
		entry["settings"] = settings
	}

	defaults := defaultsForTag(tag)
	for k, v := range defaults {
		if _, present := settings[k]; !present {
			settings[k] = v
		}
	}

	if tag == "nat" {
		if rn, ok := settings["reverse-nat"].(map[string]any); ok {
			_ = rn // reverse-nat has no optional sub-fields with defaults
		}
	}
}

func defaultsForTag(tag string) map[string]any {
	switch tag {
	case "nat":
		return map[string]any{
			"vm-hwaddr":      network.DefaultVMHWAddr,
			"bridge-hwaddr":  network.DefaultBridgeHWAddr,
			"mtu":            network.DefaultMTU,
			"allow-outbound": network.DefaultAllowOutbound,
		}
	case "pv":
		return map[string]any{
			"mac-prefix": network.DefaultMACPrefix,
			"mtu":        network.DefaultMTU,
		}
	case "bridged":
		return map[string]any{
			"mtu": network.DefaultMTU,
		}
	default:
		return nil
	}
}

// filterValidationError walks a oneOf validation failure and drops branch
// errors whose only complaint is that `type` did not match that branch's
// enum/const — noise from the five branches that are never going to match a
// given entry's tag — then returns the first remaining leaf error.
func filterValidationError(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	leaf := firstRelevantLeaf(verr)
	if leaf != nil {
		return errors.New(leaf.Error())
	}
	return err
}

func firstRelevantLeaf(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	if isTypeTagMismatch(verr) {
		return nil
	}
	if len(verr.Causes) == 0 {
		return verr
	}
	for _, cause := range verr.Causes {
		if leaf := firstRelevantLeaf(cause); leaf != nil {
			return leaf
		}
	}
	return nil
}

func isTypeTagMismatch(verr *jsonschema.ValidationError) bool {
	loc := strings.Join(verr.InstanceLocation, "/")
	return strings.HasSuffix(loc, "/type") || loc == "type"
}
