package netconfig

import "github.com/clusterkit/netprov/pkg/network"

// schemaFragment is one type's contribution to the composite catalog-entry
// schema: a JSON Schema document (as a Go literal, compiled at registry
// build time) requiring `type` to equal the tag and constraining `settings`
// to that type's required/optional keys.
type schemaFragment struct {
	tag  string
	body map[string]any
}

func natSchema() schemaFragment {
	return schemaFragment{
		tag: "nat",
		body: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"const": "nat"},
				"settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"nat-network":    map[string]any{"type": "string"},
						"vm-network":     map[string]any{"type": "string"},
						"vm-network-gw":  map[string]any{"type": "string"},
						"vm-ip":          map[string]any{"type": "string"},
						"bridge":         map[string]any{"type": "string"},
						"tap-prefix":     map[string]any{"type": "string"},
						"vm-hwaddr":      map[string]any{"type": "string", "default": network.DefaultVMHWAddr},
						"bridge-hwaddr":  map[string]any{"type": "string", "default": network.DefaultBridgeHWAddr},
						"mtu":            map[string]any{"type": "integer", "default": network.DefaultMTU},
						"domain-name":    map[string]any{"type": "string"},
						"dns-server":     map[string]any{"type": "string"},
						"ntp-server":     map[string]any{"type": "string"},
						"allow-outbound": map[string]any{"type": "string", "enum": []any{"all", "none"}, "default": network.DefaultAllowOutbound},
						"reverse-nat": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"vm-port":        map[string]any{"type": "integer"},
								"min-host-port":  map[string]any{"type": "integer"},
								"max-host-port":  map[string]any{"type": "integer"},
							},
							"required": []any{"vm-port", "min-host-port", "max-host-port"},
						},
					},
					"required": []any{"nat-network", "vm-network", "vm-network-gw", "vm-ip", "bridge", "tap-prefix"},
				},
			},
			"required": []any{"type", "settings"},
		},
	}
}

func pvSchema() schemaFragment {
	return schemaFragment{
		tag: "pv",
		body: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"const": "pv"},
				"settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"bridge-prefix":  map[string]any{"type": "string"},
						"tap-prefix":     map[string]any{"type": "string"},
						"mac-prefix":     map[string]any{"type": "string", "default": network.DefaultMACPrefix},
						"mtu":            map[string]any{"type": "integer", "default": network.DefaultMTU},
						"host-if-suffix": map[string]any{"type": "string"},
					},
					"required": []any{"bridge-prefix", "tap-prefix"},
				},
			},
			"required": []any{"type", "settings"},
		},
	}
}

func ibSchema() schemaFragment {
	return schemaFragment{
		tag: "ib",
		body: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"const": "ib"},
				"settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"host-device":          map[string]any{"type": "string"},
						"min-pkey":             map[string]any{"type": "string", "pattern": "^[0-9a-fA-F]{4}$"},
						"max-pkey":             map[string]any{"type": "string", "pattern": "^[0-9a-fA-F]{4}$"},
						"opensm-daemon":        map[string]any{"type": "string"},
						"opensm-partition-cfg": map[string]any{"type": "string"},
						"opensm-partition-tpl": map[string]any{"type": "string"},
						"license":              map[string]any{"type": "string"},
					},
					"required": []any{"host-device", "min-pkey", "max-pkey", "opensm-daemon", "opensm-partition-cfg", "opensm-partition-tpl"},
				},
			},
			"required": []any{"type", "settings"},
		},
	}
}

func bridgedSchema() schemaFragment {
	return schemaFragment{
		tag: "bridged",
		body: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"const": "bridged"},
				"settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"host-bridge": map[string]any{"type": "string"},
						"tap-prefix":  map[string]any{"type": "string"},
						"mtu":         map[string]any{"type": "integer", "default": network.DefaultMTU},
					},
					"required": []any{"host-bridge", "tap-prefix"},
				},
			},
			"required": []any{"type", "settings"},
		},
	}
}

func hostibSchema() schemaFragment {
	return schemaFragment{
		tag: "hostib",
		body: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"const": "hostib"},
				"settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"host-device": map[string]any{"type": "string"},
					},
					"required": []any{"host-device"},
				},
			},
			"required": []any{"type", "settings"},
		},
	}
}

func genericPCISchema() schemaFragment {
	return schemaFragment{
		tag: "genericpci",
		body: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{"const": "genericpci"},
				"settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"host-device-addrs": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"host-driver":       map[string]any{"type": "string"},
					},
					"required": []any{"host-device-addrs", "host-driver"},
				},
			},
			"required": []any{"type", "settings"},
		},
	}
}
