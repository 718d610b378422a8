package network

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeSettings round-trips a validated catalog entry's settings map
// through YAML into a typed struct, reusing the same yaml tags the struct
// declares for its own marshaling.
func DecodeSettings(raw map[string]any, out any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}
