package module

import (
	"encoding/json"

	"github.com/hybridmount/mountd/internal/config"
)

// partialRules mirrors a module's own hybrid_rules.json, where both fields
// are optional — an absent field leaves the engine-wide default untouched,
// matching scanner.rs's PartialRules.
type partialRules struct {
	DefaultMode config.MountMode            `json:"default_mode"`
	Paths       map[string]config.MountMode `json:"paths"`
}

func parsePartialRules(data []byte) (partialRules, error) {
	var p partialRules
	err := json.Unmarshal(data, &p)
	return p, err
}
