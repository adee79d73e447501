package ci

import (
	"encoding/json"
	"fmt"
	"strings"
)

// branchToken is substituted with the current branch name when cache
// path templates are resolved.
const branchToken = "{Branch}"

// CacheConfiguration is the per-job cache policy.  WriteTo names the
// cache path this build populates; LoadFrom lists candidate paths to
// warm-start from; Shared maps in-tree source paths to shared cache
// names that are symlinked in after checkout.
type CacheConfiguration struct {
	WriteTo  string            `json:"writeTo" yaml:"writeTo"`
	LoadFrom []string          `json:"loadFrom" yaml:"loadFrom"`
	Shared   map[string]string `json:"shared,omitempty" yaml:"shared,omitempty"`
}

// ParseCacheConfiguration decodes the JSON form carried in
// CI_CACHE_OPTIONS.
func ParseCacheConfiguration(data string) (*CacheConfiguration, error) {
	if data == "" {
		return nil, fmt.Errorf("cache configuration is empty")
	}
	var cfg CacheConfiguration
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing cache configuration: %w", err)
	}
	if cfg.WriteTo == "" {
		return nil, fmt.Errorf("cache configuration missing writeTo")
	}
	return &cfg, nil
}

// ResolveCachePath substitutes the branch name into a cache path
// template.
func ResolveCachePath(template, branch string) string {
	return strings.ReplaceAll(template, branchToken, branch)
}
