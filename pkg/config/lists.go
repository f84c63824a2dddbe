// List-shaped configuration: the set of disaster-data providers, LLM
// endpoints, and fulfiller dispatch endpoints. These are naturally
// nested/list-shaped and do not fit flat env vars, so (like the teacher's
// anchor configuration) they are loaded from an optional YAML file with
// environment-variable substitution.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ListConfig holds every list-shaped dependency the orchestrator fans out
// to: disaster-data providers (C3), LLM panel endpoints (C4), and known
// fulfiller dispatch endpoints (C5).
type ListConfig struct {
	EventProviders    []EventProviderConfig    `yaml:"event_providers"`
	LLMEndpoints      []LLMEndpointConfig      `yaml:"llm_endpoints"`
	FulfillerEndpoints []FulfillerEndpointConfig `yaml:"fulfiller_endpoints"`
}

// EventProviderConfig is one disaster-data provider queried in parallel
// by C3.
type EventProviderConfig struct {
	Name    string   `yaml:"name"`
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// LLMEndpointConfig is one LLM panel member queried in parallel by C4.
type LLMEndpointConfig struct {
	NodeID   string   `yaml:"node_id"`
	BaseURL  string   `yaml:"base_url"`
	Model    string   `yaml:"model"`
	APIKey   string   `yaml:"api_key"`
	Timeout  Duration `yaml:"timeout"`
}

// FulfillerEndpointConfig is the operational side of a ledger-registered
// fulfiller: the ledger records address and class, this records where to
// send the dispatch call and what shared secret its webhook callbacks use.
type FulfillerEndpointConfig struct {
	Name            string `yaml:"name"`
	Address         string `yaml:"address"`
	DispatchURL     string `yaml:"dispatch_url"`
	WebhookSecret   string `yaml:"webhook_secret"`
}

// Duration wraps time.Duration for YAML unmarshaling of "10s"-style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadListConfig loads the list configuration from a YAML file. An empty
// path yields an empty ListConfig rather than an error: the orchestrator
// can start with zero configured providers/endpoints (every fan-out then
// degrades to "no providers succeeded" rather than failing startup).
func LoadListConfig(path string) (*ListConfig, error) {
	if path == "" {
		return &ListConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read list config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg ListConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse list config %s: %w", path, err)
	}
	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// FulfillerByAddress finds the operational endpoint for a
// ledger-registered fulfiller address, used by C5 dispatch once the
// ledger's approved-fulfiller set has selected an address by class.
func (lc *ListConfig) FulfillerByAddress(address string) (FulfillerEndpointConfig, bool) {
	for _, f := range lc.FulfillerEndpoints {
		if strings.EqualFold(f.Address, address) {
			return f, true
		}
	}
	return FulfillerEndpointConfig{}, false
}
