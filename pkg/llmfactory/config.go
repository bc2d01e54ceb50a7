package llmfactory

import (
	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/x/configloader"
)

// Config describes the configured LLM providers.
type Config struct {
	Providers []*ProviderConfig `json:"providers" yaml:"providers"`
}

// ProviderConfig describes a single LLM provider.
type ProviderConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Provider     llms.ProviderType `json:"provider" yaml:"provider"`
	Token        string            `json:"token,omitempty" yaml:"token,omitempty"`
	BaseURL      string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	DefaultModel string            `json:"default_model,omitempty" yaml:"default_model,omitempty"`
}

// LoadConfig loads the factory configuration from a file,
// expanding environment variables in values.
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
