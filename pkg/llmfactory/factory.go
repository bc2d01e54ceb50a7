package llmfactory

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/projectwise/pkg/llms/anthropic"
	"github.com/effective-security/projectwise/pkg/llms/openai"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/projectwise", "llmfactory")

// Factory provides configured LLM models.
type Factory interface {
	DefaultModel() (llms.Model, error)
	ModelByProvider(typ llms.ProviderType) (llms.Model, error)
	ModelByName(name string) (llms.Model, error)
}

// Load creates a factory from a configuration file.
func Load(location string) (Factory, error) {
	cfg, err := LoadConfig(location)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

type factory struct {
	cfg *Config

	byProvider map[llms.ProviderType]llms.Model
	byName     map[string]llms.Model
	lock       sync.Mutex
}

// New creates a new LLM factory.
func New(cfg *Config) Factory {
	return &factory{
		cfg:        cfg,
		byProvider: make(map[llms.ProviderType]llms.Model),
		byName:     make(map[string]llms.Model),
	}
}

// NewLLM creates a model from a single provider config.
func NewLLM(cfg *ProviderConfig) (llms.Model, error) {
	switch cfg.Provider {
	case llms.ProviderAnthropic:
		var opts []anthropic.Option
		if cfg.Token != "" {
			opts = append(opts, anthropic.WithToken(cfg.Token))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		opts = append(opts, anthropic.WithModel(cfg.DefaultModel))
		return anthropic.New(opts...)
	case llms.ProviderOpenAI, llms.ProviderAzure:
		var opts []openai.Option
		if cfg.Token != "" {
			opts = append(opts, openai.WithToken(cfg.Token))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		opts = append(opts, openai.WithModel(cfg.DefaultModel))
		return openai.New(opts...)
	default:
		return nil, errors.Newf("unsupported provider: %s", cfg.Provider)
	}
}

// DefaultModel returns the model of the first configured provider.
func (f *factory) DefaultModel() (llms.Model, error) {
	if len(f.cfg.Providers) == 0 {
		return nil, errors.New("no providers configured")
	}
	return f.ModelByName(f.cfg.Providers[0].Name)
}

func (f *factory) ModelByProvider(typ llms.ProviderType) (llms.Model, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if model, ok := f.byProvider[typ]; ok {
		return model, nil
	}

	for _, cfg := range f.cfg.Providers {
		if cfg.Provider == typ {
			model, err := NewLLM(cfg)
			if err != nil {
				return nil, err
			}

			logger.KV(xlog.DEBUG,
				"status", "created_llm",
				"provider", cfg.Provider,
				"model", cfg.DefaultModel,
				"name", cfg.Name)

			f.byProvider[typ] = model
			return model, nil
		}
	}
	return nil, errors.Newf("provider not found for type: %s", typ)
}

func (f *factory) ModelByName(name string) (llms.Model, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if model, ok := f.byName[name]; ok {
		return model, nil
	}

	for _, cfg := range f.cfg.Providers {
		if cfg.Name == name {
			model, err := NewLLM(cfg)
			if err != nil {
				return nil, err
			}

			logger.KV(xlog.DEBUG,
				"status", "created_llm",
				"provider", cfg.Provider,
				"model", cfg.DefaultModel,
				"name", cfg.Name)

			f.byName[name] = model
			return model, nil
		}
	}
	return nil, errors.Newf("provider not found for name: %s", name)
}
