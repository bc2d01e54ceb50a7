package llmfactory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/projectwise/pkg/llmfactory"
	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
providers:
  - name: anthropic-prod
    provider: ANTHROPIC
    token: test-anthropic-key
    default_model: claude-sonnet-4-5
  - name: openai-prod
    provider: OPENAI
    token: test-openai-key
    default_model: gpt-4o
`

func writeConfig(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "llm.yaml")
	require.NoError(t, os.WriteFile(file, []byte(testConfig), 0o644))
	return file
}

func TestLoadConfig(t *testing.T) {
	cfg, err := llmfactory.LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers)

	cfg, err = llmfactory.LoadConfig(writeConfig(t))
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, llms.ProviderAnthropic, cfg.Providers[0].Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Providers[0].DefaultModel)

	_, err = llmfactory.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	f, err := llmfactory.Load(writeConfig(t))
	require.NoError(t, err)

	m, err := f.DefaultModel()
	require.NoError(t, err)
	assert.Equal(t, llms.ProviderAnthropic, m.GetProviderType())

	m2, err := f.ModelByProvider(llms.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, llms.ProviderOpenAI, m2.GetProviderType())

	// cached instance is returned on repeat lookup
	m3, err := f.ModelByName("openai-prod")
	require.NoError(t, err)
	m4, err := f.ModelByName("openai-prod")
	require.NoError(t, err)
	assert.Same(t, m3, m4)

	_, err = f.ModelByName("unknown")
	assert.Error(t, err)

	_, err = f.ModelByProvider(llms.ProviderAzure)
	assert.Error(t, err)

	empty := llmfactory.New(&llmfactory.Config{})
	_, err = empty.DefaultModel()
	assert.Error(t, err)
}
