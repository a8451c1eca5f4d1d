package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorepipe/scorepipe/pkg/llm"
)

type mapSettings map[string]string

func (m mapSettings) AllSettings(context.Context) (map[string]string, error) { return m, nil }

func load(t *testing.T, stored map[string]string) *RuntimeConfig {
	t.Helper()
	cfg, err := NewLoader(mapSettings(stored)).Current(context.Background())
	require.NoError(t, err)
	return cfg
}

func TestDefaultsWithEmptySettings(t *testing.T) {
	cfg := load(t, nil)

	assert.Equal(t, llm.ProviderOpenAI, cfg.Provider)
	assert.Equal(t, 70.0, cfg.ConfidenceThreshold)
	assert.True(t, cfg.TwoPassEnabled)
	assert.Equal(t, 90.0, cfg.AutoApproveThreshold)
	assert.Equal(t, 95.0, cfg.AutonomousApprovalThreshold)
	assert.Equal(t, 60.0, cfg.SkipParseThreshold)
	assert.Equal(t, 15, cfg.RateLimitRPM)
	assert.Equal(t, 12, cfg.MaxPagesPerPart)
	assert.Equal(t, "gpt-4o", cfg.VisionModel)
	assert.NotNil(t, cfg.VisionModelParams)
}

func TestSettingsOverrideDefaults(t *testing.T) {
	cfg := load(t, map[string]string{
		KeyProvider:            "anthropic",
		KeyVisionModel:         "claude-opus-4",
		KeyConfidenceThreshold: "80",
		KeyTwoPassEnabled:      "false",
		KeyRateLimitRPM:        "30",
	})

	assert.Equal(t, llm.ProviderAnthropic, cfg.Provider)
	assert.Equal(t, "claude-opus-4", cfg.VisionModel)
	assert.Equal(t, 80.0, cfg.ConfidenceThreshold)
	assert.False(t, cfg.TwoPassEnabled)
	assert.Equal(t, 30, cfg.RateLimitRPM)
}

func TestEnvironmentFallback(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "groq")
	t.Setenv("LLM_GROQ_API_KEY", "gsk-test")

	cfg := load(t, nil)
	assert.Equal(t, llm.ProviderGroq, cfg.Provider)

	ac, err := cfg.Vision()
	require.NoError(t, err)
	assert.Equal(t, "gsk-test", ac.APIKey)
}

func TestSettingsWinOverEnvironment(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "groq")
	cfg := load(t, map[string]string{KeyProvider: "mistral"})
	assert.Equal(t, llm.ProviderMistral, cfg.Provider)
}

func TestMalformedNumbersFallBack(t *testing.T) {
	cfg := load(t, map[string]string{
		KeyConfidenceThreshold: "not-a-number",
		KeyRateLimitRPM:        "-5",
	})
	assert.Equal(t, 70.0, cfg.ConfidenceThreshold)
	assert.Equal(t, 15, cfg.RateLimitRPM)
}

func TestModelParamsParsedLeniently(t *testing.T) {
	cfg := load(t, map[string]string{
		KeyVisionModelParams:       `{"top_p": 0.9}`,
		KeyVerificationModelParams: `{broken json`,
	})
	assert.Equal(t, map[string]any{"top_p": 0.9}, cfg.VisionModelParams)
	assert.Empty(t, cfg.VerificationModelParams)
}

func TestForProviderCarriesOnlyThatKey(t *testing.T) {
	cfg := load(t, map[string]string{
		KeyProvider:                          "anthropic",
		APIKeySetting(llm.ProviderOpenAI):    "sk-openai",
		APIKeySetting(llm.ProviderAnthropic): "sk-ant",
	})

	ac, err := cfg.ForProvider(llm.ProviderOpenAI, "")
	require.NoError(t, err)
	assert.Equal(t, "sk-openai", ac.APIKey)

	ac, err = cfg.ForProvider(llm.ProviderAnthropic, "")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", ac.APIKey)
}

func TestForProviderEndpointIsPerProvider(t *testing.T) {
	// A custom endpoint configured for the active provider must not leak
	// onto other providers.
	cfg := load(t, map[string]string{
		KeyProvider:    "ollama",
		KeyEndpointURL: "http://gpu-box:11434/v1",
	})

	ac, err := cfg.Vision()
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434/v1", ac.Endpoint)

	other, err := cfg.ForProvider(llm.ProviderOpenAI, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", other.Endpoint)
}

func TestAPIKeySettingNames(t *testing.T) {
	assert.Equal(t, "llm_openai_api_key", APIKeySetting(llm.ProviderOpenAI))
	assert.Equal(t, "llm_ollama_cloud_api_key", APIKeySetting(llm.ProviderOllamaCloud))
}

func TestVerificationModelFallsBackToVision(t *testing.T) {
	cfg := load(t, map[string]string{KeyVisionModel: "gpt-4o-mini"})
	assert.Equal(t, "gpt-4o-mini", cfg.VerificationModel)
	assert.Equal(t, "gpt-4o-mini", cfg.AdjudicatorModel)
}

func TestUnknownProviderRejected(t *testing.T) {
	_, err := NewLoader(mapSettings{KeyProvider: "mystery"}).Current(context.Background())
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestReloadPicksUpChanges(t *testing.T) {
	settings := mapSettings{KeyRateLimitRPM: "15"}
	loader := NewLoader(settings)

	cfg, err := loader.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.RateLimitRPM)

	settings[KeyRateLimitRPM] = "60"
	cfg, err = loader.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RateLimitRPM)
}

func TestForbiddenLabelList(t *testing.T) {
	cfg := load(t, map[string]string{KeyForbiddenLabels: "tacet, misc ,"})
	assert.Equal(t, []string{"tacet", "misc"}, cfg.ForbiddenLabels)
}
