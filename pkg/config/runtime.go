// Package config loads the pipeline's runtime configuration. Values resolve
// in precedence order: settings table, then environment, then built-in
// provider defaults. The loader caches a snapshot and supports live reload so
// threshold and rate-limit changes take effect without a restart.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/scorepipe/scorepipe/pkg/llm"
)

// Settings table keys.
const (
	KeyProvider                    = "llm_provider"
	KeyEndpointURL                 = "llm_endpoint_url"
	KeyVisionModel                 = "llm_vision_model"
	KeyVerificationModel           = "llm_verification_model"
	KeyAdjudicatorModel            = "llm_adjudicator_model"
	KeyConfidenceThreshold         = "llm_confidence_threshold"
	KeyTwoPassEnabled              = "llm_two_pass_enabled"
	KeyAutoApproveThreshold        = "llm_auto_approve_threshold"
	KeyAutonomousApprovalThreshold = "llm_autonomous_approval_threshold"
	KeySkipParseThreshold          = "llm_skip_parse_threshold"
	KeyRateLimitRPM                = "llm_rate_limit_rpm"
	KeyVisionModelParams           = "vision_model_params"
	KeyVerificationModelParams     = "verification_model_params"
	KeyMaxPagesPerPart             = "max_pages_per_part"
	KeyForbiddenLabels             = "forbidden_part_labels"
)

// keyedProviders are the providers with an api-key settings entry. Plain
// ollama runs without auth and has none.
var keyedProviders = []llm.Provider{
	llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderOpenRouter,
	llm.ProviderGemini, llm.ProviderMistral, llm.ProviderGroq,
	llm.ProviderOllamaCloud, llm.ProviderCustom,
}

// APIKeySetting returns the settings key holding p's secret, e.g.
// "llm_openai_api_key". Dashes in the provider name become underscores.
func APIKeySetting(p llm.Provider) string {
	return "llm_" + strings.ReplaceAll(string(p), "-", "_") + "_api_key"
}

// RuntimeConfig is one immutable snapshot of the pipeline configuration.
type RuntimeConfig struct {
	Provider    llm.Provider
	EndpointURL string

	VisionModel       string
	VerificationModel string
	AdjudicatorModel  string

	// Thresholds are on the 0-100 confidence scale.
	ConfidenceThreshold         float64
	TwoPassEnabled              bool
	AutoApproveThreshold        float64
	AutonomousApprovalThreshold float64
	SkipParseThreshold          float64

	RateLimitRPM int

	VisionModelParams       map[string]any
	VerificationModelParams map[string]any

	MaxPagesPerPart int
	ForbiddenLabels []string

	// apiKeys holds one secret per provider. Unexported: code reaches a
	// secret only through ForProvider, which narrows to a single key.
	apiKeys map[llm.Provider]string
}

// ForProvider narrows the snapshot to the adapter configuration for p,
// carrying only that provider's secret. Pass an empty model to use the
// configured vision model.
func (c *RuntimeConfig) ForProvider(p llm.Provider, model string) (llm.AdapterConfig, error) {
	if !p.Valid() {
		return llm.AdapterConfig{}, fmt.Errorf("%w: %q", llm.ErrUnknownProvider, p)
	}

	endpoint := llm.DefaultEndpoint(p)
	if p == c.Provider && c.EndpointURL != "" {
		endpoint = c.EndpointURL
	}
	if model == "" {
		model = c.VisionModel
	}
	if model == "" {
		model = llm.DefaultModel(p)
	}

	return llm.AdapterConfig{
		Provider: p,
		Endpoint: endpoint,
		Model:    model,
		APIKey:   c.apiKeys[p],
	}, nil
}

// Vision returns the adapter config for the configured provider and vision
// model.
func (c *RuntimeConfig) Vision() (llm.AdapterConfig, error) {
	return c.ForProvider(c.Provider, c.VisionModel)
}

// Verification returns the adapter config for the verification pass. Falls
// back to the vision model when no dedicated model is configured.
func (c *RuntimeConfig) Verification() (llm.AdapterConfig, error) {
	return c.ForProvider(c.Provider, c.VerificationModel)
}

// Adjudicator returns the adapter config for the adjudication pass.
func (c *RuntimeConfig) Adjudicator() (llm.AdapterConfig, error) {
	return c.ForProvider(c.Provider, c.AdjudicatorModel)
}

// SettingsReader supplies the key-value settings table. Implemented by
// services.SettingsService; tests use a map-backed fake.
type SettingsReader interface {
	AllSettings(ctx context.Context) (map[string]string, error)
}

// Loader resolves RuntimeConfig snapshots with settings > env > defaults
// precedence and caches the latest one.
type Loader struct {
	settings SettingsReader

	mu      sync.RWMutex
	current *RuntimeConfig
}

// NewLoader builds a loader over the given settings source. A nil source
// means env and defaults only.
func NewLoader(settings SettingsReader) *Loader {
	return &Loader{settings: settings}
}

// Current returns the cached snapshot, loading one if none exists yet.
func (l *Loader) Current(ctx context.Context) (*RuntimeConfig, error) {
	l.mu.RLock()
	cfg := l.current
	l.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}
	return l.Reload(ctx)
}

// Reload re-reads settings and environment and swaps in a fresh snapshot.
func (l *Loader) Reload(ctx context.Context) (*RuntimeConfig, error) {
	var stored map[string]string
	if l.settings != nil {
		var err error
		stored, err = l.settings.AllSettings(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	cfg, err := resolve(stored)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// resolve builds a snapshot from stored settings plus the environment.
func resolve(stored map[string]string) (*RuntimeConfig, error) {
	get := func(key string) string {
		if v, ok := stored[key]; ok && v != "" {
			return v
		}
		return os.Getenv(strings.ToUpper(key))
	}

	provider := llm.Provider(get(KeyProvider))
	if provider == "" {
		provider = llm.ProviderOpenAI
	}
	if !provider.Valid() {
		return nil, fmt.Errorf("%w: %q", llm.ErrUnknownProvider, provider)
	}

	cfg := &RuntimeConfig{
		Provider:    provider,
		EndpointURL: get(KeyEndpointURL),

		VisionModel:       get(KeyVisionModel),
		VerificationModel: get(KeyVerificationModel),
		AdjudicatorModel:  get(KeyAdjudicatorModel),

		ConfidenceThreshold:         floatSetting(get(KeyConfidenceThreshold), 70),
		TwoPassEnabled:              boolSetting(get(KeyTwoPassEnabled), true),
		AutoApproveThreshold:        floatSetting(get(KeyAutoApproveThreshold), 90),
		AutonomousApprovalThreshold: floatSetting(get(KeyAutonomousApprovalThreshold), 95),
		SkipParseThreshold:          floatSetting(get(KeySkipParseThreshold), 60),

		RateLimitRPM: intSetting(get(KeyRateLimitRPM), 15),

		VisionModelParams:       modelParams(get(KeyVisionModelParams)),
		VerificationModelParams: modelParams(get(KeyVerificationModelParams)),

		MaxPagesPerPart: intSetting(get(KeyMaxPagesPerPart), 12),
		ForbiddenLabels: listSetting(get(KeyForbiddenLabels)),

		apiKeys: make(map[llm.Provider]string, len(keyedProviders)),
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = llm.DefaultModel(provider)
	}
	if cfg.VerificationModel == "" {
		cfg.VerificationModel = cfg.VisionModel
	}
	if cfg.AdjudicatorModel == "" {
		cfg.AdjudicatorModel = cfg.VisionModel
	}

	for _, p := range keyedProviders {
		if key := get(APIKeySetting(p)); key != "" {
			cfg.apiKeys[p] = key
		}
	}
	return cfg, nil
}

func floatSetting(raw string, def float64) float64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return def
	}
	return v
}

func intSetting(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func boolSetting(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

// modelParams parses a settings value holding a JSON object of provider
// overrides. Empty or malformed values resolve to an empty map; a bad
// operator edit must not take the pipeline down.
func modelParams(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// listSetting splits a comma-separated value, trimming blanks.
func listSetting(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
