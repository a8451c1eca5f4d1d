// Package llm provides the provider-agnostic vision-model layer: per-provider
// request adapters, a dispatching client with rate limiting and retries, and
// lenient JSON extraction for model output.
package llm

import (
	"fmt"
	"strings"
)

// Provider identifies an LLM provider. The set is closed: adding a provider
// means adding an adapter and a metadata record, not editing the dispatcher.
type Provider string

// Known providers.
const (
	ProviderOpenAI      Provider = "openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderOpenRouter  Provider = "openrouter"
	ProviderGemini      Provider = "gemini"
	ProviderMistral     Provider = "mistral"
	ProviderGroq        Provider = "groq"
	ProviderOllama      Provider = "ollama"
	ProviderOllamaCloud Provider = "ollama-cloud"
	ProviderCustom      Provider = "custom"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	_, ok := providerMeta[p]
	return ok
}

// providerInfo captures static per-provider capabilities.
type providerInfo struct {
	// requiresKey means BuildRequest fails fast when the secret is absent.
	// Local providers (ollama, custom) may run without auth.
	requiresKey bool
	// nativePDF means documents[] are sent as-is instead of rendered pages.
	nativePDF bool
	// defaultEndpoint is used when no endpoint is configured.
	defaultEndpoint string
	// defaultModel is used when no vision model is configured.
	defaultModel string
}

var providerMeta = map[Provider]providerInfo{
	ProviderOpenAI:      {requiresKey: true, defaultEndpoint: "https://api.openai.com/v1", defaultModel: "gpt-4o"},
	ProviderAnthropic:   {requiresKey: true, nativePDF: true, defaultEndpoint: "https://api.anthropic.com", defaultModel: "claude-sonnet-4-5"},
	ProviderOpenRouter:  {requiresKey: true, defaultEndpoint: "https://openrouter.ai/api/v1", defaultModel: "anthropic/claude-sonnet-4.5"},
	ProviderGemini:      {requiresKey: true, nativePDF: true, defaultEndpoint: "https://generativelanguage.googleapis.com/v1beta", defaultModel: "gemini-2.0-flash"},
	ProviderMistral:     {requiresKey: true, defaultEndpoint: "https://api.mistral.ai/v1", defaultModel: "pixtral-large-latest"},
	ProviderGroq:        {requiresKey: true, defaultEndpoint: "https://api.groq.com/openai/v1", defaultModel: "llama-3.2-90b-vision-preview"},
	ProviderOllama:      {requiresKey: false, defaultEndpoint: "http://localhost:11434/v1", defaultModel: "llama3.2-vision"},
	ProviderOllamaCloud: {requiresKey: true, defaultEndpoint: "https://ollama.com", defaultModel: "llama3.2-vision"},
	ProviderCustom:      {requiresKey: false},
}

// SupportsNativePDF reports whether the provider accepts PDF documents
// directly, without page rasterization.
func SupportsNativePDF(p Provider) bool {
	return providerMeta[p].nativePDF
}

// DefaultEndpoint returns the provider's built-in endpoint base URL.
func DefaultEndpoint(p Provider) string {
	return providerMeta[p].defaultEndpoint
}

// DefaultModel returns the provider's built-in vision model.
func DefaultModel(p Provider) string {
	return providerMeta[p].defaultModel
}

// AdapterConfig is the narrowed configuration handed to an adapter. It carries
// the secret for exactly one provider; key isolation is structural, not a
// runtime check.
type AdapterConfig struct {
	Provider Provider
	Endpoint string
	Model    string
	// APIKey is the selected provider's secret. Never another provider's.
	APIKey string
}

// ResponseFormat selects the output mode requested from the model.
type ResponseFormat string

// Response formats.
const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// ImageInput is one inline image, base64-encoded.
type ImageInput struct {
	MediaType string // e.g. "image/png"
	Data      string // base64, no data-URL prefix
}

// LabeledInput pairs an image with a short text label emitted immediately
// before it, so the model can cross-reference inputs by name.
type LabeledInput struct {
	Label string
	Image ImageInput
}

// DocumentInput is a native document (PDF), base64-encoded. Documents take
// precedence over Images on providers that support them.
type DocumentInput struct {
	MediaType string // e.g. "application/pdf"
	Data      string
}

// Request is the provider-agnostic vision request.
type Request struct {
	Prompt        string
	System        string
	Images        []ImageInput
	LabeledInputs []LabeledInput
	Documents     []DocumentInput
	Format        ResponseFormat
	MaxTokens     int
	Temperature   float64
	// ModelParams are provider-specific body overrides merged by the adapter.
	// Structural keys (model, messages, contents) are silently dropped.
	ModelParams map[string]any
}

// HTTPRequest is the wire-ready form produced by an adapter.
type HTTPRequest struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Usage reports token consumption when the provider exposes it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the normalized model response.
type Response struct {
	Content string
	Usage   *Usage
}

// Adapter converts between the provider-agnostic request/response and one
// provider's wire format. Both operations are pure.
type Adapter interface {
	BuildRequest(cfg AdapterConfig, req *Request) (*HTTPRequest, error)
	ParseResponse(body []byte) (*Response, error)
}

// adapterFor resolves the adapter for a provider. Unknown providers fail fast.
func adapterFor(p Provider) (Adapter, error) {
	switch p {
	case ProviderOpenAI, ProviderOpenRouter, ProviderOllama, ProviderOllamaCloud,
		ProviderMistral, ProviderGroq, ProviderCustom:
		return &openAIAdapter{provider: p}, nil
	case ProviderAnthropic:
		return &anthropicAdapter{}, nil
	case ProviderGemini:
		return &geminiAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}

// normalizeBase strips one trailing slash so adapters never emit "//" paths.
func normalizeBase(base string) string {
	return strings.TrimSuffix(base, "/")
}

// structural keys an adapter refuses to let ModelParams overwrite.
var structuralParams = map[string]bool{
	"model":    true,
	"messages": true,
	"contents": true,
}

// mergeModelParams copies caller params into body, dropping structural keys.
func mergeModelParams(body map[string]any, params map[string]any) {
	for k, v := range params {
		if structuralParams[k] {
			continue
		}
		body[k] = v
	}
}
