package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// openAIAdapter covers the OpenAI-compatible family: OpenAI itself plus
// OpenRouter, Ollama, Ollama Cloud, Mistral, Groq, and custom endpoints that
// implement the chat-completions interface.
type openAIAdapter struct {
	provider Provider
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiContentBlock struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

func (a *openAIAdapter) BuildRequest(cfg AdapterConfig, req *Request) (*HTTPRequest, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w for provider %q", ErrMissingEndpoint, a.provider)
	}
	if cfg.APIKey == "" && providerMeta[a.provider].requiresKey {
		return nil, &MissingKeyError{Provider: a.provider}
	}

	base := normalizeBase(cfg.Endpoint)
	// Ollama Cloud exposes the OpenAI surface under /v1 but is commonly
	// configured with the bare host.
	if a.provider == ProviderOllamaCloud && !strings.Contains(base, "/v1") {
		base += "/v1"
	}

	blocks := make([]oaiContentBlock, 0, 2+2*len(req.LabeledInputs)+len(req.Images))
	for _, li := range req.LabeledInputs {
		blocks = append(blocks,
			oaiContentBlock{Type: "text", Text: "[" + li.Label + "]"},
			oaiContentBlock{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL(li.Image)}},
		)
	}
	for _, img := range req.Images {
		blocks = append(blocks, oaiContentBlock{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL(img)}})
	}
	blocks = append(blocks, oaiContentBlock{Type: "text", Text: req.Prompt})

	messages := make([]oaiMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: blocks})

	body := map[string]any{
		"model":       cfg.Model,
		"messages":    messages,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	if req.Format == FormatJSON {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	mergeModelParams(body, req.ModelParams)

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	if a.provider == ProviderOpenRouter {
		headers["HTTP-Referer"] = "https://scorepipe.dev"
		headers["X-Title"] = "scorepipe"
	}

	return &HTTPRequest{
		URL:     base + "/chat/completions",
		Headers: headers,
		Body:    raw,
	}, nil
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *openAIAdapter) ParseResponse(body []byte) (*Response, error) {
	var parsed oaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response contains no choices")
	}
	resp := &Response{Content: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

func dataURL(img ImageInput) string {
	mt := img.MediaType
	if mt == "" {
		mt = "image/png"
	}
	return "data:" + mt + ";base64," + img.Data
}
