package llm

import (
	"encoding/json"
	"fmt"
)

// anthropicAdapter speaks the Anthropic Messages API. Anthropic accepts PDFs
// natively, so documents[] are forwarded as document content blocks.
type anthropicAdapter struct{}

const anthropicVersion = "2023-06-01"

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (a *anthropicAdapter) BuildRequest(cfg AdapterConfig, req *Request) (*HTTPRequest, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w for provider %q", ErrMissingEndpoint, ProviderAnthropic)
	}
	if cfg.APIKey == "" {
		return nil, &MissingKeyError{Provider: ProviderAnthropic}
	}

	blocks := make([]anthropicBlock, 0, 2+2*len(req.LabeledInputs)+len(req.Images)+len(req.Documents))

	// Native documents take precedence over rendered pages.
	if len(req.Documents) > 0 {
		for _, doc := range req.Documents {
			blocks = append(blocks, anthropicBlock{
				Type:   "document",
				Source: &anthropicSource{Type: "base64", MediaType: doc.MediaType, Data: doc.Data},
			})
		}
	} else {
		for _, img := range req.Images {
			blocks = append(blocks, anthropicBlock{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
			})
		}
	}
	for _, li := range req.LabeledInputs {
		blocks = append(blocks,
			anthropicBlock{Type: "text", Text: "[" + li.Label + "]"},
			anthropicBlock{
				Type:   "image",
				Source: &anthropicSource{Type: "base64", MediaType: li.Image.MediaType, Data: li.Image.Data},
			},
		)
	}

	prompt := req.Prompt
	// Anthropic has no response_format switch; JSON mode is a prompt-level
	// instruction.
	if req.Format == FormatJSON {
		prompt += "\n\nRespond with a single JSON object only. No prose, no code fences."
	}
	blocks = append(blocks, anthropicBlock{Type: "text", Text: prompt})

	body := map[string]any{
		"model":       cfg.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"messages": []map[string]any{
			{"role": "user", "content": blocks},
		},
	}
	if req.System != "" {
		body["system"] = req.System
	}
	mergeModelParams(body, req.ModelParams)

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	return &HTTPRequest{
		URL: normalizeBase(cfg.Endpoint) + "/v1/messages",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         cfg.APIKey,
			"anthropic-version": anthropicVersion,
		},
		Body: raw,
	}, nil
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropicAdapter) ParseResponse(body []byte) (*Response, error) {
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, fmt.Errorf("response contains no text content")
	}
	resp := &Response{Content: content}
	if parsed.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		}
	}
	return resp, nil
}
