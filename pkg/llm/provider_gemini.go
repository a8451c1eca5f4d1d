package llm

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// geminiAdapter speaks the Gemini generateContent API. Authentication is an
// API key passed as a URL query parameter. Gemini accepts PDFs natively.
type geminiAdapter struct{}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func (a *geminiAdapter) BuildRequest(cfg AdapterConfig, req *Request) (*HTTPRequest, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w for provider %q", ErrMissingEndpoint, ProviderGemini)
	}
	if cfg.APIKey == "" {
		return nil, &MissingKeyError{Provider: ProviderGemini}
	}

	parts := make([]geminiPart, 0, 2+2*len(req.LabeledInputs)+len(req.Images)+len(req.Documents))
	if len(req.Documents) > 0 {
		for _, doc := range req.Documents {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: doc.MediaType, Data: doc.Data}})
		}
	} else {
		for _, img := range req.Images {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: img.MediaType, Data: img.Data}})
		}
	}
	for _, li := range req.LabeledInputs {
		parts = append(parts,
			geminiPart{Text: "[" + li.Label + "]"},
			geminiPart{InlineData: &geminiInlineData{MimeType: li.Image.MediaType, Data: li.Image.Data}},
		)
	}
	parts = append(parts, geminiPart{Text: req.Prompt})

	generationConfig := map[string]any{
		"maxOutputTokens": req.MaxTokens,
		"temperature":     req.Temperature,
	}
	if req.Format == FormatJSON {
		generationConfig["response_mime_type"] = "application/json"
	}

	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": parts},
		},
		"generationConfig": generationConfig,
	}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []geminiPart{{Text: req.System}},
		}
	}
	mergeModelParams(body, req.ModelParams)

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	return &HTTPRequest{
		URL: fmt.Sprintf("%s/models/%s:generateContent?key=%s",
			normalizeBase(cfg.Endpoint), cfg.Model, url.QueryEscape(cfg.APIKey)),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    raw,
	}, nil
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (a *geminiAdapter) ParseResponse(body []byte) (*Response, error) {
	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("response contains no candidates")
	}
	var content string
	for _, part := range parsed.Candidates[0].Content.Parts {
		content += part.Text
	}
	if content == "" {
		return nil, fmt.Errorf("response contains no text parts")
	}
	resp := &Response{Content: content}
	if parsed.UsageMetadata != nil {
		resp.Usage = &Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}
