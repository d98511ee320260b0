package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Gateway implements the Scanner interface against any OpenAI-compatible
// chat completions endpoint that accepts image_url parts (AI gateways,
// OpenRouter, vLLM).
type Gateway struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewGateway creates a new Gateway Scanner instance. baseURL is the API root,
// e.g. "https://ai.gateway.example/v1".
func NewGateway(baseURL, apiKey, modelName string) (*Gateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gateway api key is required")
	}
	if modelName == "" {
		modelName = "google/gemini-2.5-flash"
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		client:  &http.Client{Timeout: 90 * time.Second},
	}, nil
}

type gatewayContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *gatewayImageURL `json:"image_url,omitempty"`
}

type gatewayImageURL struct {
	URL string `json:"url"`
}

type gatewayMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type gatewayRequest struct {
	Model    string           `json:"model"`
	Messages []gatewayMessage `json:"messages"`
}

type gatewayResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ExtractInvoice posts the DANFE image as a data URL and parses the first choice
func (g *Gateway) ExtractInvoice(ctx context.Context, imageData []byte, contentType string) (*InvoiceData, error) {
	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(gatewayRequest{
		Model: g.model,
		Messages: []gatewayMessage{
			{Role: "system", Content: danfeSystemPrompt},
			{Role: "user", Content: []gatewayContentPart{
				{Type: "text", Text: danfePrompt},
				{Type: "image_url", ImageURL: &gatewayImageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData),
				}},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gateway API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Provider: "gateway", StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var completion gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("%w: decoding gateway response: %v", ErrParse, err)
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return nil, ErrNoContent
	}

	data, err := parseInvoiceJSON(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway response: %w", err)
	}
	return data, nil
}

// Close is a no-op
func (g *Gateway) Close() error {
	return nil
}
