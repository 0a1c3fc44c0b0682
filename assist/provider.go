package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"convo/apperr"
)

// Provider is the external text-completion service. Implementations must
// treat the prompt as opaque and return a single suggestion.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// HTTPProvider talks to a completion endpoint over JSON: the request
// carries the model name and the prompt, the response a single reply
// field. Any transport error, timeout or non-200 status surfaces as
// ProviderUnavailable.
type HTTPProvider struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

func NewHTTPProvider(url, model, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		model:  model,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

type completionRequest struct {
	Model   string `json:"model"`
	Message string `json:"message"`
}

type completionResponse struct {
	Reply string `json:"reply"`
}

func (p *HTTPProvider) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{Model: p.model, Message: prompt})
	if err != nil {
		return "", apperr.Internal("could not encode provider request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Internal("could not build provider request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", apperr.ProviderUnavailable("AI provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.ProviderUnavailable("AI provider returned an error", nil)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.ProviderUnavailable("AI provider response unreadable", err)
	}
	return out.Reply, nil
}
