// Package adapters translates the OpenAI-compatible inbound request into
// each upstream endpoint type's wire form and maps responses back. vllm,
// ollama, and tgi all speak (a close dialect of) the OpenAI chat
// completions API in practice, so — grounded on nulzo-prism's Ollama
// adapter, which wraps its OpenAI adapter and only adjusts the base URL —
// every endpoint type here shares one sashabaranov/go-openai client,
// differing only in how the base URL is built.
package adapters

import (
	"context"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

// Adapter is the contract every endpoint type satisfies: (request, stream)
// → async-stream-of-events | terminal-response.
type Adapter struct {
	client *openai.Client
}

// New builds an Adapter for one ModelEndpoint, normalizing base_url per
// endpoint_type the way ollama's adapter normalizes onto its OpenAI base,
// and resolving the endpoint's api_key_ref to the credential the upstream
// actually expects.
func New(endpoint *models.ModelEndpoint) *Adapter {
	baseURL := normalizeBaseURL(endpoint)
	cfg := openai.DefaultConfig(resolveAPIKey(endpoint.APIKeyRef))
	cfg.BaseURL = baseURL
	return &Adapter{client: openai.NewClientWithConfig(cfg)}
}

// resolveAPIKey looks up an endpoint's api_key_ref in the environment.
// Endpoints with no ref (self-hosted vllm/ollama/tgi deployments with no
// auth in front of them) resolve to "EMPTY", the same sentinel
// load_balancer.py's _resolve_api_key_ref falls back to.
func resolveAPIKey(ref string) string {
	if ref == "" {
		return "EMPTY"
	}
	if key := os.Getenv(ref); key != "" {
		return key
	}
	return "EMPTY"
}

func normalizeBaseURL(endpoint *models.ModelEndpoint) string {
	base := strings.TrimRight(endpoint.BaseURL, "/")
	switch endpoint.EndpointType {
	case models.EndpointOllama:
		if !strings.HasSuffix(base, "/v1") {
			return base + "/v1"
		}
		return base
	case models.EndpointVLLM, models.EndpointTGI, models.EndpointCustom:
		if !strings.HasSuffix(base, "/v1") {
			return base + "/v1"
		}
		return base
	default:
		return base
	}
}

// ChatCompletion performs a non-streaming request.
func (a *Adapter) ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Stream = false
	return a.client.CreateChatCompletion(ctx, req)
}

// ChatCompletionStream performs a streaming request, returning the
// go-openai stream reader the proxy forwards chunk-by-chunk.
func (a *Adapter) ChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	req.Stream = true
	return a.client.CreateChatCompletionStream(ctx, req)
}
