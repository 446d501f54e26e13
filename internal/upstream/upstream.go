// Package upstream defines the seam between the Execution Driver and the
// concrete HTTP client that talks to a provider's chat/completions endpoint:
// the wire-level SSE parsing and connection management live here, behind an
// interface the Driver depends on, plus one default, OpenAI-compatible
// implementation.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelrouter/internal/catalog"
	llmerrors "github.com/blueberrycongee/modelrouter/pkg/errors"
	"github.com/blueberrycongee/modelrouter/pkg/types"
)

// StreamHandler iterates over a chat-completion stream's delta chunks.
// Implementations own the underlying connection and must be closed.
type StreamHandler interface {
	Next() (*types.StreamChunk, error)
	Close() error
}

// Client is the external-collaborator seam: given a resolved provider and
// its provider-specific model id, invoke the upstream chat/completions
// endpoint. Implementations translate a 429 response into *errors.RateLimited
// and any other failure into *errors.ProviderError or *errors.Timeout so the
// Driver can classify without inspecting transport details.
type Client interface {
	ChatCompletion(ctx context.Context, p *catalog.ProviderDescriptor, providerModelID string, req *types.ChatRequest) (*types.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, p *catalog.ProviderDescriptor, providerModelID string, req *types.ChatRequest) (StreamHandler, error)
}

// HTTPClient is the default Client implementation: a plain OpenAI-compatible
// POST to "${base_url}/chat/completions", using goccy/go-json for
// (de)serialization the way pkg/types already does for the request/response
// bodies.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient with the given per-call timeout. The
// Driver additionally derives a context deadline per call; this timeout is a
// backstop for callers that construct an HTTPClient standalone.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{httpClient: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) ChatCompletion(ctx context.Context, p *catalog.ProviderDescriptor, providerModelID string, req *types.ChatRequest) (*types.ChatResponse, error) {
	resp, err := c.do(ctx, p, providerModelID, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llmerrors.ProviderError{Provider: p.Name, StatusCode: resp.StatusCode, Raw: err.Error()}
	}

	var out types.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &llmerrors.ProviderError{Provider: p.Name, StatusCode: resp.StatusCode, Raw: "decode response: " + err.Error()}
	}
	return &out, nil
}

func (c *HTTPClient) ChatCompletionStream(ctx context.Context, p *catalog.ProviderDescriptor, providerModelID string, req *types.ChatRequest) (StreamHandler, error) {
	resp, err := c.do(ctx, p, providerModelID, req, true)
	if err != nil {
		return nil, err
	}
	return &sseStream{provider: p.Name, body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

func (c *HTTPClient) do(ctx context.Context, p *catalog.ProviderDescriptor, providerModelID string, req *types.ChatRequest, stream bool) (*http.Response, error) {
	body := *req
	body.Model = providerModelID
	body.Stream = stream

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &llmerrors.ProviderError{Provider: p.Name, Raw: "encode request: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &llmerrors.ProviderError{Provider: p.Name, Raw: "build request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &llmerrors.Timeout{Provider: p.Name, TimeoutMS: c.httpClient.Timeout.Milliseconds()}
		}
		return nil, &llmerrors.ProviderError{Provider: p.Name, Raw: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		var resetAt *time.Time
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
				t := time.Now().Add(time.Duration(seconds) * time.Second)
				resetAt = &t
			}
		}
		return nil, &llmerrors.RateLimited{Provider: p.Name, Model: providerModelID, ResetAt: resetAt}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &llmerrors.ProviderError{Provider: p.Name, StatusCode: resp.StatusCode, Raw: string(raw)}
	}

	return resp, nil
}

// sseStream parses "data: {...}" lines terminated by the "[DONE]" sentinel.
type sseStream struct {
	provider string
	body     io.ReadCloser
	reader   *bufio.Reader
}

func (s *sseStream) Next() (*types.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &llmerrors.ProviderError{Provider: s.provider, Raw: "read stream: " + err.Error()}
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil, io.EOF
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, &llmerrors.ProviderError{Provider: s.provider, Raw: fmt.Sprintf("decode stream chunk: %v", err)}
		}
		return &chunk, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
