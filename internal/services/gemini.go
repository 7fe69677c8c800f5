package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"gcse-quizgen/internal/models"
)

const rateSlotTimeout = 5 * time.Minute

// GeminiProvider streams generations from the Gemini API.
type GeminiProvider struct {
	client   *genai.Client
	rateChan chan struct{} // Token bucket
}

type GeminiOptions struct {
	APIKey         string
	ProxyURL       string
	ConcurrentReqs int
}

func NewGeminiProvider(ctx context.Context, opts GeminiOptions) (*GeminiProvider, error) {
	clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		// A custom HTTP client bypasses the API key option, so the key
		// travels as a header instead.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxy)
		clientOpts = append(clientOpts, option.WithHTTPClient(&http.Client{
			Transport: &apiKeyTransport{key: opts.APIKey, base: transport},
		}))
	}

	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	concurrent := opts.ConcurrentReqs
	if concurrent <= 0 {
		concurrent = 1
	}
	rateChan := make(chan struct{}, concurrent)
	for i := 0; i < concurrent; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiProvider{client: client, rateChan: rateChan}, nil
}

type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("x-goog-api-key", t.key)
	return t.base.RoundTrip(r)
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Close() {
	p.client.Close()
}

// acquireRate blocks until a rate slot is available
func (p *GeminiProvider) acquireRate(ctx context.Context) error {
	select {
	case <-p.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(rateSlotTimeout):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (p *GeminiProvider) releaseRate() {
	p.rateChan <- struct{}{}
}

// Stream holds a rate slot until the returned stream is closed.
func (p *GeminiProvider) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	if err := p.acquireRate(ctx); err != nil {
		return nil, err
	}

	model := p.client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	if req.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemInstruction)}}
	}
	if req.ResponseSchema != nil {
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = toGenaiSchema(req.ResponseSchema)
	}

	parts := make([]genai.Part, 0, len(req.Parts))
	for _, part := range req.Parts {
		if part.InlineData != nil {
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Base64)
			if err != nil {
				p.releaseRate()
				return nil, fmt.Errorf("decode inline %s data: %w", part.InlineData.MIMEType, err)
			}
			parts = append(parts, genai.Blob{MIMEType: part.InlineData.MIMEType, Data: data})
			continue
		}
		parts = append(parts, genai.Text(part.Text))
	}

	return &geminiStream{iter: model.GenerateContentStream(ctx, parts...), release: p.releaseRate}, nil
}

type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	release func()
	once    sync.Once
}

func (s *geminiStream) Next() (Chunk, error) {
	resp, err := s.iter.Next()
	if err == iterator.Done {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("Gemini API error: %w", err)
	}
	chunk := Chunk{Text: extractText(resp)}
	if u := resp.UsageMetadata; u != nil {
		chunk.Usage = &models.Usage{
			PromptTokens: int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}
	return chunk, nil
}

func (s *geminiStream) Close() error {
	s.once.Do(s.release)
	return nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

// toGenaiSchema converts the subset of JSON Schema Gemini understands.
func toGenaiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			if child, ok := v.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(child)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if str, ok := r.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	return s
}
