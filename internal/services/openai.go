package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"gcse-quizgen/internal/models"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
// Reasoning deltas are surfaced as thought chunks.
type OpenAIProvider struct {
	api       *openai.Client
	extractor *FileExtractService
}

type OpenAIOptions struct {
	APIKey   string
	BaseURL  string
	ProxyURL string
}

func NewOpenAIProvider(opts OpenAIOptions, extractor *FileExtractService) (*OpenAIProvider, error) {
	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxy)
		config.HTTPClient = &http.Client{Transport: transport}
	}
	if extractor == nil {
		extractor = NewFileExtractService()
	}
	return &OpenAIProvider{api: openai.NewClientWithConfig(config), extractor: extractor}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemInstruction})
	}
	parts, err := p.userParts(req.Parts)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})

	creq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      msgs,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if req.ResponseSchema != nil {
		raw, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("encode response schema: %w", err)
		}
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(raw),
			},
		}
	}

	stream, err := p.api.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

// userParts maps request parts onto chat content. Images travel as data
// URLs; PDFs are converted to text because chat endpoints do not accept them.
func (p *OpenAIProvider) userParts(in []Part) ([]openai.ChatMessagePart, error) {
	out := make([]openai.ChatMessagePart, 0, len(in))
	for _, part := range in {
		if part.InlineData == nil {
			out = append(out, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
			continue
		}
		mime := part.InlineData.MIMEType
		switch {
		case strings.HasPrefix(mime, "image/"):
			out = append(out, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: "data:" + mime + ";base64," + part.InlineData.Base64},
			})
		case mime == "application/pdf":
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Base64)
			if err != nil {
				return nil, fmt.Errorf("decode inline pdf: %w", err)
			}
			text, err := p.extractor.ExtractTextFromBytes(data, ".pdf")
			if err != nil {
				return nil, fmt.Errorf("pdf to text: %w", err)
			}
			out = append(out, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
		default:
			return nil, fmt.Errorf("unsupported inline content type %s", mime)
		}
	}
	return out, nil
}

type openaiStream struct {
	stream  *openai.ChatCompletionStream
	pending []Chunk
}

func (s *openaiStream) Next() (Chunk, error) {
	if len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		return c, nil
	}
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("LLM stream: %w", err)
	}

	var usage *models.Usage
	if u := resp.Usage; u != nil {
		usage = &models.Usage{PromptTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
		if d := u.CompletionTokensDetails; d != nil {
			usage.ThinkingTokens = d.ReasoningTokens
			usage.OutputTokens = max(u.CompletionTokens-d.ReasoningTokens, 0)
		}
	}

	var chunks []Chunk
	for _, choice := range resp.Choices {
		if choice.Delta.ReasoningContent != "" {
			chunks = append(chunks, Chunk{Text: choice.Delta.ReasoningContent, Thought: true})
		}
		if choice.Delta.Content != "" {
			chunks = append(chunks, Chunk{Text: choice.Delta.Content})
		}
	}
	if len(chunks) == 0 {
		return Chunk{Usage: usage}, nil
	}
	chunks[len(chunks)-1].Usage = usage
	s.pending = chunks[1:]
	return chunks[0], nil
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
