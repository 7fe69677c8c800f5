package services

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"gcse-quizgen/internal/models"
)

// Part is one piece of request content: either text or an inline blob.
type Part struct {
	Text       string
	InlineData *InlineData
}

// InlineData carries a base64-encoded binary attachment.
type InlineData struct {
	MIMEType string
	Base64   string
}

func TextPart(s string) Part { return Part{Text: s} }

func BlobPart(mimeType string, data []byte) Part {
	return Part{InlineData: &InlineData{MIMEType: mimeType, Base64: base64.StdEncoding.EncodeToString(data)}}
}

// Request is a single generate-content call.
type Request struct {
	Model             string
	SystemInstruction string
	Parts             []Part
	// ResponseSchema is a JSON Schema document constraining the output.
	ResponseSchema map[string]any
	Temperature    float32
}

// UploadBytes estimates the request payload: UTF-8 length of text parts
// plus decoded length of inline blobs.
func (r Request) UploadBytes() int64 {
	var n int64
	n += int64(len(r.SystemInstruction))
	for _, p := range r.Parts {
		n += int64(len(p.Text))
		if p.InlineData != nil {
			n += int64(decodedLen(p.InlineData.Base64))
		}
	}
	return n
}

// decodedLen is the exact decoded size of a padded or unpadded base64 string.
func decodedLen(s string) int {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	return base64.RawStdEncoding.DecodedLen(len(s))
}

// Chunk is one streamed increment. Usage, when present, is cumulative for the
// stream so far.
type Chunk struct {
	Text    string
	Thought bool
	Usage   *models.Usage
}

// ChunkStream yields chunks until it returns io.EOF.
type ChunkStream interface {
	Next() (Chunk, error)
	Close() error
}

// Provider is the remote generate-content capability.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (ChunkStream, error)
}

// ErrEmptyResponse means a stream finished without answer text.
var ErrEmptyResponse = errors.New("model returned no answer text")

// IsEOF reports whether err ends a stream normally.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
