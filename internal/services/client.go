package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/schema"
	"gcse-quizgen/internal/storage"
)

const (
	DefaultAttempts       = 3
	DefaultAttemptTimeout = 5 * time.Minute
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// Reporter receives progress for one job. Implementations must be safe for
// use from the goroutine running the job.
type Reporter interface {
	StartModelCall(label string, uploadBytes int64)
	FinishModelCall(label string, err error)
	RecordModelUsage(delta models.Usage)
	ReportChars(n int)
	Log(msg string, args ...any)
}

type nopReporter struct{}

func (nopReporter) StartModelCall(string, int64) {}
func (nopReporter) FinishModelCall(string, error) {}
func (nopReporter) RecordModelUsage(models.Usage) {}
func (nopReporter) ReportChars(int) {}
func (nopReporter) Log(string, ...any) {}

// NopReporter discards everything.
var NopReporter Reporter = nopReporter{}

// ModelClient runs structured generations against a Provider with bounded
// retries.
type ModelClient struct {
	provider       Provider
	debug          storage.Store
	logger         *slog.Logger
	attempts       int
	attemptTimeout time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration
	temperature    float32
	sleeper        func(time.Duration)
}

type ClientOption func(*ModelClient)

func WithAttempts(n int) ClientOption {
	return func(c *ModelClient) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithAttemptTimeout bounds each streaming attempt.
func WithAttemptTimeout(d time.Duration) ClientOption {
	return func(c *ModelClient) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

func WithBackoff(base, maxDelay time.Duration) ClientOption {
	return func(c *ModelClient) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) ClientOption {
	return func(c *ModelClient) {
		c.sleeper = sleeper
	}
}

// WithDebugStore persists every attempt's raw text.
func WithDebugStore(store storage.Store) ClientOption {
	return func(c *ModelClient) {
		c.debug = store
	}
}

func WithTemperature(t float32) ClientOption {
	return func(c *ModelClient) {
		c.temperature = t
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *ModelClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewModelClient(provider Provider, opts ...ClientOption) *ModelClient {
	c := &ModelClient{
		provider:       provider,
		logger:         slog.Default(),
		attempts:       DefaultAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		baseDelay:      defaultRetryBaseDelay,
		maxDelay:       defaultRetryMaxDelay,
		temperature:    0.3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ModelClient) ProviderName() string {
	return c.provider.Name()
}

// Call is one logical structured request.
type Call struct {
	// Label names the call in logs and debug dumps ("quiz", "judge", ...).
	Label             string
	DebugDir          string
	Model             string
	SystemInstruction string
	Parts             []Part
	Reporter          Reporter
}

type Result[T any] struct {
	Value    T
	Usage    models.Usage
	Attempts int
	Model    string
}

// ExhaustedError is returned when every attempt of a call failed.
type ExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Issues lists the validation problems of the last attempt, if any.
func (e *ExhaustedError) Issues() []string {
	var se *schema.Error
	if errors.As(e.Err, &se) {
		return se.Messages()
	}
	return nil
}

// streamState is the accumulator folded over a chunk stream.
type streamState struct {
	text    string
	thought int
	usage   models.Usage
	chunks  int
}

// foldChunk returns the next state and the non-negative usage delta the
// chunk contributed.
func foldChunk(acc streamState, c Chunk) (streamState, models.Usage) {
	next := streamState{
		text:    acc.text,
		thought: acc.thought,
		usage:   acc.usage,
		chunks:  acc.chunks + 1,
	}
	if c.Thought {
		next.thought += utf8.RuneCountInString(c.Text)
	} else {
		next.text += c.Text
	}
	var delta models.Usage
	if c.Usage != nil {
		delta = acc.usage.Delta(*c.Usage)
		next.usage = acc.usage.Add(delta)
	}
	return next, delta
}

// GenerateStructured streams a response, dumps it, and parses it with spec,
// retrying empty, non-JSON and invalid responses. Cancellation of ctx stops
// immediately without further attempts.
func GenerateStructured[T any](ctx context.Context, c *ModelClient, call Call, spec *schema.Spec[T]) (Result[T], error) {
	rep := call.Reporter
	if rep == nil {
		rep = NopReporter
	}
	req := Request{
		Model:             call.Model,
		SystemInstruction: call.SystemInstruction,
		Parts:             call.Parts,
		ResponseSchema:    spec.Schema,
		Temperature:       c.temperature,
	}
	upload := req.UploadBytes()

	res := Result[T]{Model: call.Model}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt

		rep.StartModelCall(call.Label, upload)
		acc, err := c.streamOnce(ctx, req, rep)
		res.Usage = res.Usage.Add(acc.usage)
		c.dump(ctx, call, attempt, acc.text)

		if err == nil {
			value, perr := spec.Parse(acc.text)
			if perr == nil {
				rep.FinishModelCall(call.Label, nil)
				res.Value = value
				return res, nil
			}
			err = perr
		}
		rep.FinishModelCall(call.Label, err)

		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		lastErr = err
		rep.Log("model attempt failed", "call", call.Label, "attempt", attempt, "of", c.attempts, "error", err)

		if attempt < c.attempts {
			if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
				return res, err
			}
		}
	}
	return res, &ExhaustedError{Label: call.Label, Attempts: c.attempts, Err: lastErr}
}

func (c *ModelClient) streamOnce(ctx context.Context, req Request, rep Reporter) (streamState, error) {
	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var acc streamState
	stream, err := c.provider.Stream(actx, req)
	if err != nil {
		return acc, err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if IsEOF(err) {
			break
		}
		if err != nil {
			if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return acc, fmt.Errorf("stream stalled after %s: %w", c.attemptTimeout, ErrEmptyResponse)
			}
			return acc, err
		}
		var delta models.Usage
		acc, delta = foldChunk(acc, chunk)
		if delta.Total() > 0 {
			rep.RecordModelUsage(delta)
		}
		if !chunk.Thought && chunk.Text != "" {
			rep.ReportChars(utf8.RuneCountInString(chunk.Text))
		}
	}

	if acc.chunks == 0 {
		return acc, fmt.Errorf("stream produced no chunks: %w", ErrEmptyResponse)
	}
	if strings.TrimSpace(acc.text) == "" {
		return acc, ErrEmptyResponse
	}
	return acc, nil
}

// dump writes the raw attempt text. Failures are logged, never returned.
func (c *ModelClient) dump(ctx context.Context, call Call, attempt int, text string) {
	if c.debug == nil || call.DebugDir == "" {
		return
	}
	key := storage.Join(call.DebugDir, fmt.Sprintf("%s-attempt-%d.txt", call.Label, attempt))
	if err := c.debug.WriteFile(context.WithoutCancel(ctx), key, []byte(text)); err != nil {
		c.logger.Warn("failed to write debug dump", "key", key, "error", err)
	}
}

func (c *ModelClient) backoffDelay(attempt int) time.Duration {
	if c.baseDelay <= 0 {
		return 0
	}
	delay := c.baseDelay << (attempt - 1)
	if c.maxDelay > 0 && delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func (c *ModelClient) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
