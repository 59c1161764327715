// Package openai implements the extraction service on the OpenAI API: chat
// completions in JSON mode for field extraction and Whisper for voice notes.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sashabaranov/go-openai"

	"github.com/edgard/sitelog/internal/config"
	"github.com/edgard/sitelog/internal/extraction"
)

const (
	initialBackoffDuration = 1 * time.Second // Starting retry delay
	retryMaxAttempts       = 3               // Maximum attempts per API call
)

// invalidRequestErrors lists OpenAI error types that are never retried.
var invalidRequestErrors = []string{
	"invalid_request_error",
	"context_length_exceeded",
	"invalid_api_key",
	"organization_not_found",
}

var (
	ErrEmptyResponse = errors.New("empty response received")
	ErrNoChoices     = errors.New("no response choices available")
)

// api is the subset of *openai.Client used here.
type api interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// Client implements extraction.Extractor.
type Client struct {
	api                api
	model              string
	transcriptionModel string
	temperature        float32
	backoff            time.Duration
	log                *slog.Logger
}

var _ extraction.Extractor = (*Client)(nil)

// New creates an OpenAI client. httpClient may be nil.
func New(cfg config.OpenAIConfig, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	openAICfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openAICfg.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		openAICfg.HTTPClient = httpClient
	}

	c := newClient(openai.NewClientWithConfig(openAICfg), cfg, log)
	c.log.Info("OpenAI client initialized successfully", "model", cfg.Model, "transcription_model", cfg.TranscriptionModel)
	return c, nil
}

func newClient(a api, cfg config.OpenAIConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		api:                a,
		model:              cfg.Model,
		transcriptionModel: cfg.TranscriptionModel,
		temperature:        cfg.Temperature,
		backoff:            initialBackoffDuration,
		log:                log.With("component", "openai_client"),
	}
}

// ExtractFields requests a JSON object with the report fields.
func (c *Client) ExtractFields(ctx context.Context, combinedText string) (extraction.Fields, error) {
	c.log.DebugContext(ctx, "Extracting report fields", "text_length", len(combinedText))

	var raw string
	err := c.withRetry(ctx, "chat_completion", func() error {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: extraction.BuildExtractionPrompt(combinedText)},
			},
			Temperature: c.temperature,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return fmt.Errorf("chat completion failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return ErrNoChoices
		}

		raw = strings.TrimSpace(resp.Choices[0].Message.Content)
		if raw == "" {
			return ErrEmptyResponse
		}
		return nil
	})
	if err != nil {
		c.log.ErrorContext(ctx, "OpenAI extraction failed", "error", err)
		return extraction.Fields{}, fmt.Errorf("failed to extract report fields: %w", err)
	}

	return extraction.ParseFields(raw), nil
}

// TranscribeAudio uploads the voice note to the transcription endpoint.
func (c *Client) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error) {
	c.log.DebugContext(ctx, "Transcribing audio", "audio_size", len(data), "mime_type", mimeType)
	if len(data) == 0 {
		return "", fmt.Errorf("audio data is required for transcription")
	}

	var text string
	err := c.withRetry(ctx, "transcription", func() error {
		resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.transcriptionModel,
			FilePath: audioFileName(mimeType),
			Reader:   bytes.NewReader(data),
			Prompt:   extraction.TranscriptionInstruction,
			Format:   openai.AudioResponseFormatJSON,
		})
		if err != nil {
			return fmt.Errorf("transcription failed: %w", err)
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		c.log.ErrorContext(ctx, "OpenAI transcription failed", "error", err)
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return text, nil
}

// audioFileName picks a file name whose extension the transcription endpoint accepts.
func audioFileName(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = mimeType
	}
	switch strings.ToLower(base) {
	case "audio/ogg", "audio/opus":
		return "voice.ogg"
	case "audio/mpeg", "audio/mp3":
		return "voice.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return "voice.m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "voice.wav"
	case "audio/webm":
		return "voice.webm"
	default:
		return "voice.ogg"
	}
}

// isPermanentAPIError identifies errors that retrying will not fix.
func isPermanentAPIError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests, apiErr.HTTPStatusCode >= 500:
			return false
		case apiErr.HTTPStatusCode >= 400:
			return true
		}
	}

	errStr := err.Error()
	for _, errType := range invalidRequestErrors {
		if strings.Contains(errStr, errType) {
			return true
		}
	}
	return false
}

// withRetry runs op until it succeeds, fails permanently or exhausts
// retryMaxAttempts, doubling the delay between attempts.
func (c *Client) withRetry(ctx context.Context, call string, op func() error) error {
	return retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(retryMaxAttempts),
		retry.Delay(c.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !isPermanentAPIError(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.DebugContext(ctx, "Retrying OpenAI request",
				"call", call, "attempt", n+1, "max_attempts", retryMaxAttempts, "error", err)
		}),
	)
}
