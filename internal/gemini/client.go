// Package gemini implements the extraction service on Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"google.golang.org/genai"

	"github.com/edgard/sitelog/internal/config"
	"github.com/edgard/sitelog/internal/extraction"
)

// generateFunc matches Models.GenerateContent.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Client implements extraction.Extractor.
type Client struct {
	generate         generateFunc
	log              *slog.Logger
	contentConfig    *genai.GenerateContentConfig
	defaultModelName string
	maxRetries       int
	retryDelay       time.Duration
}

var _ extraction.Extractor = (*Client)(nil)

var reportFieldsSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"workers_present":  {Type: genai.TypeInteger, Nullable: genai.Ptr(true), Description: "Number of workers present today, null if not mentioned."},
		"work_done":        {Type: genai.TypeString, Nullable: genai.Ptr(true), Description: "Work done today in 1-3 sentences, null if not mentioned."},
		"materials_needed": {Type: genai.TypeString, Nullable: genai.Ptr(true), Description: "Comma-separated materials or supplies needed, null if none."},
		"issues_flagged":   {Type: genai.TypeString, Nullable: genai.Ptr(true), Description: "Problems or issues in 1-2 sentences, null if none."},
		"summary":          {Type: genai.TypeString, Nullable: genai.Ptr(true), Description: "One-sentence summary of the day's report."},
	},
	Required: []string{"workers_present", "work_done", "materials_needed", "issues_flagged", "summary"},
}

// NewClient creates a Gemini client with the provided configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := newClient(gi.Models.GenerateContent, cfg, log)
	c.log.Info("Gemini client initialized successfully", "model", cfg.ModelName)
	return c, nil
}

func newClient(generate generateFunc, cfg config.GeminiConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	temperature := cfg.Temperature
	return &Client{
		generate: generate,
		log:      log.With("component", "gemini_client"),
		contentConfig: &genai.GenerateContentConfig{
			Temperature: &temperature,
		},
		defaultModelName: cfg.ModelName,
		maxRetries:       cfg.MaxRetries,
		retryDelay:       time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}
}

// ExtractFields asks the model for the report fields as a JSON object.
func (c *Client) ExtractFields(ctx context.Context, combinedText string) (extraction.Fields, error) {
	c.log.DebugContext(ctx, "Extracting report fields", "text_length", len(combinedText))

	contents := []*genai.Content{genai.NewContentFromText(extraction.BuildExtractionPrompt(combinedText), genai.RoleUser)}

	copyCfg := *c.contentConfig
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = reportFieldsSchema

	resp, err := c.generateContentWithRetries(ctx, c.defaultModelName, contents, &copyCfg)
	if err != nil {
		return extraction.Fields{}, fmt.Errorf("failed to extract report fields: %w", err)
	}

	jsonText, err := c.extractTextFromResponse(ctx, "extract_fields", resp)
	if err != nil {
		return extraction.Fields{}, fmt.Errorf("failed to read extraction response: %w", err)
	}

	return extraction.ParseFields(jsonText), nil
}

// TranscribeAudio sends the audio inline with the transcription instruction.
func (c *Client) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error) {
	c.log.DebugContext(ctx, "Transcribing audio", "audio_size", len(data), "mime_type", mimeType)
	if len(data) == 0 || mimeType == "" {
		return "", fmt.Errorf("audio data and MIME type are required for transcription")
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(extraction.TranscriptionInstruction),
		}, genai.RoleUser),
	}

	copyCfg := *c.contentConfig
	resp, err := c.generateContentWithRetries(ctx, c.defaultModelName, contents, &copyCfg)
	if err != nil {
		return "", fmt.Errorf("gemini transcription failed: %w", err)
	}

	text, err := c.extractTextFromResponse(ctx, "transcribe_audio", resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) generateContentWithRetries(ctx context.Context, modelName string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			var err error
			resp, err = c.generate(ctx, modelName, contents, cfg)
			if err != nil {
				c.log.WarnContext(ctx, "Gemini API call failed, checking for retry", "attempt", attempt, "max_retries", c.maxRetries, "error", err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)+1),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			_, retriable := retriableCode(err)
			return retriable
		}),
		retry.OnRetry(func(_ uint, err error) {
			code, _ := retriableCode(err)
			c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError", "delay", c.retryDelay, "code", code)
		}),
	)
	if err != nil {
		if code, retriable := retriableCode(err); retriable {
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries with APIError", "error", err, "code", code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", c.maxRetries, code, err)
		}
		c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return resp, nil
}

// retriableCode reports whether err is a Gemini APIError with a 500 or 503 status.
func retriableCode(err error) (int, bool) {
	var code int
	var ptrErr *genai.APIError
	var valErr genai.APIError
	switch {
	case errors.As(err, &ptrErr):
		code = ptrErr.Code
	case errors.As(err, &valErr):
		code = valErr.Code
	default:
		return 0, false
	}
	return code, code == 500 || code == 503
}

func (c *Client) extractTextFromResponse(ctx context.Context, op string, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%s returned no response", op)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "operation", op, "reason", reasonMsg)
		return "", fmt.Errorf("%s blocked by safety filter: %s", op, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "operation", op, "finish_reason", finishReason)
		return "", fmt.Errorf("%s returned no content, finish reason: %s", op, finishReason)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		c.log.WarnContext(ctx, "Gemini response text is empty", "operation", op)
		return "", fmt.Errorf("%s returned empty text", op)
	}
	return text, nil
}
