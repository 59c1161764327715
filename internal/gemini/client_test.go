package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/edgard/sitelog/internal/config"
)

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
	}
}

type scriptedGenerator struct {
	responses []*genai.GenerateContentResponse
	errs      []error
	calls     int
	lastCfg   *genai.GenerateContentConfig
	lastParts []*genai.Part
}

func (s *scriptedGenerator) generate(_ context.Context, _ string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	i := s.calls
	s.calls++
	s.lastCfg = cfg
	if len(contents) > 0 {
		s.lastParts = contents[0].Parts
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return s.responses[len(s.responses)-1], nil
}

func newTestClient(gen *scriptedGenerator, maxRetries int) *Client {
	cfg := config.GeminiConfig{ModelName: "gemini-test", MaxRetries: maxRetries}
	return newClient(gen.generate, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExtractFields(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{responses: []*genai.GenerateContentResponse{
		textResponse(`{"workers_present": 5, "work_done": "Plastering", "materials_needed": null, "issues_flagged": null, "summary": "Plastering with 5 workers."}`),
	}}
	client := newTestClient(gen, 0)

	fields, err := client.ExtractFields(context.Background(), "5 workers, plastering")
	require.NoError(t, err)
	require.NotNil(t, fields.WorkersPresent)
	assert.Equal(t, 5, *fields.WorkersPresent)
	assert.Equal(t, "Plastering", *fields.WorkDone)
	assert.Nil(t, fields.MaterialsNeeded)

	assert.Equal(t, "application/json", gen.lastCfg.ResponseMIMEType)
	assert.Equal(t, reportFieldsSchema, gen.lastCfg.ResponseSchema)
	assert.Empty(t, client.contentConfig.ResponseMIMEType, "base config must not be mutated")
	require.Len(t, gen.lastParts, 1)
	assert.Contains(t, gen.lastParts[0].Text, "5 workers, plastering")
}

func TestExtractFieldsNonJSONFallsBack(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{responses: []*genai.GenerateContentResponse{textResponse("Sorry, I cannot help.")}}
	fields, err := newTestClient(gen, 0).ExtractFields(context.Background(), "hello")
	require.NoError(t, err)
	assert.Nil(t, fields.WorkersPresent)
	require.NotNil(t, fields.Summary)
	assert.Equal(t, "Sorry, I cannot help.", *fields.Summary)
}

func TestGenerateContentWithRetries(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		errs      []error
		retries   int
		wantErr   bool
		wantCalls int
	}{
		{name: "success first try", retries: 2, wantCalls: 1},
		{name: "retries on 503", errs: []error{genai.APIError{Code: 503}, nil}, retries: 2, wantCalls: 2},
		{name: "retries on wrapped 500", errs: []error{fmt.Errorf("call: %w", genai.APIError{Code: 500}), nil}, retries: 1, wantCalls: 2},
		{name: "gives up after max retries", errs: []error{genai.APIError{Code: 503}, genai.APIError{Code: 503}}, retries: 1, wantErr: true, wantCalls: 2},
		{name: "no retry on 400", errs: []error{genai.APIError{Code: 400}}, retries: 3, wantErr: true, wantCalls: 1},
		{name: "no retry on plain error", errs: []error{errors.New("dial tcp: refused")}, retries: 3, wantErr: true, wantCalls: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gen := &scriptedGenerator{errs: tc.errs, responses: []*genai.GenerateContentResponse{textResponse(`{}`)}}
			_, err := newTestClient(gen, tc.retries).generateContentWithRetries(context.Background(), "m", nil, &genai.GenerateContentConfig{})
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantCalls, gen.calls)
		})
	}
}

func TestTranscribeAudio(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{responses: []*genai.GenerateContentResponse{textResponse("  aaj 5 log aaye  \n")}}
	client := newTestClient(gen, 0)

	text, err := client.TranscribeAudio(context.Background(), []byte("OggS"), "audio/ogg")
	require.NoError(t, err)
	assert.Equal(t, "aaj 5 log aaye", text)
	require.Len(t, gen.lastParts, 2)
	require.NotNil(t, gen.lastParts[0].InlineData)
	assert.Equal(t, "audio/ogg", gen.lastParts[0].InlineData.MIMEType)

	_, err = client.TranscribeAudio(context.Background(), nil, "audio/ogg")
	assert.Error(t, err)
}

func TestExtractTextFromResponse(t *testing.T) {
	t.Parallel()

	client := newTestClient(&scriptedGenerator{}, 0)
	ctx := context.Background()

	_, err := client.extractTextFromResponse(ctx, "op", &genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	})
	assert.ErrorContains(t, err, "blocked")

	_, err = client.extractTextFromResponse(ctx, "op", &genai.GenerateContentResponse{})
	assert.ErrorContains(t, err, "no content")

	_, err = client.extractTextFromResponse(ctx, "op", textResponse("   "))
	assert.ErrorContains(t, err, "empty")

	text, err := client.extractTextFromResponse(ctx, "op", textResponse("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}
