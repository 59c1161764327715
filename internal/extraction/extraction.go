// Package extraction defines the LLM-backed extraction contract and the shared
// parsing that turns a raw model response into validated report fields.
package extraction

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// FallbackSummaryRunes is how much of an unparsable model response is kept as the summary.
const FallbackSummaryRunes = 500

// Fields holds the structured values extracted from a combined report text.
// Every field is independently nullable.
type Fields struct {
	WorkersPresent  *int    `json:"workers_present"`
	WorkDone        *string `json:"work_done"`
	MaterialsNeeded *string `json:"materials_needed"`
	IssuesFlagged   *string `json:"issues_flagged"`
	Summary         *string `json:"summary"`
}

// IsEmpty reports whether no field was extracted.
func (f Fields) IsEmpty() bool {
	return f.WorkersPresent == nil && f.WorkDone == nil && f.MaterialsNeeded == nil &&
		f.IssuesFlagged == nil && f.Summary == nil
}

// Extractor is implemented by the LLM providers.
type Extractor interface {
	// ExtractFields turns free-form report text into structured fields.
	ExtractFields(ctx context.Context, combinedText string) (Fields, error)

	// TranscribeAudio converts a voice note to text. An empty string means nothing usable was heard.
	TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error)
}

var (
	validate = validator.New()

	fenceOpen  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```\\s*$")
)

// stringRules are the validator tags applied to each text field.
var stringRules = map[string]string{
	"work_done":        "max=1000",
	"materials_needed": "max=500",
	"issues_flagged":   "max=500",
	"summary":          "max=500",
}

const workersRule = "gte=0,lte=10000"

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(raw string) string {
	clean := strings.TrimSpace(raw)
	clean = fenceOpen.ReplaceAllString(clean, "")
	clean = fenceClose.ReplaceAllString(clean, "")
	return strings.TrimSpace(clean)
}

// ParseFields parses a model response. Each field is validated on its own and
// becomes nil when it is missing, mistyped or out of range. A response that is
// not a JSON object yields Fallback(raw).
func ParseFields(raw string) Fields {
	decoder := json.NewDecoder(strings.NewReader(StripFences(raw)))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		return Fallback(raw)
	}

	return Fields{
		WorkersPresent:  parseWorkers(payload["workers_present"]),
		WorkDone:        parseString(payload, "work_done"),
		MaterialsNeeded: parseString(payload, "materials_needed"),
		IssuesFlagged:   parseString(payload, "issues_flagged"),
		Summary:         parseString(payload, "summary"),
	}
}

// Fallback is the summary-only result used when a response cannot be parsed.
func Fallback(raw string) Fields {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Fields{}
	}
	if utf8.RuneCountInString(text) > FallbackSummaryRunes {
		text = string([]rune(text)[:FallbackSummaryRunes])
	}
	return Fields{Summary: &text}
}

func parseWorkers(v any) *int {
	var n float64
	switch value := v.(type) {
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return nil
		}
		n = f
	case float64:
		n = value
	default:
		return nil
	}

	if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
		return nil
	}
	workers := int(n)
	if err := validate.Var(workers, workersRule); err != nil {
		return nil
	}
	return &workers
}

func parseString(payload map[string]any, key string) *string {
	s, ok := payload[key].(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if err := validate.Var(s, stringRules[key]); err != nil {
		return nil
	}
	return &s
}
