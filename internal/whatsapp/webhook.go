package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/edgard/sitelog/internal/ingest"
)

// BusinessAccountObject is the only webhook object type that carries messages.
const BusinessAccountObject = "whatsapp_business_account"

// SignatureHeader carries the HMAC of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// WebhookPayload is the subset of the Cloud API webhook body that sitelog reads.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is one inbound message. Only the field matching Type is set.
type Message struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *TextBody  `json:"text,omitempty"`
	Audio     *MediaBody `json:"audio,omitempty"`
	Image     *MediaBody `json:"image,omitempty"`
	Video     *MediaBody `json:"video,omitempty"`
}

type TextBody struct {
	Body string `json:"body"`
}

type MediaBody struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// Envelopes flattens every message of every "messages" change into ingestion
// envelopes, in payload order. Other objects and fields yield nothing.
func (p *WebhookPayload) Envelopes() []ingest.Envelope {
	if p == nil || p.Object != BusinessAccountObject {
		return nil
	}

	var envs []ingest.Envelope
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				envs = append(envs, msg.Envelope())
			}
		}
	}
	return envs
}

// Envelope converts a message. Unsupported types keep their type name so
// ingestion can drop them.
func (m Message) Envelope() ingest.Envelope {
	env := ingest.Envelope{
		MessageID: m.ID,
		SenderID:  m.From,
		Kind:      m.Type,
		SentAt:    parseTimestamp(m.Timestamp),
	}

	switch m.Type {
	case "text":
		if m.Text != nil {
			env.TextContent = &m.Text.Body
		}
	case "audio":
		setMedia(&env, m.Audio)
	case "image":
		setMedia(&env, m.Image)
	case "video":
		setMedia(&env, m.Video)
	}
	return env
}

func setMedia(env *ingest.Envelope, body *MediaBody) {
	if body == nil {
		return
	}
	if body.ID != "" {
		env.MediaRef = &body.ID
	}
	if body.MimeType != "" {
		env.MediaMimeType = &body.MimeType
	}
	if body.Caption != "" {
		env.TextContent = &body.Caption
	}
}

// parseTimestamp reads a unix-seconds string; the zero time means "now" to the buffer.
func parseTimestamp(ts string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// VerifyChallenge answers the subscription handshake. It returns the challenge
// to echo and true when mode is "subscribe" and the token matches.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if verifyToken == "" || mode != "subscribe" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks header ("sha256=<hex>") against the HMAC-SHA256 of body keyed by appSecret.
func VerifySignature(appSecret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
