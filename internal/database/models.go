package database

import (
	"database/sql/driver"
	"fmt"
	"slices"
	"strings"
	"time"
)

// MessageKind identifies the type of content carried by an inbound message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
)

// ParseMessageKind converts a provider type string into a MessageKind.
// The second return value is false for unsupported kinds.
func ParseMessageKind(s string) (MessageKind, bool) {
	k := MessageKind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

// Valid reports whether k is one of the supported kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindAudio, KindImage, KindVideo:
		return true
	default:
		return false
	}
}

// IsMedia reports whether messages of this kind carry a media reference.
func (k MessageKind) IsMedia() bool {
	switch k {
	case KindAudio, KindImage, KindVideo:
		return true
	case KindText:
		return false
	default:
		return false
	}
}

// Kinds is a set of message kinds persisted as a sorted, comma-separated list.
type Kinds []MessageKind

// Union returns the sorted set of kinds present in either k or other.
func (k Kinds) Union(other Kinds) Kinds {
	merged := make(Kinds, 0, len(k)+len(other))
	for _, kind := range append(slices.Clone(k), other...) {
		if kind.Valid() && !slices.Contains(merged, kind) {
			merged = append(merged, kind)
		}
	}
	slices.Sort(merged)
	return merged
}

// Value implements driver.Valuer.
func (k Kinds) Value() (driver.Value, error) {
	parts := make([]string, 0, len(k))
	for _, kind := range k.Union(nil) {
		parts = append(parts, string(kind))
	}
	return strings.Join(parts, ","), nil
}

// Scan implements sql.Scanner.
func (k *Kinds) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*k = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Kinds", src)
	}

	var kinds Kinds
	for _, part := range strings.Split(raw, ",") {
		if kind, ok := ParseMessageKind(part); ok {
			kinds = append(kinds, kind)
		}
	}
	*k = kinds.Union(nil)
	return nil
}

// BufferedMessage is one inbound message waiting for consolidation.
// Rows are written once and removed after their batch is consolidated.
type BufferedMessage struct {
	ID                int64       `db:"id"`
	ProviderMessageID *string     `db:"provider_message_id"`
	SenderID          string      `db:"sender_id"`
	Kind              MessageKind `db:"kind"`
	TextContent       *string     `db:"text_content"`
	MediaRef          *string     `db:"media_ref"`
	MediaMimeType     *string     `db:"media_mime_type"`
	ReceivedAt        time.Time   `db:"received_at"`
	LastActivityAt    time.Time   `db:"last_activity_at"`
}

// Text returns the trimmed text content, or an empty string.
func (m *BufferedMessage) Text() string {
	if m.TextContent == nil {
		return ""
	}
	return strings.TrimSpace(*m.TextContent)
}

// Site is a reporting unit that daily reports are filed against.
type Site struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Location  *string   `db:"location"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// Supervisor maps an inbound sender to at most one site.
type Supervisor struct {
	ID        string    `db:"id"`
	SenderID  string    `db:"sender_id"`
	Name      *string   `db:"name"`
	SiteID    *string   `db:"site_id"`
	CreatedAt time.Time `db:"created_at"`
}

// DailyReport is the consolidated report of one site for one calendar date.
type DailyReport struct {
	ID              string    `db:"id"`
	SiteID          string    `db:"site_id"`
	ReportDate      string    `db:"report_date"`
	WorkersPresent  *int      `db:"workers_present"`
	WorkDone        *string   `db:"work_done"`
	MaterialsNeeded *string   `db:"materials_needed"`
	IssuesFlagged   *string   `db:"issues_flagged"`
	Summary         *string   `db:"summary"`
	RawCombinedText string    `db:"raw_combined_text"`
	SourceKinds     Kinds     `db:"source_kinds"`
	ReceivedAt      time.Time `db:"received_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// MediaAttachment is one stored media object linked to a report.
type MediaAttachment struct {
	ID         string      `db:"id"`
	ReportID   string      `db:"report_id"`
	PublicURL  string      `db:"public_url"`
	StorageKey string      `db:"storage_key"`
	Kind       MessageKind `db:"kind"`
	MimeType   string      `db:"mime_type"`
	Position   int         `db:"position"`
	CreatedAt  time.Time   `db:"created_at"`
}
