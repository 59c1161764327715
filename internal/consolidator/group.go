package consolidator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/events"
	"github.com/edgard/sitelog/internal/extraction"
	"github.com/edgard/sitelog/internal/media"
	"github.com/edgard/sitelog/internal/metrics"
)

const deleteTimeout = 30 * time.Second

// mediaItem is one media message of a group. Audio is resolved while building
// the text, so its bytes are kept for the upload.
type mediaItem struct {
	msg        *database.BufferedMessage
	resolved   *media.Media
	resolveErr error
}

// content is the merged text and media of one sender group.
type content struct {
	parts []string
	media []*mediaItem
	kinds database.Kinds
}

func (c *Consolidator) processGroup(ctx context.Context, group senderGroup) string {
	log := c.logger.With("sender_id", group.senderID, "messages", len(group.messages))

	site, err := c.store.FindSiteForSender(ctx, group.senderID)
	if err != nil {
		log.ErrorContext(ctx, "Failed to resolve site for sender, will retry next run", "error", err)
		return metrics.OutcomeFailed
	}
	if site == nil {
		log.WarnContext(ctx, "No active site mapped for sender, discarding messages")
		if err := c.deleteRows(ctx, group); err != nil {
			return metrics.OutcomeFailed
		}
		return metrics.OutcomeSkippedUnmapped
	}
	log = log.With("site_id", site.ID)

	// Two senders may report for the same site; their merges must not interleave.
	unlock := c.lockSite(site.ID)
	defer unlock()

	body := c.buildContent(ctx, group)
	if len(body.parts) == 0 {
		if len(body.media) == 0 {
			log.WarnContext(ctx, "No processable content for sender, discarding messages")
			if err := c.deleteRows(ctx, group); err != nil {
				return metrics.OutcomeFailed
			}
			return metrics.OutcomeSkippedEmpty
		}
		body.parts = []string{MediaPlaceholder}
	}
	newText := strings.Join(body.parts, "\n")

	now := c.opts.Clock.Now()
	reportDate := now.In(c.opts.Location).Format(DateLayout)

	existing, err := c.store.FindReportByUnitAndDate(ctx, site.ID, reportDate)
	if err != nil {
		log.ErrorContext(ctx, "Failed to look up same-day report, will retry next run", "report_date", reportDate, "error", err)
		return metrics.OutcomeFailed
	}

	combined := newText
	kinds := body.kinds
	nextPosition := make(map[database.MessageKind]int)
	if existing != nil {
		combined = existing.RawCombinedText + MergeSeparator + newText
		kinds = existing.SourceKinds.Union(kinds)

		prior, err := c.store.ListMediaByReport(ctx, existing.ID)
		if err != nil {
			log.ErrorContext(ctx, "Failed to list attachments of same-day report", "report_id", existing.ID, "error", err)
			return metrics.OutcomeFailed
		}
		for _, m := range prior {
			if m.Position >= nextPosition[m.Kind] {
				nextPosition[m.Kind] = m.Position + 1
			}
		}
		log.InfoContext(ctx, "Merging into existing same-day report", "report_id", existing.ID, "prior_media", len(prior))
	}

	fields := c.extract(ctx, combined, existing)

	report := &database.DailyReport{
		SiteID:          site.ID,
		ReportDate:      reportDate,
		WorkersPresent:  fields.WorkersPresent,
		WorkDone:        fields.WorkDone,
		MaterialsNeeded: fields.MaterialsNeeded,
		IssuesFlagged:   fields.IssuesFlagged,
		Summary:         fields.Summary,
		RawCombinedText: combined,
		SourceKinds:     kinds,
		ReceivedAt:      now,
	}
	if existing != nil {
		report.ID = existing.ID
		report.CreatedAt = existing.CreatedAt
	}
	if err := c.store.UpsertReportByUnitAndDate(ctx, report); err != nil {
		log.ErrorContext(ctx, "Failed to persist report, keeping buffered messages", "report_date", reportDate, "error", err)
		return metrics.OutcomeFailed
	}

	// The report is written. Cancelling the run from here on would leave the
	// consumed rows buffered and the next run would merge them a second time.
	ctx = context.WithoutCancel(ctx)

	stored := 0
	for _, item := range body.media {
		if c.storeMedia(ctx, report.ID, item, nextPosition) {
			stored++
		}
	}

	if err := c.deleteRows(ctx, group); err != nil {
		return metrics.OutcomeFailed
	}
	c.publish(ctx, group, report, existing != nil, stored)

	log.InfoContext(ctx, "Consolidated sender group",
		"report_id", report.ID, "report_date", reportDate, "stored_media", stored, "merged", existing != nil)
	return metrics.OutcomeProcessed
}

// buildContent walks the group in order and produces its text lines and media items.
func (c *Consolidator) buildContent(ctx context.Context, group senderGroup) content {
	var body content
	for _, msg := range group.messages {
		body.kinds = body.kinds.Union(database.Kinds{msg.Kind})

		switch msg.Kind {
		case database.KindText:
			if text := msg.Text(); text != "" {
				body.parts = append(body.parts, text)
			}

		case database.KindAudio:
			if msg.MediaRef == nil || *msg.MediaRef == "" {
				continue
			}
			item := &mediaItem{msg: msg}
			body.media = append(body.media, item)

			resolved, err := c.resolve(ctx, msg)
			if err != nil {
				item.resolveErr = err
				c.logger.WarnContext(ctx, "Failed to resolve voice note", "buffer_id", msg.ID, "error", err)
				continue
			}
			item.resolved = &resolved
			if transcript := c.transcribe(ctx, msg, resolved); transcript != "" {
				body.parts = append(body.parts, VoiceNoteLabel+transcript)
			}

		case database.KindImage, database.KindVideo:
			if msg.MediaRef != nil && *msg.MediaRef != "" {
				body.media = append(body.media, &mediaItem{msg: msg})
			}
			if caption := msg.Text(); caption != "" {
				label := ImageCaptionLabel
				if msg.Kind == database.KindVideo {
					label = VideoCaptionLabel
				}
				body.parts = append(body.parts, label+caption)
			}

		default:
			c.logger.WarnContext(ctx, "Ignoring buffered message of unknown kind", "buffer_id", msg.ID, "kind", msg.Kind)
		}
	}
	return body
}

func (c *Consolidator) resolve(ctx context.Context, msg *database.BufferedMessage) (media.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.MediaTimeout)
	defer cancel()

	resolved, err := c.resolver.Resolve(ctx, *msg.MediaRef)
	if err != nil {
		return media.Media{}, err
	}
	if len(resolved.Data) == 0 {
		return media.Media{}, media.ErrNotFound
	}

	declared := resolved.MimeType
	if declared == "" && msg.MediaMimeType != nil {
		declared = *msg.MediaMimeType
	}
	resolved.MimeType = media.DetectMimeType(declared, resolved.Data)
	return resolved, nil
}

func (c *Consolidator) transcribe(ctx context.Context, msg *database.BufferedMessage, audio media.Media) string {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ExtractionTimeout)
	defer cancel()

	transcript, err := c.extractor.TranscribeAudio(ctx, audio.Data, audio.MimeType)
	if err != nil {
		c.logger.WarnContext(ctx, "Transcription failed, voice note contributes no text", "buffer_id", msg.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(transcript)
}

// extract runs field extraction. When the call itself fails, a merged report
// keeps its previous fields and a new one gets none.
func (c *Consolidator) extract(ctx context.Context, combined string, existing *database.DailyReport) extraction.Fields {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ExtractionTimeout)
	defer cancel()

	fields, err := c.extractor.ExtractFields(ctx, combined)
	if err == nil {
		return fields
	}

	c.logger.WarnContext(ctx, "Extraction failed, recording report without new fields", "error", err)
	if existing == nil {
		return extraction.Fields{}
	}
	return extraction.Fields{
		WorkersPresent:  existing.WorkersPresent,
		WorkDone:        existing.WorkDone,
		MaterialsNeeded: existing.MaterialsNeeded,
		IssuesFlagged:   existing.IssuesFlagged,
		Summary:         existing.Summary,
	}
}

// storeMedia uploads one item and records the attachment. Positions advance
// only for stored items.
func (c *Consolidator) storeMedia(ctx context.Context, reportID string, item *mediaItem, nextPosition map[database.MessageKind]int) bool {
	kind := item.msg.Kind
	log := c.logger.With("report_id", reportID, "buffer_id", item.msg.ID, "kind", kind)

	if item.resolveErr != nil {
		c.metrics.MediaHandled(string(kind), metrics.OutcomeFailed)
		return false
	}
	if item.resolved == nil {
		resolved, err := c.resolve(ctx, item.msg)
		if err != nil {
			if errors.Is(err, media.ErrNotFound) {
				log.WarnContext(ctx, "Media no longer available, skipping attachment", "error", err)
			} else {
				log.WarnContext(ctx, "Failed to download media, skipping attachment", "error", err)
			}
			c.metrics.MediaHandled(string(kind), metrics.OutcomeFailed)
			return false
		}
		item.resolved = &resolved
	}

	position := nextPosition[kind]
	ctx, cancel := context.WithTimeout(ctx, c.opts.MediaTimeout)
	defer cancel()

	obj, err := c.uploader.Upload(ctx, kind, item.resolved.Data, item.resolved.MimeType, reportID, position)
	if err != nil {
		log.WarnContext(ctx, "Failed to upload media, skipping attachment", "position", position, "error", err)
		c.metrics.MediaHandled(string(kind), metrics.OutcomeFailed)
		return false
	}

	attachment := &database.MediaAttachment{
		ReportID:   reportID,
		PublicURL:  obj.URL,
		StorageKey: obj.Key,
		Kind:       kind,
		MimeType:   item.resolved.MimeType,
		Position:   position,
	}
	if err := c.store.InsertMedia(ctx, attachment); err != nil {
		log.WarnContext(ctx, "Failed to record attachment, removing uploaded blob", "key", obj.Key, "error", err)
		if rmErr := c.uploader.Remove(ctx, kind, obj.Key); rmErr != nil {
			log.WarnContext(ctx, "Failed to remove orphaned blob", "key", obj.Key, "error", rmErr)
		}
		c.metrics.MediaHandled(string(kind), metrics.OutcomeFailed)
		return false
	}

	nextPosition[kind] = position + 1
	c.metrics.MediaHandled(string(kind), metrics.OutcomeStored)
	return true
}

func (c *Consolidator) lockSite(siteID string) func() {
	mu, _ := c.siteLocks.LoadOrStore(siteID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// deleteRows removes the consumed rows of a group. It runs detached from the
// caller's cancellation, bounded by deleteTimeout.
func (c *Consolidator) deleteRows(ctx context.Context, group senderGroup) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()

	ids := make([]int64, 0, len(group.messages))
	for _, msg := range group.messages {
		ids = append(ids, msg.ID)
	}
	if _, err := c.store.DeleteBufferedMessages(ctx, ids); err != nil {
		c.logger.ErrorContext(ctx, "Failed to delete consumed buffer rows", "sender_id", group.senderID, "error", err)
		return fmt.Errorf("failed to delete buffer rows: %w", err)
	}
	return nil
}

func (c *Consolidator) publish(ctx context.Context, group senderGroup, report *database.DailyReport, merged bool, stored int) {
	kinds := make([]string, 0, len(report.SourceKinds))
	for _, k := range report.SourceKinds {
		kinds = append(kinds, string(k))
	}
	event := events.ReportEvent{
		ReportID:     report.ID,
		SiteID:       report.SiteID,
		ReportDate:   report.ReportDate,
		SenderID:     group.senderID,
		Merged:       merged,
		MessageCount: len(group.messages),
		MediaCount:   stored,
		SourceKinds:  kinds,
		OccurredAt:   c.opts.Clock.Now().UTC(),
	}
	if err := c.events.Publish(ctx, events.ReportConsolidated, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish report event", "report_id", report.ID, "error", err)
	}
}
