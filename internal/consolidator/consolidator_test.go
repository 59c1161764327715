package consolidator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/events"
	"github.com/edgard/sitelog/internal/extraction"
	"github.com/edgard/sitelog/internal/lock"
	"github.com/edgard/sitelog/internal/media"
	"github.com/edgard/sitelog/internal/storage"
)

const (
	senderA = "919800000001"
	senderB = "919800000002"
	siteID  = "site-tower-a"
)

type fakeResolver struct {
	mu    sync.Mutex
	items map[string]media.Media
	calls map[string]int
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) (media.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ref]++
	m, ok := f.items[ref]
	if !ok {
		return media.Media{}, fmt.Errorf("ref %s: %w", ref, media.ErrNotFound)
	}
	return m, nil
}

func (f *fakeResolver) callCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

type fakeExtractor struct {
	mu          sync.Mutex
	fields      extraction.Fields
	err         error
	panicOn     string
	parseRaw    *string
	transcripts map[string]string
	texts       []string
}

func (f *fakeExtractor) ExtractFields(_ context.Context, text string) (extraction.Fields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.panicOn != "" && strings.Contains(text, f.panicOn) {
		panic("extractor exploded")
	}
	if f.err != nil {
		return extraction.Fields{}, f.err
	}
	if f.parseRaw != nil {
		return extraction.ParseFields(*f.parseRaw), nil
	}
	return f.fields, nil
}

func (f *fakeExtractor) TranscribeAudio(_ context.Context, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.transcripts[string(data)]
	if !ok {
		return "", errors.New("unintelligible")
	}
	return text, nil
}

func (f *fakeExtractor) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  map[string]bool
}

func (f *fakeUploader) Upload(_ context.Context, kind database.MessageKind, data []byte, mimeType, reportID string, position int) (storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[string(data)] {
		return storage.Object{}, errors.New("bucket unavailable")
	}
	key := storage.ObjectKey(kind, mimeType, reportID, position)
	f.objects[string(kind)+"/"+key] = data
	return storage.Object{Bucket: string(kind), Key: key, URL: "https://blobs.test/" + string(kind) + "/" + key}, nil
}

func (f *fakeUploader) Remove(_ context.Context, kind database.MessageKind, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, string(kind)+"/"+key)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ReportEvent
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload.(events.ReportEvent))
	return nil
}

type harness struct {
	store     database.Store
	clock     *clockwork.FakeClock
	resolver  *fakeResolver
	extractor *fakeExtractor
	uploader  *fakeUploader
	gate      *lock.Memory
	events    *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "consolidator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h := &harness{
		store:     database.NewStore(db, nil, database.WithClock(clock)),
		clock:     clock,
		resolver:  &fakeResolver{items: map[string]media.Media{}, calls: map[string]int{}},
		extractor: &fakeExtractor{transcripts: map[string]string{}},
		uploader:  &fakeUploader{objects: map[string][]byte{}, failOn: map[string]bool{}},
		gate:      lock.NewMemory(),
		events:    &recordingPublisher{},
	}

	ctx := context.Background()
	require.NoError(t, h.store.UpsertSite(ctx, &database.Site{ID: siteID, Name: "Tower A", IsActive: true}))
	site := siteID
	require.NoError(t, h.store.UpsertSupervisor(ctx, &database.Supervisor{SenderID: senderA, SiteID: &site}))
	return h
}

func (h *harness) consolidator(t *testing.T, store database.Store, opts Options) *Consolidator {
	t.Helper()
	if store == nil {
		store = h.store
	}
	opts.Clock = h.clock
	if opts.QuietPeriod == 0 {
		opts.QuietPeriod = 30 * time.Minute
	}
	c, err := New(Deps{
		Store:     store,
		Resolver:  h.resolver,
		Extractor: h.extractor,
		Uploader:  h.uploader,
		Gate:      h.gate,
		Events:    h.events,
	}, opts)
	require.NoError(t, err)
	return c
}

func (h *harness) run(t *testing.T) Result {
	t.Helper()
	result, err := h.consolidator(t, nil, Options{}).Run(context.Background())
	require.NoError(t, err)
	return result
}

func ptr(s string) *string { return &s }

func (h *harness) text(t *testing.T, sender, body string) {
	t.Helper()
	require.NoError(t, h.store.AppendMessage(context.Background(), &database.BufferedMessage{
		SenderID: sender, Kind: database.KindText, TextContent: ptr(body),
	}))
}

func (h *harness) mediaMsg(t *testing.T, sender string, kind database.MessageKind, ref, mimeType, caption string) {
	t.Helper()
	msg := &database.BufferedMessage{SenderID: sender, Kind: kind, MediaRef: ptr(ref), MediaMimeType: ptr(mimeType)}
	if caption != "" {
		msg.TextContent = ptr(caption)
	}
	require.NoError(t, h.store.AppendMessage(context.Background(), msg))
}

func (h *harness) buffered(t *testing.T) int {
	t.Helper()
	n, err := h.store.CountBufferedMessages(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) report(t *testing.T, date string) *database.DailyReport {
	t.Helper()
	report, err := h.store.FindReportByUnitAndDate(context.Background(), siteID, date)
	require.NoError(t, err)
	return report
}

func (h *harness) attachments(t *testing.T, reportID string) []*database.MediaAttachment {
	t.Helper()
	list, err := h.store.ListMediaByReport(context.Background(), reportID)
	require.NoError(t, err)
	return list
}

func TestRunExampleScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	workers := 5
	h.extractor.fields = extraction.Fields{WorkersPresent: &workers, Summary: ptr("Plastering on the east wall.")}
	h.resolver.items["wamid-img"] = media.Media{Data: []byte("jpeg-bytes"), MimeType: "image/jpeg"}

	h.text(t, senderA, "5 workers, plastering")
	h.mediaMsg(t, senderA, database.KindImage, "wamid-img", "image/jpeg", "east wall")

	h.clock.Advance(31 * time.Minute)
	result := h.run(t)
	assert.Equal(t, Result{ProcessedGroups: 1}, result)

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Equal(t, "5 workers, plastering\n[Image caption]: east wall", report.RawCombinedText)
	assert.Equal(t, database.Kinds{database.KindImage, database.KindText}, report.SourceKinds)
	require.NotNil(t, report.WorkersPresent)
	assert.Equal(t, 5, *report.WorkersPresent)
	assert.Equal(t, report.RawCombinedText, h.extractor.lastText())

	attachments := h.attachments(t, report.ID)
	require.Len(t, attachments, 1)
	assert.Equal(t, database.KindImage, attachments[0].Kind)
	assert.Equal(t, 0, attachments[0].Position)
	assert.Equal(t, report.ID+"/0.jpg", attachments[0].StorageKey)
	assert.Equal(t, "image/jpeg", attachments[0].MimeType)

	assert.Zero(t, h.buffered(t))
	require.Len(t, h.events.events, 1)
	assert.Equal(t, report.ID, h.events.events[0].ReportID)
	assert.Equal(t, 1, h.events.events[0].MediaCount)
	assert.False(t, h.events.events[0].Merged)
}

func TestRunDebounce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	site := siteID
	require.NoError(t, h.store.UpsertSupervisor(context.Background(), &database.Supervisor{SenderID: senderB, SiteID: &site}))

	h.text(t, senderA, "first")
	h.text(t, senderB, "other sender")

	h.clock.Advance(29 * time.Minute)
	assert.Equal(t, Result{}, h.run(t), "nothing is stale before the quiet period")
	assert.Equal(t, 2, h.buffered(t))

	// A new message from A restarts A's quiet period; B's burst is complete.
	h.text(t, senderA, "second")
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))
	assert.Equal(t, 2, h.buffered(t), "both rows of the active sender stay buffered")

	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))
	assert.Zero(t, h.buffered(t))

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.True(t, strings.HasSuffix(report.RawCombinedText, "first\nsecond"), report.RawCombinedText)
}

func TestRunPreservesReceivedOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	base := h.clock.Now()

	for _, m := range []struct {
		body string
		at   time.Duration
	}{{"third", -1 * time.Minute}, {"first", -3 * time.Minute}, {"second", -2 * time.Minute}} {
		require.NoError(t, h.store.AppendMessage(ctx, &database.BufferedMessage{
			SenderID: senderA, Kind: database.KindText, TextContent: ptr(m.body), ReceivedAt: base.Add(m.at),
		}))
	}

	h.clock.Advance(31 * time.Minute)
	h.run(t)

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Equal(t, "first\nsecond\nthird", report.RawCombinedText)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.text(t, senderA, "done for the day")
	h.clock.Advance(31 * time.Minute)

	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))
	assert.Equal(t, Result{}, h.run(t))

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Equal(t, "done for the day", report.RawCombinedText)
	assert.Len(t, h.events.events, 1)
}

func TestRunSkipsUnmappedSenders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.UpsertSite(ctx, &database.Site{ID: "site-closed", Name: "Closed", IsActive: false}))
	closed := "site-closed"
	require.NoError(t, h.store.UpsertSupervisor(ctx, &database.Supervisor{SenderID: senderB, SiteID: &closed}))

	h.text(t, senderB, "inactive site")
	h.text(t, "919899999999", "unknown number")

	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, Result{SkippedGroups: 2}, h.run(t))
	assert.Zero(t, h.buffered(t))
	assert.Nil(t, h.report(t, "2025-03-10"))
	assert.Empty(t, h.extractor.texts)
}

func TestRunSkipsEmptyContent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.text(t, senderA, "   ")
	h.clock.Advance(31 * time.Minute)

	assert.Equal(t, Result{SkippedGroups: 1}, h.run(t))
	assert.Zero(t, h.buffered(t))
	assert.Nil(t, h.report(t, "2025-03-10"))
}

func TestRunMediaOnlyUsesPlaceholder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.items["vid-1"] = media.Media{Data: []byte("mp4-bytes"), MimeType: "video/mp4"}

	h.mediaMsg(t, senderA, database.KindVideo, "vid-1", "video/mp4", "")
	h.clock.Advance(31 * time.Minute)
	h.run(t)

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Equal(t, MediaPlaceholder, report.RawCombinedText)

	attachments := h.attachments(t, report.ID)
	require.Len(t, attachments, 1)
	assert.Equal(t, database.KindVideo, attachments[0].Kind)
	assert.Equal(t, report.ID+"/0.mp4", attachments[0].StorageKey)
}

func TestRunVoiceNote(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.items["voice-1"] = media.Media{Data: []byte("ogg-voice"), MimeType: "audio/ogg"}
	h.extractor.transcripts["ogg-voice"] = "cement khatam ho gaya"

	h.mediaMsg(t, senderA, database.KindAudio, "voice-1", "audio/ogg; codecs=opus", "")
	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Equal(t, "[Voice note]: cement khatam ho gaya", report.RawCombinedText)
	assert.Equal(t, 1, h.resolver.callCount("voice-1"), "audio bytes are reused for the upload")

	attachments := h.attachments(t, report.ID)
	require.Len(t, attachments, 1)
	assert.Equal(t, database.KindAudio, attachments[0].Kind)
	assert.Equal(t, "audio/ogg", attachments[0].MimeType)
}

func TestRunFailedTranscriptionKeepsAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.items["voice-1"] = media.Media{Data: []byte("noise"), MimeType: "audio/ogg"}

	h.mediaMsg(t, senderA, database.KindAudio, "voice-1", "audio/ogg", "")
	h.clock.Advance(31 * time.Minute)
	h.run(t)

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Equal(t, MediaPlaceholder, report.RawCombinedText)
	assert.Len(t, h.attachments(t, report.ID), 1)
}

func TestRunIsolatesMediaFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.items["img-2"] = media.Media{Data: []byte("second-image"), MimeType: "image/png"}
	h.resolver.items["img-3"] = media.Media{Data: []byte("third-image"), MimeType: "image/jpeg"}
	h.resolver.items["img-4"] = media.Media{Data: []byte("fourth-image"), MimeType: "image/jpeg"}
	h.uploader.failOn["third-image"] = true

	h.text(t, senderA, "photos attached")
	h.mediaMsg(t, senderA, database.KindImage, "img-missing", "image/jpeg", "")
	h.mediaMsg(t, senderA, database.KindImage, "img-2", "image/png", "")
	h.mediaMsg(t, senderA, database.KindImage, "img-3", "image/jpeg", "")
	h.mediaMsg(t, senderA, database.KindImage, "img-4", "image/jpeg", "")

	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))
	assert.Zero(t, h.buffered(t))

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	attachments := h.attachments(t, report.ID)
	require.Len(t, attachments, 2)
	assert.Equal(t, 0, attachments[0].Position)
	assert.Equal(t, report.ID+"/0.png", attachments[0].StorageKey)
	assert.Equal(t, 1, attachments[1].Position)
	assert.Equal(t, report.ID+"/1.jpg", attachments[1].StorageKey)
}

func TestRunExtractionFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.extractor.parseRaw = ptr("I could not find any structured data in these messages.")

	h.text(t, senderA, "sab theek hai")
	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	require.NotNil(t, report.Summary)
	assert.Equal(t, "I could not find any structured data in these messages.", *report.Summary)
	assert.Nil(t, report.WorkersPresent)
	assert.Nil(t, report.WorkDone)
	assert.Nil(t, report.MaterialsNeeded)
	assert.Nil(t, report.IssuesFlagged)
}

func TestRunExtractionErrorStillRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.extractor.err = errors.New("model overloaded")

	h.text(t, senderA, "10 workers")
	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Equal(t, "10 workers", report.RawCombinedText)
	assert.Nil(t, report.Summary)
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.text(t, senderA, "waiting")
	h.clock.Advance(31 * time.Minute)

	ok, err := h.gate.TryAcquire(context.Background(), DefaultLockKey)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, Result{SkippedForLock: 1}, h.run(t))
	assert.Equal(t, 1, h.buffered(t))

	require.NoError(t, h.gate.Release(context.Background(), DefaultLockKey))
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))
}

// blockingExtractor parks ExtractFields until release is closed.
type blockingExtractor struct {
	*fakeExtractor
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingExtractor) ExtractFields(ctx context.Context, text string) (extraction.Fields, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeExtractor.ExtractFields(ctx, text)
}

func TestRunConcurrentRunsAreExclusive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.text(t, senderA, "concrete delivered")
	h.clock.Advance(31 * time.Minute)

	extractor := &blockingExtractor{
		fakeExtractor: h.extractor,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	newRunner := func() *Consolidator {
		c, err := New(Deps{Store: h.store, Resolver: h.resolver, Extractor: extractor, Uploader: h.uploader, Gate: h.gate},
			Options{Clock: h.clock})
		require.NoError(t, err)
		return c
	}
	first, second := newRunner(), newRunner()

	done := make(chan Result, 1)
	go func() {
		result, err := first.Run(context.Background())
		assert.NoError(t, err)
		done <- result
	}()

	select {
	case <-extractor.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached extraction")
	}

	result, err := second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{SkippedForLock: 1}, result)
	assert.Equal(t, 1, h.buffered(t), "the skipped run leaves the buffer untouched")
	assert.Nil(t, h.report(t, "2025-03-10"))

	close(extractor.release)
	select {
	case result := <-done:
		assert.Equal(t, Result{ProcessedGroups: 1}, result)
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}
	assert.Equal(t, 0, h.buffered(t))
}

type failingGate struct{}

func (failingGate) TryAcquire(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (failingGate) Release(context.Context, string) error { return nil }

func TestRunTreatsGateErrorAsHeld(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.text(t, senderA, "waiting")
	h.clock.Advance(31 * time.Minute)

	c, err := New(Deps{Store: h.store, Resolver: h.resolver, Extractor: h.extractor, Uploader: h.uploader, Gate: failingGate{}},
		Options{Clock: h.clock})
	require.NoError(t, err)

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{SkippedForLock: 1}, result)
	assert.Equal(t, 1, h.buffered(t))
}

func TestRunMergesSameDayReports(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.items["img-a"] = media.Media{Data: []byte("morning"), MimeType: "image/jpeg"}
	h.resolver.items["img-b"] = media.Media{Data: []byte("evening"), MimeType: "image/jpeg"}
	h.resolver.items["voice"] = media.Media{Data: []byte("voice"), MimeType: "audio/ogg"}
	h.extractor.transcripts["voice"] = "slab done"

	h.text(t, senderA, "morning: 8 workers")
	h.mediaMsg(t, senderA, database.KindImage, "img-a", "image/jpeg", "")
	h.clock.Advance(31 * time.Minute)
	h.run(t)

	first := h.report(t, "2025-03-10")
	require.NotNil(t, first)

	h.clock.Advance(4 * time.Hour)
	h.mediaMsg(t, senderA, database.KindImage, "img-b", "image/jpeg", "evening progress")
	h.mediaMsg(t, senderA, database.KindAudio, "voice", "audio/ogg", "")
	h.clock.Advance(31 * time.Minute)
	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t))

	merged := h.report(t, "2025-03-10")
	require.NotNil(t, merged)
	assert.Equal(t, first.ID, merged.ID)
	assert.True(t, merged.CreatedAt.Equal(first.CreatedAt))
	assert.Equal(t,
		"morning: 8 workers"+MergeSeparator+"[Image caption]: evening progress\n[Voice note]: slab done",
		merged.RawCombinedText)
	assert.Equal(t, database.Kinds{database.KindAudio, database.KindImage, database.KindText}, merged.SourceKinds)
	assert.Equal(t, merged.RawCombinedText, h.extractor.lastText())

	attachments := h.attachments(t, merged.ID)
	require.Len(t, attachments, 3)
	var imagePositions []int
	for _, a := range attachments {
		if a.Kind == database.KindImage {
			imagePositions = append(imagePositions, a.Position)
		}
	}
	assert.Equal(t, []int{0, 1}, imagePositions)

	require.Len(t, h.events.events, 2)
	assert.True(t, h.events.events[1].Merged)
}

type failingUpsertStore struct {
	database.Store
}

func (failingUpsertStore) UpsertReportByUnitAndDate(context.Context, *database.DailyReport) error {
	return errors.New("disk I/O error")
}

func TestRunPersistenceFailureRetainsRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.text(t, senderA, "important update")
	h.clock.Advance(31 * time.Minute)

	result, err := h.consolidator(t, failingUpsertStore{h.store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{FailedGroups: 1}, result)
	assert.Equal(t, 1, h.buffered(t))

	assert.Equal(t, Result{ProcessedGroups: 1}, h.run(t), "the next run retries the retained rows")
}

// cancelAfterUpsertStore cancels the run right after the report is written.
type cancelAfterUpsertStore struct {
	database.Store
	cancel context.CancelFunc
}

func (s cancelAfterUpsertStore) UpsertReportByUnitAndDate(ctx context.Context, report *database.DailyReport) error {
	if err := s.Store.UpsertReportByUnitAndDate(ctx, report); err != nil {
		return err
	}
	s.cancel()
	return nil
}

func TestRunCompletesGroupCancelledAfterPersist(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.items["img"] = media.Media{Data: []byte("slab"), MimeType: "image/jpeg"}

	h.text(t, senderA, "5 workers today")
	h.mediaMsg(t, senderA, database.KindImage, "img", "image/jpeg", "")
	h.clock.Advance(31 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result, err := h.consolidator(t, cancelAfterUpsertStore{Store: h.store, cancel: cancel}, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{ProcessedGroups: 1}, result)
	assert.Equal(t, 0, h.buffered(t), "consumed rows are deleted despite the cancellation")

	report := h.report(t, "2025-03-10")
	require.NotNil(t, report)
	assert.Len(t, h.attachments(t, report.ID), 1)
	require.Len(t, h.events.events, 1)

	assert.Equal(t, Result{}, h.run(t))
	assert.Equal(t, "5 workers today", h.report(t, "2025-03-10").RawCombinedText)
}

type failingDeleteStore struct {
	database.Store
}

func (failingDeleteStore) DeleteBufferedMessages(context.Context, []int64) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestRunCountsFailedDeleteAsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.text(t, senderA, "10 workers")
	h.text(t, senderB, "unmapped sender")
	h.clock.Advance(31 * time.Minute)

	result, err := h.consolidator(t, failingDeleteStore{h.store}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{FailedGroups: 2}, result)
	assert.Equal(t, 2, h.buffered(t))
	assert.Empty(t, h.events.events, "no event is published for a group whose rows were kept")
}

type failingSelectStore struct {
	database.Store
}

func (failingSelectStore) SelectStale(context.Context, time.Time) ([]*database.BufferedMessage, error) {
	return nil, errors.New("database is locked")
}

func TestRunSelectFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.consolidator(t, failingSelectStore{h.store}, Options{}).Run(context.Background())
	assert.ErrorContains(t, err, "database is locked")

	ok, err := h.gate.TryAcquire(context.Background(), DefaultLockKey)
	require.NoError(t, err)
	assert.True(t, ok, "the gate is released after a failed run")
}

func TestRunContainsPanics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	site := siteID
	require.NoError(t, h.store.UpsertSupervisor(context.Background(), &database.Supervisor{SenderID: senderB, SiteID: &site}))
	h.extractor.panicOn = "boom"

	h.text(t, senderA, "boom")
	h.text(t, senderB, "all good")
	h.clock.Advance(31 * time.Minute)

	result, err := h.consolidator(t, nil, Options{Concurrency: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{ProcessedGroups: 1, FailedGroups: 1}, result)
	assert.Equal(t, 1, h.buffered(t), "the panicking group keeps its rows")
}

func TestRunReportDateUsesLocation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.text(t, senderA, "late night pour")

	// 09:00 UTC + 12h31m = 21:31 UTC, which is 03:01 the next day in UTC+05:30.
	h.clock.Advance(12*time.Hour + 31*time.Minute)
	ist := time.FixedZone("IST", 5*3600+1800)
	result, err := h.consolidator(t, nil, Options{Location: ist}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedGroups)

	assert.Nil(t, h.report(t, "2025-03-10"))
	assert.NotNil(t, h.report(t, "2025-03-11"))
}

func TestGroupBySender(t *testing.T) {
	t.Parallel()

	rows := []*database.BufferedMessage{
		{ID: 1, SenderID: "b"}, {ID: 2, SenderID: "a"}, {ID: 3, SenderID: "b"}, {ID: 4, SenderID: "a"},
	}
	groups := groupBySender(rows)
	require.Len(t, groups, 2)
	assert.Equal(t, "b", groups[0].senderID)
	assert.Equal(t, []int64{1, 3}, []int64{groups[0].messages[0].ID, groups[0].messages[1].ID})
	assert.Equal(t, "a", groups[1].senderID)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
