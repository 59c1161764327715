// Package consolidator turns each sender's quiet burst of buffered messages
// into one structured daily report for their site.
package consolidator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/events"
	"github.com/edgard/sitelog/internal/extraction"
	"github.com/edgard/sitelog/internal/lock"
	"github.com/edgard/sitelog/internal/media"
	"github.com/edgard/sitelog/internal/metrics"
	"github.com/edgard/sitelog/internal/storage"
)

// Text conventions of the combined report text.
const (
	VoiceNoteLabel    = "[Voice note]: "
	ImageCaptionLabel = "[Image caption]: "
	VideoCaptionLabel = "[Video caption]: "
	MediaPlaceholder  = "[Media attached, no caption]"
	MergeSeparator    = "\n---\n"
	DateLayout        = "2006-01-02"
)

// DefaultLockKey names the gate key when Options.LockKey is empty.
const DefaultLockKey = "sitelog:consolidation"

// Uploader stores media blobs.
type Uploader interface {
	Upload(ctx context.Context, kind database.MessageKind, data []byte, mimeType, reportID string, position int) (storage.Object, error)
	Remove(ctx context.Context, kind database.MessageKind, key string) error
}

// Deps are the collaborators of a Consolidator. Events and Metrics are optional.
type Deps struct {
	Store     database.Store
	Resolver  media.Resolver
	Extractor extraction.Extractor
	Uploader  Uploader
	Gate      lock.Gate
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options tune a Consolidator. Zero values select the defaults noted.
type Options struct {
	Clock             clockwork.Clock // real clock
	Location          *time.Location  // UTC
	QuietPeriod       time.Duration   // 30m
	Concurrency       int             // 4
	ExtractionTimeout time.Duration   // 90s
	MediaTimeout      time.Duration   // 60s
	LockKey           string          // DefaultLockKey
}

// Result summarizes one run.
type Result struct {
	ProcessedGroups int `json:"processed"`
	SkippedGroups   int `json:"skipped_groups"`
	FailedGroups    int `json:"failed_groups"`
	SkippedForLock  int `json:"skipped_for_lock"`
}

// Consolidator runs consolidation passes over the message buffer.
type Consolidator struct {
	store     database.Store
	resolver  media.Resolver
	extractor extraction.Extractor
	uploader  Uploader
	gate      lock.Gate
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options

	siteLocks sync.Map
}

// New validates deps and applies option defaults.
func New(deps Deps, opts Options) (*Consolidator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("consolidator requires a store")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("consolidator requires a media resolver")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("consolidator requires an extractor")
	case deps.Uploader == nil:
		return nil, fmt.Errorf("consolidator requires an uploader")
	case deps.Gate == nil:
		return nil, fmt.Errorf("consolidator requires a lock gate")
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 30 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ExtractionTimeout <= 0 {
		opts.ExtractionTimeout = 90 * time.Second
	}
	if opts.MediaTimeout <= 0 {
		opts.MediaTimeout = 60 * time.Second
	}
	if opts.LockKey == "" {
		opts.LockKey = DefaultLockKey
	}

	return &Consolidator{
		store:     deps.Store,
		resolver:  deps.Resolver,
		extractor: deps.Extractor,
		uploader:  deps.Uploader,
		gate:      deps.Gate,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "consolidator"),
		opts:      opts,
	}, nil
}

// Run performs one consolidation pass under the gate. It returns an error only
// when the buffer cannot be read; per-group failures are counted in the result.
// A run that finds the gate held returns SkippedForLock = 1.
func (c *Consolidator) Run(ctx context.Context) (Result, error) {
	start := c.opts.Clock.Now()

	var result Result
	var runErr error
	acquired, err := lock.WithLock(ctx, c.gate, c.opts.LockKey, func(ctx context.Context) error {
		result, runErr = c.consolidate(ctx)
		return runErr
	})

	switch {
	case !acquired:
		if err != nil {
			c.logger.WarnContext(ctx, "Lock acquisition failed, skipping run", "key", c.opts.LockKey, "error", err)
		} else {
			c.logger.InfoContext(ctx, "Another consolidation run holds the lock, skipping", "key", c.opts.LockKey)
		}
		c.metrics.RunFinished(metrics.OutcomeSkippedForLock, c.opts.Clock.Since(start))
		return Result{SkippedForLock: 1}, nil

	case runErr != nil:
		c.metrics.RunFinished(metrics.OutcomeFailed, c.opts.Clock.Since(start))
		return result, runErr

	case err != nil:
		c.logger.WarnContext(ctx, "Consolidation finished but lock release failed", "error", err)
	}

	c.metrics.RunFinished(metrics.OutcomeCompleted, c.opts.Clock.Since(start))
	if count, err := c.store.CountBufferedMessages(ctx); err == nil {
		c.metrics.SetBufferedMessages(count)
	}

	c.logger.InfoContext(ctx, "Consolidation run finished",
		"processed", result.ProcessedGroups, "skipped", result.SkippedGroups,
		"failed", result.FailedGroups, "duration", c.opts.Clock.Since(start))
	return result, nil
}

type senderGroup struct {
	senderID string
	messages []*database.BufferedMessage
}

// groupBySender keeps the input order both across and within groups.
func groupBySender(rows []*database.BufferedMessage) []senderGroup {
	index := make(map[string]int)
	var groups []senderGroup
	for _, row := range rows {
		i, ok := index[row.SenderID]
		if !ok {
			i = len(groups)
			index[row.SenderID] = i
			groups = append(groups, senderGroup{senderID: row.SenderID})
		}
		groups[i].messages = append(groups[i].messages, row)
	}
	return groups
}

func (c *Consolidator) consolidate(ctx context.Context) (Result, error) {
	cutoff := c.opts.Clock.Now().Add(-c.opts.QuietPeriod)
	rows, err := c.store.SelectStale(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("failed to select stale messages: %w", err)
	}
	if len(rows) == 0 {
		c.logger.DebugContext(ctx, "No stale buffered messages", "cutoff", cutoff)
		return Result{}, nil
	}

	groups := groupBySender(rows)
	c.logger.InfoContext(ctx, "Consolidating buffered messages", "messages", len(rows), "senders", len(groups))

	var (
		mu     sync.Mutex
		result Result
	)
	g := new(errgroup.Group)
	g.SetLimit(c.opts.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			outcome := c.processGroupSafe(ctx, group)
			c.metrics.GroupFinished(outcome)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case metrics.OutcomeProcessed:
				result.ProcessedGroups++
			case metrics.OutcomeSkippedUnmapped, metrics.OutcomeSkippedEmpty:
				result.SkippedGroups++
			default:
				result.FailedGroups++
			}
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

// processGroupSafe contains panics to the group that raised them.
func (c *Consolidator) processGroupSafe(ctx context.Context, group senderGroup) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "Panic while consolidating sender group",
				"sender_id", group.senderID, "panic", r)
			outcome = metrics.OutcomeFailed
		}
	}()
	return c.processGroup(ctx, group)
}
