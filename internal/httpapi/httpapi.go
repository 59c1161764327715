// Package httpapi exposes the webhook, cron and admin endpoints over gin.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgard/sitelog/internal/consolidator"
	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/ingest"
	"github.com/edgard/sitelog/internal/logger"
	"github.com/edgard/sitelog/internal/metrics"
	"github.com/edgard/sitelog/internal/retention"
	"github.com/edgard/sitelog/internal/whatsapp"
)

// maxWebhookBody caps the webhook request body.
const maxWebhookBody = 1 << 20

const (
	errUnauthorized  = "unauthorized"
	errSecretMissing = "cron secret is not configured"
)

// Runner runs one consolidation pass.
type Runner interface {
	Run(ctx context.Context) (consolidator.Result, error)
}

// Sweeper deletes reports with their media.
type Sweeper interface {
	Sweep(ctx context.Context) (retention.SweepResult, error)
	DeleteReport(ctx context.Context, reportID string) (retention.SweepResult, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ingester buffers normalized envelopes.
type Ingester interface {
	IngestAll(ctx context.Context, envs []ingest.Envelope) (int, error)
}

// Deps wires the handlers. Metrics may be nil.
type Deps struct {
	Store        Pinger
	Ingester     Ingester
	Consolidator Runner
	Sweeper      Sweeper
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	CronSecret  string
	VerifyToken string
	AppSecret   string

	// RunTimeout bounds a triggered consolidation run. Zero means unbounded.
	RunTimeout time.Duration
}

type handler struct {
	deps Deps
	log  *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{deps: deps, log: deps.Logger.With("component", "httpapi")}

	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(deps.Logger))

	r.GET("/health", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	wa := r.Group("/api/whatsapp")
	{
		wa.GET("/webhook", h.verifyWebhook)
		wa.POST("/webhook", h.receiveWebhook)
	}

	api := r.Group("/api")
	{
		trigger := cronAuth(deps.CronSecret, false)
		api.GET("/processing/trigger", trigger, h.trigger)
		api.POST("/processing/trigger", trigger, h.trigger)

		required := cronAuth(deps.CronSecret, true)
		api.POST("/cleanup/storage", required, h.cleanup)
		api.DELETE("/reports/:id", required, h.deleteReport)
	}

	return r
}

// NewServer wraps the router in an http.Server.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// cronAuth checks "Authorization: Bearer <secret>". With required=false an
// unset secret leaves the route open.
func cronAuth(secret string, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errSecretMissing})
				return
			}
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errUnauthorized})
			return
		}
		c.Next()
	}
}

func (h *handler) health(c *gin.Context) {
	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(c.Request.Context()); err != nil {
			h.log.WarnContext(c.Request.Context(), "Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) verifyWebhook(c *gin.Context) {
	challenge, ok := whatsapp.VerifyChallenge(
		c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"), h.deps.VerifyToken)
	if !ok {
		h.log.WarnContext(c.Request.Context(), "Webhook verification failed")
		c.String(http.StatusForbidden, "Forbidden")
		return
	}
	h.log.InfoContext(c.Request.Context(), "Webhook verification successful")
	c.String(http.StatusOK, challenge)
}

func (h *handler) receiveWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}

	if h.deps.AppSecret != "" {
		if err := whatsapp.VerifySignature(h.deps.AppSecret, body, c.GetHeader(whatsapp.SignatureHeader)); err != nil {
			h.log.WarnContext(ctx, "Rejected webhook with bad signature", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			return
		}
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}

	envs := payload.Envelopes()
	if len(envs) == 0 {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	accepted, err := h.deps.Ingester.IngestAll(ctx, envs)
	if err != nil {
		// A non-2xx makes the provider redeliver.
		h.log.ErrorContext(ctx, "Failed to buffer webhook messages", "accepted", accepted, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to buffer messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "accepted": accepted})
}

func (h *handler) trigger(c *gin.Context) {
	// A caller hanging up must not abort a run halfway through a group.
	ctx := context.WithoutCancel(c.Request.Context())
	if h.deps.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.deps.RunTimeout)
		defer cancel()
	}

	result, err := h.deps.Consolidator.Run(ctx)
	if err != nil {
		h.log.ErrorContext(c.Request.Context(), "Triggered consolidation failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"processed":      result.ProcessedGroups,
		"skipped":        result.SkippedForLock > 0,
		"skipped_groups": result.SkippedGroups,
		"failed_groups":  result.FailedGroups,
	})
}

func (h *handler) cleanup(c *gin.Context) {
	result, err := h.deps.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.log.ErrorContext(c.Request.Context(), "Retention sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"deleted":       result.Reports,
		"blobs_removed": result.Blobs,
		"blob_failures": result.BlobFailures,
	})
}

func (h *handler) deleteReport(c *gin.Context) {
	reportID := strings.TrimSpace(c.Param("id"))
	if reportID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing report id"})
		return
	}

	result, err := h.deps.Sweeper.DeleteReport(c.Request.Context(), reportID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "report not found"})
	case err != nil:
		h.log.ErrorContext(c.Request.Context(), "Failed to delete report", "report_id", reportID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "blobs_removed": result.Blobs})
	}
}
