// Package whatsapp integrates with the WhatsApp Cloud API: webhook payload
// normalization and media download through the Graph API.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/edgard/sitelog/internal/config"
	"github.com/edgard/sitelog/internal/media"
)

// Client resolves WhatsApp media IDs to bytes.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiVersion    string
	token         string
	phoneNumberID string
	maxBytes      int64
	logger        *slog.Logger
}

// NewClient creates a Graph API client. httpClient may be nil.
func NewClient(cfg config.WhatsAppConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.DownloadTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(cfg.GraphBaseURL, "/"),
		apiVersion:    cfg.APIVersion,
		token:         cfg.Token,
		phoneNumberID: cfg.PhoneNumberID,
		maxBytes:      cfg.MaxDownloadBytes,
		logger:        logger.With("component", "whatsapp_client"),
	}
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// Resolve implements media.Resolver. The ref is a WhatsApp media ID; the Graph
// API first returns a short-lived download URL, then the bytes are fetched from it.
func (c *Client) Resolve(ctx context.Context, mediaID string) (media.Media, error) {
	if c.token == "" {
		return media.Media{}, fmt.Errorf("whatsapp token is not configured")
	}
	if strings.TrimSpace(mediaID) == "" {
		return media.Media{}, fmt.Errorf("empty media id: %w", media.ErrNotFound)
	}

	info, err := c.lookupMedia(ctx, mediaID)
	if err != nil {
		return media.Media{}, err
	}

	data, contentType, err := c.download(ctx, info.URL)
	if err != nil {
		return media.Media{}, fmt.Errorf("failed to download media %s: %w", mediaID, err)
	}

	declared := info.MimeType
	if declared == "" {
		declared = contentType
	}

	c.logger.DebugContext(ctx, "Resolved WhatsApp media", "media_id", mediaID, "size", len(data), "mime_type", declared)
	return media.Media{Data: data, MimeType: media.DetectMimeType(declared, data)}, nil
}

func (c *Client) lookupMedia(ctx context.Context, mediaID string) (*mediaInfo, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, url.PathEscape(mediaID))
	if c.phoneNumberID != "" {
		endpoint += "?" + url.Values{"phone_number_id": {c.phoneNumberID}}.Encode()
	}

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to look up media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("media %s: %w", mediaID, media.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.WarnContext(ctx, "WhatsApp media lookup failed", "media_id", mediaID, "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("media lookup for %s returned status %d", mediaID, resp.StatusCode)
	}

	var info mediaInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode media lookup for %s: %w", mediaID, err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("media lookup for %s returned no url: %w", mediaID, media.ErrNotFound)
	}
	if c.maxBytes > 0 && info.FileSize > c.maxBytes {
		return nil, fmt.Errorf("media %s is %d bytes, limit is %d", mediaID, info.FileSize, c.maxBytes)
	}
	return &info, nil
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	limit := c.maxBytes
	if limit <= 0 {
		limit = config.DefaultWhatsAppMaxDownloadBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("media exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty media body: %w", media.ErrNotFound)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.httpClient.Do(req)
}
