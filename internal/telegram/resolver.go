package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/sitelog/internal/media"
)

// DefaultFileBaseURL serves files returned by getFile.
const DefaultFileBaseURL = "https://api.telegram.org"

const defaultMaxDownloadBytes = 20 << 20

// FileGetter is the part of *bot.Bot the resolver needs.
type FileGetter interface {
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
}

// FileResolver downloads Telegram files by file ID.
type FileResolver struct {
	files      FileGetter
	token      string
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
}

// NewFileResolver creates a resolver. httpClient may be nil; maxBytes <= 0 uses the Bot API limit.
func NewFileResolver(files FileGetter, token string, httpClient *http.Client, maxBytes int64) *FileResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxDownloadBytes
	}
	return &FileResolver{
		files:      files,
		token:      token,
		baseURL:    DefaultFileBaseURL,
		httpClient: httpClient,
		maxBytes:   maxBytes,
	}
}

// WithBaseURL overrides the file server URL.
func (r *FileResolver) WithBaseURL(baseURL string) *FileResolver {
	r.baseURL = strings.TrimRight(baseURL, "/")
	return r
}

// Resolve implements media.Resolver for bare file IDs.
func (r *FileResolver) Resolve(ctx context.Context, fileID string) (media.Media, error) {
	if fileID == "" {
		return media.Media{}, fmt.Errorf("empty file id: %w", media.ErrNotFound)
	}
	if ctx.Err() != nil {
		return media.Media{}, fmt.Errorf("context cancelled before file download: %w", ctx.Err())
	}

	fileObj, err := r.files.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return media.Media{}, fmt.Errorf("failed to get file %s: %w", fileID, err)
	}
	if fileObj == nil || fileObj.FilePath == "" {
		return media.Media{}, fmt.Errorf("empty file path returned for %s: %w", fileID, media.ErrNotFound)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", r.baseURL, r.token, fileObj.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return media.Media{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return media.Media{}, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return media.Media{}, fmt.Errorf("unexpected status code %d downloading %s", resp.StatusCode, fileID)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return media.Media{}, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	if int64(len(data)) > r.maxBytes {
		return media.Media{}, fmt.Errorf("file %s exceeds %d bytes", fileID, r.maxBytes)
	}

	return media.Media{Data: data, MimeType: media.DetectMimeType(resp.Header.Get("Content-Type"), data)}, nil
}
