package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestGinMiddlewareLogsStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	log := newLogger(&buf, "info", true)

	r := gin.New()
	r.Use(GinMiddleware(log))
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "/missing", entry["path"])
	assert.EqualValues(t, http.StatusNotFound, entry["status"])
	assert.Equal(t, "http", entry["component"])
}

func TestMessageContentType(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		msg      *models.Message
		expected string
	}{
		{name: "text", msg: &models.Message{Text: "hi"}, expected: "text"},
		{name: "voice", msg: &models.Message{Voice: &models.Voice{FileID: "v"}}, expected: "voice"},
		{name: "photo", msg: &models.Message{Photo: []models.PhotoSize{{FileID: "p"}}}, expected: "photo"},
		{name: "video", msg: &models.Message{Video: &models.Video{FileID: "x"}}, expected: "video"},
		{name: "sticker", msg: &models.Message{}, expected: "other"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, messageContentType(tc.msg))
		})
	}
}

func TestTruncateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
	assert.Equal(t, "नमस...", truncateString("नमस्ते दुनिया", 6))
}
