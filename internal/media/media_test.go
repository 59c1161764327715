package media_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/sitelog/internal/media"
)

func TestRouterDispatch(t *testing.T) {
	t.Parallel()

	var gotTelegram, gotDefault string
	router := media.NewRouter(media.ResolverFunc(func(_ context.Context, ref string) (media.Media, error) {
		gotDefault = ref
		return media.Media{Data: []byte("wa"), MimeType: "image/jpeg"}, nil
	}))
	router.Handle("telegram", media.ResolverFunc(func(_ context.Context, ref string) (media.Media, error) {
		gotTelegram = ref
		return media.Media{Data: []byte("tg"), MimeType: "audio/ogg"}, nil
	}))

	m, err := router.Resolve(context.Background(), "telegram:AgADBAAD")
	require.NoError(t, err)
	assert.Equal(t, "tg", string(m.Data))
	assert.Equal(t, "AgADBAAD", gotTelegram)

	m, err = router.Resolve(context.Background(), "1234567890")
	require.NoError(t, err)
	assert.Equal(t, "wa", string(m.Data))
	assert.Equal(t, "1234567890", gotDefault)

	// Unknown schemes are passed through whole.
	_, err = router.Resolve(context.Background(), "other:abc")
	require.NoError(t, err)
	assert.Equal(t, "other:abc", gotDefault)
}

func TestRouterWithoutFallback(t *testing.T) {
	t.Parallel()

	_, err := media.NewRouter(nil).Resolve(context.Background(), "abc")
	assert.True(t, errors.Is(err, media.ErrNotFound))
}

func TestDetectMimeType(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	assert.Equal(t, "audio/ogg", media.DetectMimeType("audio/ogg; codecs=opus", nil))
	assert.Equal(t, "image/png", media.DetectMimeType("", png))
	assert.Equal(t, "image/png", media.DetectMimeType("application/octet-stream", png))
	assert.Equal(t, "image/jpeg", media.DetectMimeType("Image/JPEG", nil))
}
