package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/sitelog/internal/database"
)

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "environment: development\n" +
		"logger:\n  level: error\n  json: false\n" +
		"database:\n  path: " + dbPath + "\n" +
		"gemini:\n  api_key: test-key\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSeedCommandMapsSender(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sitelog.db")
	cfgPath := writeConfig(t, dbPath)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "seed",
		"--site", "Tower A", "--site-id", "site-tower-a", "--location", "Pune",
		"--sender", "919800000001", "--sender-name", "Ravi"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "919800000001 -> site site-tower-a")

	db, err := database.NewDB(dbPath)
	require.NoError(t, err)
	defer database.CloseDB(db)
	store := database.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	site, err := store.FindSiteForSender(context.Background(), "919800000001")
	require.NoError(t, err)
	require.NotNil(t, site)
	assert.Equal(t, "site-tower-a", site.ID)
	assert.Equal(t, "Tower A", site.Name)
}

func TestSeedCommandRequiresSite(t *testing.T) {
	cfgPath := writeConfig(t, filepath.Join(t.TempDir(), "sitelog.db"))

	code := run(context.Background(), []string{"--config", cfgPath, "seed", "--sender", "1"})
	assert.Equal(t, 1, code)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: nowhere\n"), 0o600))

	assert.Equal(t, 1, run(context.Background(), []string{"--config", path, "seed", "--site", "X"}))
}
