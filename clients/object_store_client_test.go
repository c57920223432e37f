package clients

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

const exampleFileContents = "زن, زندگی, آزادی "

func TestItCanDownloadAnOSURL(t *testing.T) {
	// Create a temporary file on the local filesystem
	f, err := os.CreateTemp(os.TempDir(), "clip*.mp4")
	require.NoError(t, err)

	// Write some data to it
	_, err = f.WriteString(exampleFileContents)
	require.NoError(t, err)

	// Try to "download" it using the OS URL format for local filesystem files
	rc, err := DownloadOSURL(f.Name())
	require.NoError(t, err)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, rc)
	require.NoError(t, err)

	// Check that the file we downloaded matches the one we created
	require.Equal(t, exampleFileContents, buf.String())
}

func TestItFailsWithInvalidURLs(t *testing.T) {
	_, err := DownloadOSURL("s4+htps://123/456.mp4")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse OS URL")
	require.Contains(t, err.Error(), "unrecognized OS scheme")
}

func TestItFailsWithMissingFile(t *testing.T) {
	_, err := DownloadOSURL("/tmp/this/should/not/exist.mp4")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read from OS URL")
	require.Contains(t, err.Error(), "no such file or directory")
}

func TestItCanUploadToAnOSURL(t *testing.T) {
	dir := t.TempDir()

	err := UploadToOSURL(dir, "clip_0.mp4", strings.NewReader(exampleFileContents), 1*time.Second)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "clip_0.mp4"))
	require.NoError(t, err)
	require.Equal(t, exampleFileContents, string(content))
}

func TestItCanListAnOSURL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip_0.mp4"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip_1.mp4"), []byte("b"), 0644))

	page, err := ListOSURL(context.Background(), dir)
	require.NoError(t, err)

	var names []string
	for _, f := range page.Files() {
		names = append(names, filepath.Base(f.Name))
	}
	require.Len(t, names, 2)
	require.Contains(t, names, "clip_0.mp4")
	require.Contains(t, names, "clip_1.mp4")
}

func TestItCanDeleteAnOSURL(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "frame_0.png")
	require.NoError(t, os.WriteFile(target, []byte("frame"), 0644))

	require.NoError(t, DeleteOSURL(context.Background(), target))

	_, err := os.Stat(target)
	require.True(t, os.IsNotExist(err))
}

func TestUploadRetryBackoffIsBounded(t *testing.T) {
	b := UploadRetryBackoff()

	require.Equal(t, 30*time.Second, b.NextBackOff())
	require.Equal(t, 30*time.Second, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())
}
