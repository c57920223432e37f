package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "github.com/adforge/adforge-api/errors"
	"github.com/stretchr/testify/require"
)

func TestPlannerCompleteSendsAuth(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("/v1/completions", r.URL.Path)
		require.Equal("Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"text": "[{\"segment\": \"hello\", \"prompt\": \"a squirrel waves\"}]"}`))
	}))
	defer server.Close()

	client := NewPlannerClient(server.URL, "test-key")
	text, err := client.Complete(context.Background(), "plan this script")
	require.NoError(err)
	require.Equal(`[{"segment": "hello", "prompt": "a squirrel waves"}]`, text)
}

func TestPlannerCompleteBadRequestIsUnretriable(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "prompt too long", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewPlannerClient(server.URL, "test-key")
	_, err := client.Complete(context.Background(), "plan this script")
	require.Error(err)
	require.True(xerrors.IsUnretriable(err))
	require.Contains(err.Error(), "prompt too long")
}

func TestSpeechSynthesizeRejectsEmptyAudio(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewSpeechClient(server.URL, "test-key")
	_, err := client.Synthesize(context.Background(), "hello world", "voice_1")
	require.Error(err)
	require.Contains(err.Error(), "empty voice track")
}

func TestSpeechSynthesizeReturnsAudio(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("/v1/audio/speech", r.URL.Path)
		_, _ = w.Write([]byte("fake-mp3-bytes"))
	}))
	defer server.Close()

	client := NewSpeechClient(server.URL, "test-key")
	audio, err := client.Synthesize(context.Background(), "hello world", "voice_1")
	require.NoError(err)
	require.Equal([]byte("fake-mp3-bytes"), audio)
}

func TestVerifyClipParsesVerdict(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("/v1/video/verify", r.URL.Path)
		_, _ = w.Write([]byte(`{"matches": true, "confidence": 0.92, "notes": "character speaks the expected line"}`))
	}))
	defer server.Close()

	client := NewVisionClient(server.URL, "test-key")
	result, err := client.VerifyClip(context.Background(), "https://example.com/clip_0.mp4", "hello")
	require.NoError(err)
	require.True(result.Matches)
	require.InDelta(0.92, result.Confidence, 0.001)
}
