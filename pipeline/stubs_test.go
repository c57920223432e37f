package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adforge/adforge-api/clients"
	xerrors "github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/video"
	"github.com/stretchr/testify/require"
)

type stubPrompter struct {
	complete func(ctx context.Context, prompt string) (string, error)
}

func (s stubPrompter) Complete(ctx context.Context, prompt string) (string, error) {
	return s.complete(ctx, prompt)
}

type stubVideo struct {
	generate func(ctx context.Context, req clients.VideoGenerationRequest) ([]byte, error)
}

func (s stubVideo) GenerateClip(ctx context.Context, req clients.VideoGenerationRequest) ([]byte, error) {
	return s.generate(ctx, req)
}

type stubSpeech struct {
	synthesize func(ctx context.Context, text, voiceID string) ([]byte, error)
}

func (s stubSpeech) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return s.synthesize(ctx, text, voiceID)
}

type stubVision struct {
	verify func(ctx context.Context, videoURL, expectedText string) (clients.VerificationResult, error)
}

func (s stubVision) VerifyClip(ctx context.Context, videoURL, expectedText string) (clients.VerificationResult, error) {
	return s.verify(ctx, videoURL, expectedText)
}

// stubMuxer produces tiny deterministic outputs so assembly can run without
// an ffmpeg binary. Concat inputs are signed URLs, so the stub records them
// in the output instead of fetching them.
type stubMuxer struct {
	extractFrameErr error
}

func (stubMuxer) ConcatClips(clipRefs []string, outputPath string) error {
	return os.WriteFile(outputPath, []byte(strings.Join(clipRefs, "\n")), 0644)
}

func (stubMuxer) ReplaceAudio(videoPath, audioPath, outputPath string) error {
	content, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, content, 0644)
}

func (s stubMuxer) ExtractLastFrame(videoPath, framePath string) error {
	if s.extractFrameErr != nil {
		return s.extractFrameErr
	}
	return os.WriteFile(framePath, []byte("frame"), 0644)
}

type stubProber struct{}

func (stubProber) ProbeFile(url string, ffProbeOptions ...string) (video.InputVideo, error) {
	return video.InputVideo{Duration: 6}, nil
}

// memJobStore is an in-memory JobStore that keeps deep copies, like a real
// document store would, and records every persisted progress value.
type memJobStore struct {
	mu              sync.Mutex
	jobs            map[string]*clients.AdJob
	progressHistory map[string][]int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:            map[string]*clients.AdJob{},
		progressHistory: map[string][]int{},
	}
}

func copyJob(job *clients.AdJob) *clients.AdJob {
	data, err := json.Marshal(job)
	if err != nil {
		panic(err)
	}
	var out clients.AdJob
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (s *memJobStore) CreateJob(ctx context.Context, job *clients.AdJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return xerrors.Unretriable(fmt.Errorf("job %s already exists", job.JobID))
	}
	s.jobs[job.JobID] = copyJob(job)
	s.progressHistory[job.JobID] = append(s.progressHistory[job.JobID], job.Progress)
	return nil
}

func (s *memJobStore) GetJob(ctx context.Context, jobID string) (*clients.AdJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, xerrors.NewObjectNotFoundError("job "+jobID+" not found", nil)
	}
	return copyJob(job), nil
}

func (s *memJobStore) UpdateJob(ctx context.Context, job *clients.AdJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = copyJob(job)
	s.progressHistory[job.JobID] = append(s.progressHistory[job.JobID], job.Progress)
	return nil
}

func (s *memJobStore) ListJobsByUser(ctx context.Context, userID string, status clients.JobStatus) ([]*clients.AdJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*clients.AdJob
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, copyJob(job))
	}
	return out, nil
}

func (s *memJobStore) ListActiveJobs(ctx context.Context) ([]*clients.AdJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*clients.AdJob
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, copyJob(job))
		}
	}
	return out, nil
}

func (s *memJobStore) history(jobID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int{}, s.progressHistory[jobID]...)
}

// memArtifactStore keeps artifacts in a map and signs URLs with a fixed
// host so tests can assert on them.
type memArtifactStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{objects: map[string][]byte{}}
}

func (s *memArtifactStore) Upload(ctx context.Context, key string, data io.Reader) error {
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = content
	return nil
}

func (s *memArtifactStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[key]
	if !ok {
		return nil, xerrors.NewObjectNotFoundError("object "+key+" not found", nil)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *memArtifactStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix+"/") {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *memArtifactStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return xerrors.NewObjectNotFoundError("object "+key+" not found", nil)
	}
	delete(s.objects, key)
	return nil
}

func (s *memArtifactStore) SignURL(key string, expire time.Duration) (string, error) {
	return "https://store.example/" + key, nil
}

func (s *memArtifactStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func requireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	select {
	case msg, ok := <-ch:
		if !ok {
			require.Fail(t, "channel closed before expected message")
		}
		return msg
	case <-time.After(timeout):
		require.Fail(t, "did not receive expected message")
		panic("unreachable")
	}
}

// collectEvents drains the job's event queue up to and including the
// terminal event.
func collectEvents(t *testing.T, info *JobInfo, timeout time.Duration) []Event {
	deadline := time.After(timeout)
	var events []Event
	for {
		select {
		case event, ok := <-info.Events.Events():
			if !ok {
				return events
			}
			events = append(events, event)
			if event.Terminal() {
				return events
			}
		case <-deadline:
			require.Fail(t, "timed out waiting for terminal event", "got %d events so far", len(events))
		}
	}
}
