package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/config"
	"github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/log"
	"github.com/adforge/adforge-api/metrics"
	"github.com/adforge/adforge-api/video"
	"github.com/cenkalti/backoff/v4"
)

// Each clip gets this many attempts at transient failures before the job
// aborts. Content policy rejections don't count as attempts; they get the
// one-shot character image fallback instead.
const maxClipAttempts = 3

// Producer runs step 2: one clip per segment, strictly sequential so each
// clip can seed the next one's reference frame.
type Producer struct {
	Video  clients.VideoGenerator
	Vision clients.ClipVerifier // nil disables verification
	Store  clients.ArtifactStore
	Jobs   clients.JobStore
	Muxer  video.Muxer
	Prober video.Prober

	ClipTimeout  time.Duration
	AssetSignTTL time.Duration
}

func (p *Producer) ProduceClips(ctx context.Context, job *JobInfo) error {
	n := len(job.Job.Segments)
	if n == 0 {
		return errors.NewResumeSkewError("no segments to produce clips for")
	}
	if len(job.Job.Clips) != n {
		clips := make([]clients.Clip, n)
		for i := range clips {
			clips[i] = clients.Clip{Index: i, Status: clients.ClipStatusAbsent}
		}
		// carry over whatever the recovery scan already marked
		copy(clips, job.Job.Clips)
		job.Job.Clips = clips
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		p.cleanupFrames(cleanupCtx, job)
	}()

	for i := 0; i < n; i++ {
		clip := &job.Job.Clips[i]
		if clip.Status == clients.ClipStatusCompleted || clip.Status == clients.ClipStatusRecovered {
			log.Log(job.Job.JobID, "skipping checkpointed clip", "clip_index", i, "status", clip.Status)
			continue
		}
		if err := p.produceClip(ctx, job, i); err != nil {
			return err
		}

		job.SetProgress(clipProgress(completedClips(job.Job.Clips), n))
		if err := p.Jobs.UpdateJob(ctx, job.Job); err != nil {
			return err
		}
		job.Events.Push(Event{
			Type:        EventClip,
			JobID:       job.Job.JobID,
			Status:      job.Job.Status,
			Progress:    job.Job.Progress,
			Message:     fmt.Sprintf("clip %d of %d ready", i+1, n),
			CurrentClip: i + 1,
			TotalClips:  n,
		})
	}
	return nil
}

// cleanupFrames removes the continuity frames once the step is over. They are
// working data for clip generation, not part of the job's durable record.
func (p *Producer) cleanupFrames(ctx context.Context, job *JobInfo) {
	for i := 0; i < len(job.Job.Clips); i++ {
		key := clients.FrameKey(job.Job.UserID, job.Job.JobID, i)
		if err := p.Store.Delete(ctx, key); err != nil && !errors.IsObjectNotFound(err) {
			log.LogError(job.Job.JobID, "failed to delete continuity frame", err, "frame_index", i)
		}
	}
}

func (p *Producer) produceClip(ctx context.Context, job *JobInfo, index int) error {
	seg := job.Job.Segments[index]
	clip := &job.Job.Clips[index]
	start := time.Now()

	// The lip sync comes from the prompt: the model animates the character
	// speaking the segment's exact words.
	prompt := fmt.Sprintf("%s The character speaks: %q", seg.VisualPrompt, seg.Text)
	promptKey := clients.PromptKey(job.Job.UserID, job.Job.JobID, index)
	if err := p.Store.Upload(ctx, promptKey, strings.NewReader(prompt)); err != nil {
		return err
	}

	clip.Status = clients.ClipStatusGenerating
	if err := p.Jobs.UpdateJob(ctx, job.Job); err != nil {
		return err
	}

	referenceURL, err := p.referenceImageURL(ctx, job, index)
	if err != nil {
		return err
	}

	genCtx, cancel := context.WithTimeout(ctx, p.ClipTimeout)
	defer cancel()

	req := clients.VideoGenerationRequest{
		ClipIndex:       index,
		Prompt:          prompt,
		ImageURL:        referenceURL,
		DurationSeconds: seg.DurationSeconds,
		AspectRatio:     job.Job.AspectRatio,
		Resolution:      job.Job.Resolution,
		GenerateAudio:   true,
	}

	var generationCalls int
	videoBytes, err := p.generateWithRetries(genCtx, job, clip, req, &generationCalls)
	if errors.IsContentPolicyError(err) && !clip.UsedFallback {
		// One shot: drop the continuity frame and retry from the pristine
		// character image, which already passed policy at upload time.
		log.Log(job.Job.JobID, "content policy rejection, retrying with character image", "clip_index", index, "err", err)
		metrics.Metrics.ClipFallbacksCount.Inc()
		clip.UsedFallback = true

		characterURL, signErr := p.Store.SignURL(job.Job.CharacterImageKey, p.AssetSignTTL)
		if signErr != nil {
			return signErr
		}
		req.ImageURL = characterURL
		videoBytes, err = p.generateWithRetries(genCtx, job, clip, req, &generationCalls)
	}
	if err != nil {
		clip.Status = clients.ClipStatusFailed
		if updateErr := p.Jobs.UpdateJob(ctx, job.Job); updateErr != nil {
			log.LogError(job.Job.JobID, "failed to persist failed clip state", updateErr)
		}
		return err
	}

	localPath := job.clipPath(index)
	if err := os.WriteFile(localPath, videoBytes, 0644); err != nil {
		return fmt.Errorf("error writing clip %d to workdir: %w", index, err)
	}

	clipKey := clients.ClipKey(job.Job.UserID, job.Job.JobID, index)
	if err := p.Store.Upload(ctx, clipKey, bytes.NewReader(videoBytes)); err != nil {
		return err
	}

	clip.Key = clipKey
	clip.Status = clients.ClipStatusCompleted
	if probed, err := p.Prober.ProbeFile(localPath); err != nil {
		log.LogError(job.Job.JobID, "failed to probe generated clip", err, "clip_index", index)
	} else {
		clip.DurationSeconds = probed.Duration
	}

	metrics.Metrics.ClipGenerationDurationSec.Observe(time.Since(start).Seconds())
	log.Log(job.Job.JobID, "clip completed", "clip_index", index, "retry_count", clip.RetryCount, "duration", clip.DurationSeconds, "used_fallback", clip.UsedFallback)
	return nil
}

func (p *Producer) generateWithRetries(ctx context.Context, job *JobInfo, clip *clients.Clip, req clients.VideoGenerationRequest, calls *int) ([]byte, error) {
	var out []byte
	err := backoff.Retry(func() error {
		if *calls > 0 {
			clip.RetryCount++
			metrics.Metrics.ClipRetriesCount.Inc()
		}
		*calls++
		videoBytes, err := p.Video.GenerateClip(ctx, req)
		if err != nil {
			log.LogError(job.Job.JobID, "clip generation attempt failed", err, "clip_index", req.ClipIndex, "attempt", *calls)
			return err
		}
		out = videoBytes
		return nil
	}, backoff.WithContext(retries(maxClipAttempts-1), ctx))
	return out, err
}

// referenceImageURL returns a signed URL for the clip's reference image: the
// character image for the first clip, the previous clip's last frame after
// that. That chain is what keeps the character consistent across cuts.
func (p *Producer) referenceImageURL(ctx context.Context, job *JobInfo, index int) (string, error) {
	if index == 0 {
		return p.Store.SignURL(job.Job.CharacterImageKey, p.AssetSignTTL)
	}

	frameURL, err := p.continuityFrameURL(ctx, job, index)
	if err != nil {
		// A lost continuity frame costs visual consistency, not the job.
		log.LogError(job.Job.JobID, "continuity frame unavailable, using character image", err, "clip_index", index)
		return p.Store.SignURL(job.Job.CharacterImageKey, p.AssetSignTTL)
	}
	return frameURL, nil
}

// continuityFrameURL extracts the last frame of the previous clip and signs
// it for the video model.
func (p *Producer) continuityFrameURL(ctx context.Context, job *JobInfo, index int) (string, error) {
	prevPath := job.clipPath(index - 1)
	if _, err := os.Stat(prevPath); err != nil {
		// resumed job: the previous clip only exists in the artifact store
		prevKey := clients.ClipKey(job.Job.UserID, job.Job.JobID, index-1)
		if err := downloadTo(ctx, p.Store, prevKey, prevPath); err != nil {
			return "", err
		}
	}

	framePath := filepath.Join(job.WorkDir, fmt.Sprintf("frame_%d.png", index-1))
	if err := p.Muxer.ExtractLastFrame(prevPath, framePath); err != nil {
		return "", err
	}

	frameBytes, err := os.ReadFile(framePath)
	if err != nil {
		return "", fmt.Errorf("error reading extracted frame: %w", err)
	}
	frameKey := clients.FrameKey(job.Job.UserID, job.Job.JobID, index-1)
	if err := p.Store.Upload(ctx, frameKey, bytes.NewReader(frameBytes)); err != nil {
		return "", err
	}
	return p.Store.SignURL(frameKey, p.AssetSignTTL)
}

// VerifyClips runs the vision model over every completed clip that has no
// verdict yet. Verdicts are recorded for audit but never block the pipeline.
func (p *Producer) VerifyClips(ctx context.Context, job *JobInfo) error {
	if p.Vision == nil || !job.Job.EnableVerification {
		return nil
	}
	for i := range job.Job.Clips {
		clip := &job.Job.Clips[i]
		if clip.Key == "" || clip.VerifiedAt != 0 {
			continue
		}
		p.verifyClip(ctx, job, i)
	}
	return p.Jobs.UpdateJob(ctx, job.Job)
}

// verifyClip asks the vision model whether the clip shows the character
// speaking the expected words. The clip passes only when the model agrees
// AND its confidence clears the job's threshold.
func (p *Producer) verifyClip(ctx context.Context, job *JobInfo, index int) {
	clip := &job.Job.Clips[index]

	clipURL, err := p.Store.SignURL(clip.Key, p.AssetSignTTL)
	if err != nil {
		log.LogError(job.Job.JobID, "failed to sign clip URL for verification", err, "clip_index", index)
		return
	}
	result, err := p.Vision.VerifyClip(ctx, clipURL, job.Job.Segments[index].Text)
	if err != nil {
		log.LogError(job.Job.JobID, "clip verification failed", err, "clip_index", index)
		return
	}

	threshold := job.Job.VerificationThreshold
	if threshold == 0 {
		threshold = defaultVerificationThreshold
	}
	clip.Verified = result.Matches && result.Confidence >= threshold
	clip.Confidence = result.Confidence
	clip.VerifiedAt = config.Clock.GetTimestampUTC()
	verdict, err := json.Marshal(result)
	if err == nil {
		key := clients.VerificationKey(job.Job.UserID, job.Job.JobID, index)
		if err := p.Store.Upload(ctx, key, bytes.NewReader(verdict)); err != nil {
			log.LogError(job.Job.JobID, "failed to persist verification verdict", err, "clip_index", index)
		}
	}
	log.Log(job.Job.JobID, "clip verified", "clip_index", index, "verified", clip.Verified, "confidence", result.Confidence)
}

func downloadTo(ctx context.Context, store clients.ArtifactStore, key, localPath string) error {
	rc, err := store.Download(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("error downloading %s: %w", key, err)
	}
	return nil
}

func completedClips(clips []clients.Clip) int {
	count := 0
	for _, c := range clips {
		if c.Status == clients.ClipStatusCompleted || c.Status == clients.ClipStatusRecovered {
			count++
		}
	}
	return count
}
