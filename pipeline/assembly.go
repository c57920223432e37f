package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/log"
	"github.com/adforge/adforge-api/video"
)

// Assembler runs the tail of the pipeline: concat, voice replacement and the
// final publish record.
type Assembler struct {
	Store  clients.ArtifactStore
	Jobs   clients.JobStore
	Muxer  video.Muxer
	Prober video.Prober
	Speech clients.SpeechSynthesizer

	AssetSignTTL time.Duration
	FinalSignTTL time.Duration
}

// MergeClips concatenates every clip, in order, into merged.mp4. The concat
// list references each clip by its signed URL so the mux tool streams them
// from the artifact store; clips are never pulled back onto this host.
func (a *Assembler) MergeClips(ctx context.Context, job *JobInfo) error {
	clipURLs := make([]string, len(job.Job.Clips))
	for i, clip := range job.Job.Clips {
		key := clip.Key
		if key == "" {
			key = clients.ClipKey(job.Job.UserID, job.Job.JobID, i)
		}
		signed, err := a.Store.SignURL(key, a.AssetSignTTL)
		if err != nil {
			return err
		}
		clipURLs[i] = signed
	}

	mergedPath := job.mergedPath()
	if err := a.Muxer.ConcatClips(clipURLs, mergedPath); err != nil {
		return err
	}

	mergedBytes, err := os.ReadFile(mergedPath)
	if err != nil {
		return fmt.Errorf("error reading merged video: %w", err)
	}
	mergedKey := clients.MergedVideoKey(job.Job.UserID, job.Job.JobID)
	if err := a.Store.Upload(ctx, mergedKey, bytes.NewReader(mergedBytes)); err != nil {
		return err
	}
	job.Job.MergedVideoKey = mergedKey

	if probed, err := a.Prober.ProbeFile(mergedPath); err != nil {
		log.LogError(job.Job.JobID, "failed to probe merged video, summing clip durations instead", err)
		job.Job.TotalDuration = sumClipDurations(job.Job.Clips)
	} else {
		job.Job.TotalDuration = probed.Duration
	}

	log.Log(job.Job.JobID, "merged clips", "clip_count", len(clipURLs), "total_duration", job.Job.TotalDuration)
	return nil
}

// ReplaceVoice swaps the merged video's generated audio for a single
// continuous synthesized voice track. Voice enhancement is best effort: any
// failure here promotes the merged video and the job still completes.
func (a *Assembler) ReplaceVoice(ctx context.Context, job *JobInfo) error {
	audio, err := a.Speech.Synthesize(ctx, job.Job.Script, job.Job.VoiceID)
	if err != nil {
		return a.promoteMerged(ctx, job, err)
	}

	voicePath := job.workPath("voice_track.mp3")
	if err := os.WriteFile(voicePath, audio, 0644); err != nil {
		return a.promoteMerged(ctx, job, err)
	}
	if err := a.Store.Upload(ctx, clients.VoiceTrackKey(job.Job.UserID, job.Job.JobID), bytes.NewReader(audio)); err != nil {
		return a.promoteMerged(ctx, job, err)
	}

	finalPath := job.workPath("final.mp4")
	if err := a.Muxer.ReplaceAudio(job.mergedPath(), voicePath, finalPath); err != nil {
		return a.promoteMerged(ctx, job, err)
	}

	finalBytes, err := os.ReadFile(finalPath)
	if err != nil {
		return a.promoteMerged(ctx, job, err)
	}
	finalKey := clients.FinalVideoKey(job.Job.UserID, job.Job.JobID)
	if err := a.Store.Upload(ctx, finalKey, bytes.NewReader(finalBytes)); err != nil {
		return a.promoteMerged(ctx, job, err)
	}

	job.Job.FinalVideoKey = finalKey
	job.Job.VoiceReplaced = true
	return nil
}

// promoteMerged publishes merged.mp4 as the final video when voice
// replacement cannot be completed.
func (a *Assembler) promoteMerged(ctx context.Context, job *JobInfo, cause error) error {
	log.LogError(job.Job.JobID, "voice replacement failed, publishing merged video instead", cause)
	if job.Job.MergedVideoKey == "" {
		return fmt.Errorf("voice replacement failed and no merged video exists: %w", cause)
	}
	job.Job.FinalVideoKey = job.Job.MergedVideoKey
	job.Job.VoiceReplaced = false
	return nil
}

// Finalize signs the published URL and stamps the completion record.
func (a *Assembler) Finalize(ctx context.Context, job *JobInfo) error {
	if job.Job.FinalVideoKey == "" {
		job.Job.FinalVideoKey = job.Job.MergedVideoKey
	}
	finalURL, err := a.Store.SignURL(job.Job.FinalVideoKey, a.FinalSignTTL)
	if err != nil {
		return err
	}
	job.Job.FinalVideoURL = finalURL
	return nil
}

func sumClipDurations(clips []clients.Clip) float64 {
	var total float64
	for _, c := range clips {
		total += c.DurationSeconds
	}
	return total
}
