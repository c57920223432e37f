package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/adforge/adforge-api/cache"
	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/config"
	"github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/log"
	"github.com/adforge/adforge-api/metrics"
	"github.com/adforge/adforge-api/video"
	"github.com/cenkalti/backoff/v4"
)

// Progress milestones. Within a phase the pipeline interpolates; across
// phases progress only ever moves forward. The Started values are what the
// step announcement events report.
const (
	progressPlanningStarted = 10
	progressPlanningDone    = 20
	progressClipsDone       = 60
	progressMergeDone       = 75
	progressVoiceStarted    = 80
	progressVoiceDone       = 90
	progressFinalizing      = 95
	progressDone            = 100
)

const defaultVerificationThreshold = 0.6

var supportedAspectRatios = map[string]bool{"16:9": true, "9:16": true}
var supportedResolutions = map[string]bool{"720p": true, "1080p": true}

// clipProgress interpolates clip generation linearly between the planning
// and merge milestones.
func clipProgress(completed, total int) int {
	if total == 0 {
		return progressPlanningDone
	}
	return progressPlanningDone + (progressClipsDone-progressPlanningDone)*completed/total
}

// AdJobPayload is the validated input needed to start a new ad job.
type AdJobPayload struct {
	UserID         string
	CampaignID     string
	Script         string
	CharacterName  string
	VoiceID        string
	CharacterImage []byte
	AspectRatio    string
	Resolution     string

	EnableVerification    bool
	VerificationThreshold float64
}

// JobInfo is the in-memory handle for one running job: the durable document,
// the progress event queue and the scratch directory for media files.
type JobInfo struct {
	mu      sync.Mutex
	Job     *clients.AdJob
	Events  *EventQueue
	WorkDir string

	startTime time.Time
	cancel    context.CancelFunc
}

func (j *JobInfo) SetProgress(p int) {
	if p > j.Job.Progress {
		j.Job.Progress = p
	}
}

func (j *JobInfo) clipPath(index int) string {
	return j.workPath(fmt.Sprintf("clip_%d.mp4", index))
}

func (j *JobInfo) mergedPath() string {
	return j.workPath("merged.mp4")
}

func (j *JobInfo) workPath(name string) string {
	return filepath.Join(j.WorkDir, name)
}

func (j *JobInfo) pushEvent(eventType EventType, message string) {
	j.Events.Push(Event{
		Type:     eventType,
		JobID:    j.Job.JobID,
		Status:   j.Job.Status,
		Progress: j.Job.Progress,
		Message:  message,
	})
}

// Coordinator owns the ad pipeline. It is called directly from the API
// handlers and never blocks on execution: jobs run in background goroutines
// and checkpoint themselves into the job store as they go.
type Coordinator struct {
	planner   *Planner
	producer  *Producer
	assembler *Assembler

	JobStore clients.JobStore
	Store    clients.ArtifactStore
	Jobs     *cache.Cache[*JobInfo]

	JobTimeout      time.Duration
	PlanningTimeout time.Duration
	MaxInFlightJobs int
	DefaultVoiceID  string
}

type CoordinatorOptions struct {
	JobStore clients.JobStore
	Store    clients.ArtifactStore
	Prompter clients.TextPrompter
	Video    clients.VideoGenerator
	Speech   clients.SpeechSynthesizer
	Vision   clients.ClipVerifier
	Muxer    video.Muxer
	Prober   video.Prober

	DefaultVoiceID    string
	TargetClipSeconds int
	JobTimeout        time.Duration
	PlanningTimeout   time.Duration
	ClipTimeout       time.Duration
	AssetSignTTL      time.Duration
	FinalSignTTL      time.Duration
	MaxInFlightJobs   int
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.JobStore == nil || opts.Store == nil {
		return nil, fmt.Errorf("job store and artifact store are required")
	}
	if opts.Prompter == nil || opts.Video == nil || opts.Speech == nil {
		return nil, fmt.Errorf("planner, video and speech adapters are required")
	}
	if opts.Muxer == nil {
		opts.Muxer = video.FFMPEGMuxer{}
	}
	if opts.Prober == nil {
		opts.Prober = video.Probe{}
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 60 * time.Minute
	}
	if opts.PlanningTimeout == 0 {
		opts.PlanningTimeout = 2 * time.Minute
	}
	if opts.ClipTimeout == 0 {
		opts.ClipTimeout = 10 * time.Minute
	}
	if opts.AssetSignTTL == 0 {
		opts.AssetSignTTL = 1 * time.Hour
	}
	if opts.FinalSignTTL == 0 {
		opts.FinalSignTTL = 7 * 24 * time.Hour
	}
	if opts.MaxInFlightJobs == 0 {
		opts.MaxInFlightJobs = config.MaxInFlightAdJobs
	}

	return &Coordinator{
		planner: &Planner{Prompter: opts.Prompter, TargetClipSeconds: opts.TargetClipSeconds},
		producer: &Producer{
			Video:        opts.Video,
			Vision:       opts.Vision,
			Store:        opts.Store,
			Jobs:         opts.JobStore,
			Muxer:        opts.Muxer,
			Prober:       opts.Prober,
			ClipTimeout:  opts.ClipTimeout,
			AssetSignTTL: opts.AssetSignTTL,
		},
		assembler: &Assembler{
			Store:        opts.Store,
			Jobs:         opts.JobStore,
			Muxer:        opts.Muxer,
			Prober:       opts.Prober,
			Speech:       opts.Speech,
			AssetSignTTL: opts.AssetSignTTL,
			FinalSignTTL: opts.FinalSignTTL,
		},
		JobStore:        opts.JobStore,
		Store:           opts.Store,
		Jobs:            cache.New[*JobInfo](),
		JobTimeout:      opts.JobTimeout,
		PlanningTimeout: opts.PlanningTimeout,
		MaxInFlightJobs: opts.MaxInFlightJobs,
		DefaultVoiceID:  opts.DefaultVoiceID,
	}, nil
}

// ErrTooManyJobs is returned by StartAdJob when the in-flight job cap is hit.
// The API surfaces it as 429 so the caller can retry later.
var ErrTooManyJobs = fmt.Errorf("too many ad jobs in flight")

// StartAdJob validates the payload, persists the pristine inputs and kicks
// off the pipeline in the background.
func (c *Coordinator) StartAdJob(p AdJobPayload) (*JobInfo, error) {
	if c.Jobs.Count() >= c.MaxInFlightJobs {
		return nil, ErrTooManyJobs
	}
	script := NormalizeScript(p.Script)
	if script == "" {
		return nil, errors.NewValidationError("script", "must not be empty")
	}
	if len(p.CharacterImage) == 0 {
		return nil, errors.NewValidationError("character_image", "must not be empty")
	}
	if len(p.CharacterImage) > config.MaxCharacterImageBytes {
		return nil, errors.NewValidationError("character_image", fmt.Sprintf("larger than %d bytes", config.MaxCharacterImageBytes))
	}

	if p.VoiceID == "" {
		p.VoiceID = c.DefaultVoiceID
	}
	if p.CharacterName == "" {
		p.CharacterName = "character"
	}
	if p.AspectRatio == "" {
		p.AspectRatio = "16:9"
	}
	if !supportedAspectRatios[p.AspectRatio] {
		return nil, errors.NewValidationError("aspect_ratio", fmt.Sprintf("unsupported value %q", p.AspectRatio))
	}
	if p.Resolution == "" {
		p.Resolution = "720p"
	}
	if !supportedResolutions[p.Resolution] {
		return nil, errors.NewValidationError("resolution", fmt.Sprintf("unsupported value %q", p.Resolution))
	}
	if p.VerificationThreshold < 0 || p.VerificationThreshold > 1 {
		return nil, errors.NewValidationError("verification_threshold", "must be between 0 and 1")
	}
	if p.VerificationThreshold == 0 {
		p.VerificationThreshold = defaultVerificationThreshold
	}

	jobID := config.NewJobID()
	log.AddContext(jobID, "user_id", p.UserID)

	imageKey := clients.CharacterImageKey(p.UserID, jobID)
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	if err := c.Store.Upload(ctx, imageKey, bytes.NewReader(p.CharacterImage)); err != nil {
		return nil, err
	}

	now := config.Clock.GetTimestampUTC()
	job := &clients.AdJob{
		JobID:             jobID,
		UserID:            p.UserID,
		CampaignID:        p.CampaignID,
		Script:            script,
		CharacterImageKey: imageKey,
		CharacterName:     p.CharacterName,
		VoiceID:           p.VoiceID,
		AspectRatio:       p.AspectRatio,
		Resolution:        p.Resolution,
		Status:            clients.JobStatusPending,

		EnableVerification:    p.EnableVerification,
		VerificationThreshold: p.VerificationThreshold,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.JobStore.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	info, err := c.newJobInfo(job)
	if err != nil {
		return nil, err
	}
	c.runJobAsync(info)
	return info, nil
}

// ResumeAdJob reconciles a job document against the artifact store and
// restarts the pipeline from the last checkpoint. Completed work is never
// redone: checkpointed clips are marked recovered and skipped.
func (c *Coordinator) ResumeAdJob(ctx context.Context, jobID string) error {
	if existing := c.Jobs.Get(jobID); existing != nil {
		return fmt.Errorf("job %s is already running", jobID)
	}

	job, err := c.JobStore.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	if err := c.recoverClips(ctx, job); err != nil {
		job.Status = clients.JobStatusFailed
		job.ErrorType = errorType(err)
		job.ErrorDetail = err.Error()
		job.UpdatedAt = config.Clock.GetTimestampUTC()
		if updateErr := c.JobStore.UpdateJob(ctx, job); updateErr != nil {
			log.LogError(jobID, "failed to persist resume failure", updateErr)
		}
		return err
	}

	info, err := c.newJobInfo(job)
	if err != nil {
		return err
	}
	c.runJobAsync(info)
	return nil
}

// RecoverActiveJobs resumes every non-terminal job in the store. Called once
// at startup after a crash or deploy.
func (c *Coordinator) RecoverActiveJobs(ctx context.Context) {
	jobs, err := c.JobStore.ListActiveJobs(ctx)
	if err != nil {
		log.LogNoJobID("error listing active jobs for recovery", "err", err)
		return
	}
	for _, job := range jobs {
		if err := c.ResumeAdJob(ctx, job.JobID); err != nil {
			log.LogError(job.JobID, "error resuming job", err)
		}
	}
}

// recoverClips is the resume-time reconciliation scan: the artifact store is
// the source of truth for which clips actually exist.
func (c *Coordinator) recoverClips(ctx context.Context, job *clients.AdJob) error {
	prefix := path.Join(clients.JobPrefix(job.UserID, job.JobID), "clips")
	keys, err := c.Store.ListPrefix(ctx, prefix)
	if err != nil && !errors.IsObjectNotFound(err) {
		return err
	}

	present := map[int]bool{}
	for _, key := range keys {
		if index := clients.ClipKeyIndex(key); index >= 0 {
			present[index] = true
		}
	}

	if len(present) > 0 && len(job.Segments) == 0 {
		return errors.NewResumeSkewError(fmt.Sprintf("%d checkpointed clips but no segment plan", len(present)))
	}

	if len(job.Clips) != len(job.Segments) {
		clips := make([]clients.Clip, len(job.Segments))
		for i := range clips {
			clips[i] = clients.Clip{Index: i, Status: clients.ClipStatusAbsent}
		}
		copy(clips, job.Clips)
		job.Clips = clips
	}

	recovered := 0
	for i := range job.Clips {
		clip := &job.Clips[i]
		switch {
		case present[clip.Index]:
			if clip.Status != clients.ClipStatusCompleted && clip.Status != clients.ClipStatusRecovered {
				clip.Status = clients.ClipStatusRecovered
				clip.Key = clients.ClipKey(job.UserID, job.JobID, clip.Index)
			}
			recovered++
		case clip.Status == clients.ClipStatusGenerating || clip.Status == clients.ClipStatusCompleted:
			// document says it exists, store says it doesn't: regenerate
			clip.Status = clients.ClipStatusAbsent
			clip.Key = ""
		}
	}

	log.Log(job.JobID, fmt.Sprintf("RECOVERY MODE: %d/%d clips present", recovered, len(job.Segments)))
	return nil
}

func (c *Coordinator) newJobInfo(job *clients.AdJob) (*JobInfo, error) {
	workDir, err := os.MkdirTemp("", "adforge-"+job.JobID+"-")
	if err != nil {
		return nil, fmt.Errorf("error creating work dir: %w", err)
	}
	info := &JobInfo{
		Job:       job,
		Events:    NewEventQueue(),
		WorkDir:   workDir,
		startTime: time.Now(),
	}
	c.Jobs.Store(job.JobID, info)
	log.Log(job.JobID, "Wrote to jobs cache")
	return info, nil
}

// runJobAsync runs the pipeline in a background goroutine, locked on the
// JobInfo, with panics recovered into a failed job rather than a dead
// process.
func (c *Coordinator) runJobAsync(info *JobInfo) {
	// nolint:errcheck
	go recovered(func() (t bool, e error) {
		info.mu.Lock()
		defer info.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.JobTimeout)
		info.cancel = cancel
		defer cancel()

		_, err := recovered(func() (t bool, e error) {
			return true, c.runJob(ctx, info)
		})
		c.finishJob(info, err)
		return
	})
}

func (c *Coordinator) runJob(ctx context.Context, info *JobInfo) error {
	job := info.Job

	if len(job.Segments) == 0 {
		if err := c.setStatus(ctx, info, clients.JobStatusPlanning); err != nil {
			return err
		}
		info.SetProgress(progressPlanningStarted)
		info.pushEvent(EventPlanning, "planning segments")

		planCtx, cancel := context.WithTimeout(ctx, c.PlanningTimeout)
		segments, err := c.planner.PlanSegments(planCtx, job.JobID, job.Script, job.CharacterName)
		cancel()
		if err != nil {
			return err
		}
		job.Segments = segments
		job.Script = NormalizeScript(job.Script)
	}
	info.SetProgress(progressPlanningDone)
	if err := c.JobStore.UpdateJob(ctx, job); err != nil {
		return err
	}
	info.Events.Push(Event{
		Type:       EventPlanComplete,
		JobID:      job.JobID,
		Status:     job.Status,
		Progress:   job.Progress,
		Message:    fmt.Sprintf("planned %d segments, about %.0fs of speech", len(job.Segments), estimateScriptSeconds(job.Script)),
		TotalClips: len(job.Segments),
	})

	if err := c.setStatus(ctx, info, clients.JobStatusGeneratingClips); err != nil {
		return err
	}
	if err := c.producer.ProduceClips(ctx, info); err != nil {
		return err
	}

	if c.producer.Vision != nil && job.EnableVerification {
		if err := c.setStatus(ctx, info, clients.JobStatusVerifying); err != nil {
			return err
		}
		if err := c.producer.VerifyClips(ctx, info); err != nil {
			return err
		}
	}
	info.SetProgress(progressClipsDone)

	if err := c.setStatus(ctx, info, clients.JobStatusMerging); err != nil {
		return err
	}
	info.pushEvent(EventMerging, "merging clips")
	if err := c.assembler.MergeClips(ctx, info); err != nil {
		return err
	}
	info.SetProgress(progressMergeDone)
	if err := c.JobStore.UpdateJob(ctx, job); err != nil {
		return err
	}

	if err := c.setStatus(ctx, info, clients.JobStatusEnhancingVoice); err != nil {
		return err
	}
	info.SetProgress(progressVoiceStarted)
	info.pushEvent(EventVoice, "replacing voice track")
	if err := c.assembler.ReplaceVoice(ctx, info); err != nil {
		return err
	}
	info.SetProgress(progressVoiceDone)
	if err := c.JobStore.UpdateJob(ctx, job); err != nil {
		return err
	}

	if err := c.setStatus(ctx, info, clients.JobStatusFinalizing); err != nil {
		return err
	}
	info.SetProgress(progressFinalizing)
	info.pushEvent(EventFinalizing, "signing final video URL")
	if err := c.assembler.Finalize(ctx, info); err != nil {
		return err
	}

	job.Status = clients.JobStatusCompleted
	info.SetProgress(progressDone)
	job.CompletedAt = config.Clock.GetTimestampUTC()
	job.UpdatedAt = job.CompletedAt
	if err := c.JobStore.UpdateJob(ctx, job); err != nil {
		return err
	}

	return nil
}

func (c *Coordinator) setStatus(ctx context.Context, info *JobInfo, status clients.JobStatus) error {
	info.Job.Status = status
	info.Job.UpdatedAt = config.Clock.GetTimestampUTC()
	return c.JobStore.UpdateJob(ctx, info.Job)
}

func (c *Coordinator) finishJob(info *JobInfo, err error) {
	job := info.Job
	success := err == nil
	metrics.Metrics.AdPipelineDurationSec.
		WithLabelValues(strconv.FormatBool(success)).
		Observe(time.Since(info.startTime).Seconds())
	if err != nil {
		job.Status = clients.JobStatusFailed
		job.ErrorType = errorType(err)
		job.ErrorDetail = err.Error()
		job.UpdatedAt = config.Clock.GetTimestampUTC()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if updateErr := c.JobStore.UpdateJob(ctx, job); updateErr != nil {
			log.LogError(job.JobID, "failed to persist job failure", updateErr)
		}
		cancel()

		info.Events.Push(Event{
			Type:      EventError,
			JobID:     job.JobID,
			Status:    job.Status,
			Progress:  job.Progress,
			Message:   err.Error(),
			ErrorType: job.ErrorType,
		})
		metrics.Metrics.AdPipelineResults.WithLabelValues(job.ErrorType).Inc()
	} else {
		info.Events.Push(Event{
			Type:     EventComplete,
			JobID:    job.JobID,
			Status:   job.Status,
			Progress: job.Progress,
			FinalURL: job.FinalVideoURL,
		})
		metrics.Metrics.AdPipelineResults.WithLabelValues("success").Inc()
	}

	c.Jobs.Remove(job.JobID)
	if err := os.RemoveAll(info.WorkDir); err != nil {
		log.LogError(job.JobID, "failed to clean up work dir", err)
	}
	log.Log(job.JobID, "Finished job and deleted from job cache", "success", strconv.FormatBool(success))
}

// errorType maps a pipeline error onto the wire-visible taxonomy.
func errorType(err error) string {
	switch {
	case errors.IsValidationError(err):
		return "validation_error"
	case errors.IsPlanningError(err):
		return "planning_error"
	case errors.IsContentPolicyError(err):
		return "content_policy_rejection"
	case errors.IsMuxError(err):
		return "mux_error"
	case errors.IsResumeSkew(err):
		return "resume_skew"
	case errors.IsStorageError(err):
		return "storage_error"
	case errors.IsUnretriable(err):
		return "internal_error"
	default:
		return "transient_error"
	}
}

func retries(retries uint64) backoff.BackOff {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 1 * time.Second
	backOff.MaxInterval = 30 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	backOff.Reset()
	return backoff.WithMaxRetries(backOff, retries)
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in pipeline background goroutine, recovering", "err", rec)
			err = fmt.Errorf("panic in pipeline: %v", rec)
		}
	}()
	return f()
}
