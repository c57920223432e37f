package clients

import (
	"context"
	"errors"
	"fmt"

	xerrors "github.com/adforge/adforge-api/errors"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusPlanning        JobStatus = "planning"
	JobStatusGeneratingClips JobStatus = "generating_clips"
	JobStatusVerifying       JobStatus = "verifying"
	JobStatusMerging         JobStatus = "merging"
	JobStatusEnhancingVoice  JobStatus = "enhancing_voice"
	JobStatusFinalizing      JobStatus = "finalizing"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type ClipStatus string

const (
	ClipStatusAbsent     ClipStatus = "absent"
	ClipStatusGenerating ClipStatus = "generating"
	ClipStatusCompleted  ClipStatus = "completed"
	ClipStatusFailed     ClipStatus = "failed"
	ClipStatusRecovered  ClipStatus = "recovered"
)

// Segment is one planned beat of the ad: the words the character speaks and
// the visual direction for the clip that covers them.
type Segment struct {
	Index           int    `dynamodbav:"index" json:"index"`
	Text            string `dynamodbav:"text" json:"text"`
	VisualPrompt    string `dynamodbav:"visual_prompt" json:"visual_prompt"`
	DurationSeconds int    `dynamodbav:"duration_seconds" json:"duration_seconds"`
}

// Clip is the per-segment checkpoint record. It carries keys into the
// artifact store, never media bytes.
type Clip struct {
	Index           int        `dynamodbav:"index" json:"index"`
	Status          ClipStatus `dynamodbav:"status" json:"status"`
	Key             string     `dynamodbav:"key,omitempty" json:"key,omitempty"`
	DurationSeconds float64    `dynamodbav:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`
	// RetryCount counts generation calls beyond the first, whatever their
	// cause: one policy rejection followed by a successful fallback is 1.
	RetryCount   int     `dynamodbav:"retry_count,omitempty" json:"retry_count,omitempty"`
	UsedFallback bool    `dynamodbav:"used_fallback,omitempty" json:"used_fallback,omitempty"`
	Verified     bool    `dynamodbav:"verified,omitempty" json:"verified,omitempty"`
	Confidence   float64 `dynamodbav:"confidence,omitempty" json:"confidence,omitempty"`
	VerifiedAt   int64   `dynamodbav:"verified_at,omitempty" json:"verified_at,omitempty"`
}

// AdJob is the single durable document describing one ad creation job. It is
// rewritten after every state transition so a crashed process can resume from
// the last checkpoint.
type AdJob struct {
	JobID             string    `dynamodbav:"job_id" json:"job_id"`
	UserID            string    `dynamodbav:"user_id" json:"user_id"`
	CampaignID        string    `dynamodbav:"campaign_id,omitempty" json:"campaign_id,omitempty"`
	Script            string    `dynamodbav:"script" json:"script"`
	CharacterImageKey string    `dynamodbav:"character_image_key" json:"character_image_key"`
	CharacterName     string    `dynamodbav:"character_name,omitempty" json:"character_name,omitempty"`
	VoiceID           string    `dynamodbav:"voice_id,omitempty" json:"voice_id,omitempty"`
	AspectRatio       string    `dynamodbav:"aspect_ratio,omitempty" json:"aspect_ratio,omitempty"`
	Resolution        string    `dynamodbav:"resolution,omitempty" json:"resolution,omitempty"`
	Status            JobStatus `dynamodbav:"status" json:"status"`
	Progress          int       `dynamodbav:"progress" json:"progress"`

	EnableVerification    bool    `dynamodbav:"enable_verification,omitempty" json:"enable_verification,omitempty"`
	VerificationThreshold float64 `dynamodbav:"verification_threshold,omitempty" json:"verification_threshold,omitempty"`

	Segments          []Segment `dynamodbav:"segments,omitempty" json:"segments,omitempty"`
	Clips             []Clip    `dynamodbav:"clips,omitempty" json:"clips,omitempty"`
	MergedVideoKey    string    `dynamodbav:"merged_video_key,omitempty" json:"merged_video_key,omitempty"`
	FinalVideoKey     string    `dynamodbav:"final_video_key,omitempty" json:"final_video_key,omitempty"`
	FinalVideoURL     string    `dynamodbav:"final_video_url,omitempty" json:"final_video_url,omitempty"`
	TotalDuration     float64   `dynamodbav:"total_duration_seconds,omitempty" json:"total_duration_seconds,omitempty"`
	VoiceReplaced     bool      `dynamodbav:"voice_replaced,omitempty" json:"voice_replaced,omitempty"`
	ErrorType         string    `dynamodbav:"error_type,omitempty" json:"error_type,omitempty"`
	ErrorDetail       string    `dynamodbav:"error_detail,omitempty" json:"error_detail,omitempty"`
	CreatedAt         int64     `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt         int64     `dynamodbav:"updated_at" json:"updated_at"`
	CompletedAt       int64     `dynamodbav:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// DynamoDB rejects items over 400KB. We refuse well before that so a drifting
// document fails loudly at the write site instead of deep inside the SDK.
const maxJobDocumentBytes = 350 * 1024

const userIndexName = "user_id-created_at-index"

type JobStore interface {
	CreateJob(ctx context.Context, job *AdJob) error
	GetJob(ctx context.Context, jobID string) (*AdJob, error)
	UpdateJob(ctx context.Context, job *AdJob) error
	ListJobsByUser(ctx context.Context, userID string, status JobStatus) ([]*AdJob, error)
	// ListActiveJobs returns every non-terminal job, for the startup
	// recovery scan.
	ListActiveJobs(ctx context.Context) ([]*AdJob, error)
}

type DynamoDBJobStore struct {
	db    dynamodbiface.DynamoDBAPI
	table string
}

type DynamoDBOptions struct {
	Table, Region                string
	AccessKeyID, AccessKeySecret string
	Endpoint                     string
}

func NewDynamoDBJobStore(opts DynamoDBOptions) (*DynamoDBJobStore, error) {
	config := aws.NewConfig().WithRegion(opts.Region)
	if opts.AccessKeyID != "" {
		config = config.WithCredentials(credentials.NewStaticCredentials(opts.AccessKeyID, opts.AccessKeySecret, ""))
	}
	if opts.Endpoint != "" {
		config = config.WithEndpoint(opts.Endpoint)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	return &DynamoDBJobStore{db: dynamodb.New(sess), table: opts.Table}, nil
}

// NewJobStoreWithClient is used by tests to inject a stub DynamoDB API.
func NewJobStoreWithClient(db dynamodbiface.DynamoDBAPI, table string) *DynamoDBJobStore {
	return &DynamoDBJobStore{db: db, table: table}
}

func (s *DynamoDBJobStore) CreateJob(ctx context.Context, job *AdJob) error {
	item, err := s.marshalJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return xerrors.Unretriable(fmt.Errorf("job %s already exists", job.JobID))
		}
		return xerrors.NewStorageError("create", job.JobID, err)
	}
	return nil
}

func (s *DynamoDBJobStore) GetJob(ctx context.Context, jobID string) (*AdJob, error) {
	out, err := s.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]*dynamodb.AttributeValue{"job_id": {S: aws.String(jobID)}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.NewStorageError("get", jobID, err)
	}
	if out.Item == nil {
		return nil, xerrors.NewObjectNotFoundError("job "+jobID+" not found", nil)
	}
	var job AdJob
	if err := dynamodbattribute.UnmarshalMap(out.Item, &job); err != nil {
		return nil, xerrors.NewStorageError("get", jobID, err)
	}
	return &job, nil
}

func (s *DynamoDBJobStore) UpdateJob(ctx context.Context, job *AdJob) error {
	item, err := s.marshalJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return xerrors.NewStorageError("update", job.JobID, err)
	}
	return nil
}

func (s *DynamoDBJobStore) ListJobsByUser(ctx context.Context, userID string, status JobStatus) ([]*AdJob, error) {
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(userIndexName),
		KeyConditionExpression:    aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{":uid": {S: aws.String(userID)}},
		ScanIndexForward:          aws.Bool(false),
	}
	if status != "" {
		input.FilterExpression = aws.String("#st = :status")
		input.ExpressionAttributeNames = map[string]*string{"#st": aws.String("status")}
		input.ExpressionAttributeValues[":status"] = &dynamodb.AttributeValue{S: aws.String(string(status))}
	}

	var jobs []*AdJob
	err := s.db.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		for _, item := range page.Items {
			var job AdJob
			if err := dynamodbattribute.UnmarshalMap(item, &job); err != nil {
				continue
			}
			jobs = append(jobs, &job)
		}
		return true
	})
	if err != nil {
		return nil, xerrors.NewStorageError("list", userID, err)
	}
	return jobs, nil
}

func (s *DynamoDBJobStore) ListActiveJobs(ctx context.Context) ([]*AdJob, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String("NOT #st IN (:completed, :failed)"),
		ExpressionAttributeNames: map[string]*string{"#st": aws.String("status")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":completed": {S: aws.String(string(JobStatusCompleted))},
			":failed":    {S: aws.String(string(JobStatusFailed))},
		},
	}

	var jobs []*AdJob
	err := s.db.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, item := range page.Items {
			var job AdJob
			if err := dynamodbattribute.UnmarshalMap(item, &job); err != nil {
				continue
			}
			jobs = append(jobs, &job)
		}
		return true
	})
	if err != nil {
		return nil, xerrors.NewStorageError("scan", "active jobs", err)
	}
	return jobs, nil
}

func (s *DynamoDBJobStore) marshalJob(job *AdJob) (map[string]*dynamodb.AttributeValue, error) {
	if size := approxDocumentSize(job); size > maxJobDocumentBytes {
		return nil, xerrors.Unretriable(fmt.Errorf("job document for %s is %d bytes, over the %d byte limit; artifacts belong in the artifact store", job.JobID, size, maxJobDocumentBytes))
	}
	item, err := dynamodbattribute.MarshalMap(job)
	if err != nil {
		return nil, xerrors.NewStorageError("marshal", job.JobID, err)
	}
	return item, nil
}

// Rough but cheap: the string fields dominate any oversized document.
func approxDocumentSize(job *AdJob) int {
	size := len(job.Script) + len(job.CharacterImageKey) + len(job.FinalVideoURL) + len(job.ErrorDetail)
	for _, seg := range job.Segments {
		size += len(seg.Text) + len(seg.VisualPrompt) + 32
	}
	for _, clip := range job.Clips {
		size += len(clip.Key) + 64
	}
	return size + 512
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}
