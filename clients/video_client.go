package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/log"
)

const videoPollDelay = 10 * time.Second

// VideoGenerationRequest describes one clip generation. ImageURL is a signed
// URL to the reference frame: the pristine character image for clip 0 (and
// for the content policy fallback), the previous clip's last frame otherwise.
type VideoGenerationRequest struct {
	ClipIndex       int    `json:"-"`
	Prompt          string `json:"prompt"`
	ImageURL        string `json:"image_url"`
	DurationSeconds int    `json:"duration_seconds"`
	AspectRatio     string `json:"aspect_ratio"`
	Resolution      string `json:"resolution"`
	GenerateAudio   bool   `json:"generate_audio"`
}

// VideoGenerator is the video model boundary. GenerateClip blocks through the
// whole create-and-poll cycle; the caller bounds it with its context.
type VideoGenerator interface {
	GenerateClip(ctx context.Context, req VideoGenerationRequest) ([]byte, error)
}

type VideoClient struct {
	BaseURL    string
	APIKey     string
	PollDelay  time.Duration
	httpClient *http.Client
}

func NewVideoClient(baseURL, apiKey string) *VideoClient {
	return &VideoClient{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		PollDelay: videoPollDelay,
		httpClient: &http.Client{
			Timeout: 1 * time.Minute, // per individual request, the operation itself runs server side
		},
	}
}

type videoOperation struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GenerateClip creates a generation operation and polls it to a terminal
// state. A policy rejection is terminal for this input; anything else that
// goes wrong is left retriable for the caller's backoff loop.
func (c *VideoClient) GenerateClip(ctx context.Context, genReq VideoGenerationRequest) ([]byte, error) {
	op, err := c.createOperation(ctx, genReq)
	if err != nil {
		return nil, err
	}
	log.LogNoJobID("created video generation operation", "operation_id", op.ID, "clip_index", genReq.ClipIndex)

	ticker := time.NewTicker(c.PollDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			// continue below
		}

		op, err = c.getOperation(ctx, op.ID)
		if err != nil {
			return nil, fmt.Errorf("error polling operation: %w", err)
		}

		switch op.Status {
		case "pending", "running":
			// keep polling
		case "succeeded":
			return c.downloadVideo(ctx, op.VideoURL)
		case "rejected":
			return nil, xerrors.NewContentPolicyError(genReq.ClipIndex, op.Error)
		case "failed":
			return nil, fmt.Errorf("video generation failed: %s", op.Error)
		default:
			return nil, xerrors.Unretriable(fmt.Errorf("unknown operation status %q", op.Status))
		}
	}
}

func (c *VideoClient) createOperation(ctx context.Context, genReq VideoGenerationRequest) (*videoOperation, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("error creating generation request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	return c.doOperationRequest(req)
}

func (c *VideoClient) getOperation(ctx context.Context, id string) (*videoOperation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/generations/"+id, nil)
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("error creating poll request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	return c.doOperationRequest(req)
}

func (c *VideoClient) doOperationRequest(req *http.Request) (*videoOperation, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("bad status code from video API: %d %s", resp.StatusCode, string(respBody))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err = xerrors.Unretriable(err)
		}
		return nil, err
	}

	var op videoOperation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, fmt.Errorf("error parsing video API response: %w", err)
	}
	return &op, nil
}

func (c *VideoClient) downloadVideo(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("error creating download request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading generated video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bad status code downloading generated video: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
