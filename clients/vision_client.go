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
	"github.com/hashicorp/go-retryablehttp"
)

// VerificationResult is the vision model's verdict on one generated clip.
// Verification never gates publication, it only annotates the clip record.
type VerificationResult struct {
	Matches    bool    `json:"matches"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes,omitempty"`
}

type ClipVerifier interface {
	VerifyClip(ctx context.Context, videoURL, expectedText string) (VerificationResult, error)
}

type VisionClient struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

func NewVisionClient(baseURL, apiKey string) *VisionClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = &http.Client{
		Timeout: 2 * time.Minute,
	}

	return &VisionClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: client.StandardClient(),
	}
}

type verifyRequest struct {
	VideoURL     string `json:"video_url"`
	ExpectedText string `json:"expected_text"`
}

func (c *VisionClient) VerifyClip(ctx context.Context, videoURL, expectedText string) (VerificationResult, error) {
	body, err := json.Marshal(verifyRequest{VideoURL: videoURL, ExpectedText: expectedText})
	if err != nil {
		return VerificationResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/video/verify", bytes.NewReader(body))
	if err != nil {
		return VerificationResult{}, xerrors.Unretriable(fmt.Errorf("error creating verify request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("error on verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("bad status code from verify request: %d %s", resp.StatusCode, string(respBody))
		if resp.StatusCode < 500 {
			err = xerrors.Unretriable(err)
		}
		return VerificationResult{}, err
	}

	var result VerificationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return VerificationResult{}, fmt.Errorf("error parsing verify response: %w", err)
	}
	return result, nil
}
