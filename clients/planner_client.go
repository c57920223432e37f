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

// TextPrompter is the text model boundary. The planning logic lives in the
// pipeline package; this client only moves prompts and completions.
type TextPrompter interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type PlannerClient struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

func NewPlannerClient(baseURL, apiKey string) *PlannerClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 5 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = &http.Client{
		Timeout: 2 * time.Minute, // a planning completion should never take longer than this
	}

	return &PlannerClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: client.StandardClient(),
	}
}

type completionRequest struct {
	Prompt         string `json:"prompt"`
	ResponseFormat string `json:"response_format,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Text string `json:"text"`
}

func (c *PlannerClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Prompt:         prompt,
		ResponseFormat: "json",
		MaxTokens:      4096,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Unretriable(fmt.Errorf("error creating completion request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error on completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("bad status code from completion request: %d %s", resp.StatusCode, string(respBody))
		if resp.StatusCode < 500 {
			err = xerrors.Unretriable(err)
		}
		return "", err
	}

	var completion completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("error parsing completion response: %w", err)
	}
	return completion.Text, nil
}
