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

// SpeechSynthesizer is the speech model boundary: full ad script in, one
// continuous voice track out.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

type SpeechClient struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

func NewSpeechClient(baseURL, apiKey string) *SpeechClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = &http.Client{
		Timeout: 2 * time.Minute,
	}

	return &SpeechClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: client.StandardClient(),
	}
}

type speechRequest struct {
	Input  string `json:"input"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

func (c *SpeechClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{Input: text, Voice: voiceID, Format: "mp3"})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Unretriable(fmt.Errorf("error creating speech request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error on speech request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("bad status code from speech request: %d %s", resp.StatusCode, string(respBody))
		if resp.StatusCode < 500 {
			err = xerrors.Unretriable(err)
		}
		return nil, err
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading speech response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speech model returned an empty voice track")
	}
	return audio, nil
}
