package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ymatsuda/drive-triage/internal/models"
)

// APIKeyHeader authenticates the scanner→relay and relay→committer hops.
// A single shared secret per hop; platform-level signing covers the Discord
// side.
const APIKeyHeader = "X-API-Key"

const controlCallTimeout = 10 * time.Second

// RelayClient posts notification requests to the approval relay.
type RelayClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

func NewRelayClient(url, apiKey string) *RelayClient {
	return &RelayClient{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: controlCallTimeout},
	}
}

// Notify sends one approval request. Failures are returned to the caller
// and not retried here; the document stays in its pending state and will be
// surfaced again by a future trigger.
func (c *RelayClient) Notify(ctx context.Context, req models.NotifyRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode notify request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notify call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// CommitClient calls the file-committer function and decodes its structured
// result. An older deployment signalled success by including the word
// "Success" in a plain-text body; that convention is normalized to
// CommitResult here and nowhere else.
type CommitClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

func NewCommitClient(url, apiKey string) *CommitClient {
	return &CommitClient{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: controlCallTimeout},
	}
}

// Commit sends a commit (or reject) request. A transport failure or an
// undecodable body is reported as a failed CommitResult carrying whatever
// text the endpoint produced, so the relay always has something to show the
// human.
func (c *CommitClient) Commit(ctx context.Context, req models.CommitRequest) (models.CommitResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.CommitResult{}, fmt.Errorf("failed to encode commit request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return models.CommitResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.CommitResult{}, fmt.Errorf("commit call failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	var result models.CommitResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		// Legacy plain-text answer. Treat anything that is not the
		// structured result as failure text to surface to the human.
		return models.CommitResult{Success: false, Message: string(respBody)}, nil
	}
	return result, nil
}
