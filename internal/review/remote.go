package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"isg/internal/pack"
)

// RemoteReviewer posts the review payload to an HTTP endpoint and
// decodes the verdict from the response.
type RemoteReviewer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRemoteReviewer creates a client for the given endpoint.
func NewRemoteReviewer(baseURL string, timeout time.Duration) *RemoteReviewer {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteReviewer{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Review sends the context pack to POST {base}/review and expects a
// JSON Verdict in return. An unknown verdict kind is an error.
func (r *RemoteReviewer) Review(ctx context.Context, input Input) (*Verdict, error) {
	var body bytes.Buffer
	if err := pack.Write(&body, input.Request, input.Context); err != nil {
		return nil, fmt.Errorf("packing context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/review", &body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/zstd")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting review: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("reviewer returned %d: %s", resp.StatusCode, string(data))
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}

	switch verdict.Kind {
	case RefineSolution, RefineRequest, Confident:
		return &verdict, nil
	default:
		return nil, fmt.Errorf("reviewer returned unknown verdict kind %q", verdict.Kind)
	}
}
