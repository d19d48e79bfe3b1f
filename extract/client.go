package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inkfold/docket/errors"
	"github.com/inkfold/docket/logger"
)

// Client is an HTTP implementation of Engine.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// NewClient creates an extraction engine client.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// submitResponse is the engine's reply to a job submission.
type submitResponse struct {
	Ref string `json:"ref"`
}

// pollResponse is the engine's reply to a status poll.
type pollResponse struct {
	State   string          `json:"state"` // "queued" | "running" | "succeeded" | "failed"
	Payload json.RawMessage `json:"payload,omitempty"`
	Schema  string          `json:"schema,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Submit dispatches a new extraction job with the raw document bytes.
func (c *Client) Submit(ctx context.Context, content []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/extractions", bytes.NewReader(content))
	if err != nil {
		return "", errors.Wrap(err, "build submit request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrDependencyUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.log.Debugw("Extraction submit response",
		"status", resp.StatusCode,
		"bytes", len(body),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errors.Newf("extraction engine throttled submission: %s", string(body))
	}
	if resp.StatusCode/100 != 2 {
		return "", errors.Newf("extraction engine rejected submission: status %d: %s", resp.StatusCode, string(body))
	}

	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", errors.Wrap(err, "parse submit response")
	}
	if sr.Ref == "" {
		return "", errors.New("extraction engine returned empty job ref")
	}

	return sr.Ref, nil
}

// Poll reports the current state of an in-flight extraction job.
func (c *Client) Poll(ctx context.Context, ref string) (*Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/extractions/%s", c.baseURL, ref), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build poll request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDependencyUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NewNotFoundError("extraction job %s", ref)
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Newf("extraction engine poll failed: status %d: %s", resp.StatusCode, string(body))
	}

	var pr pollResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, errors.Wrap(err, "parse poll response")
	}

	switch pr.State {
	case "queued", "running":
		return &Outcome{Done: false}, nil
	case "succeeded":
		return &Outcome{Done: true, Payload: pr.Payload, Schema: pr.Schema}, nil
	case "failed":
		errMsg := pr.Error
		if errMsg == "" {
			errMsg = "extraction failed without detail"
		}
		return &Outcome{Done: true, Err: errMsg}, nil
	default:
		return nil, errors.Newf("extraction engine reported unknown state %q", pr.State)
	}
}
