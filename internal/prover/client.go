package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"github.com/prooflink/prooflink/internal/storage"
)

const apiKeyHeader = "X-Api-Key"

// Config holds proving-service connection settings.
type Config struct {
	Endpoint string
	APIKey   string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// PollRate caps status polls per second across all jobs.
	PollRate float64
}

// HTTPClient talks to the proving service's REST API.
type HTTPClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client from config. A zero PollRate disables the
// poll limiter.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("proving service endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.PollRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), 1)
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
	}, nil
}

type submitRequest struct {
	ImageID string        `json:"image_id"`
	Input   hexutil.Bytes `json:"input"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Submit sends a job and returns the service-assigned id.
func (c *HTTPClient) Submit(ctx context.Context, imageID common.Hash, input []byte) (string, error) {
	body, err := json.Marshal(submitRequest{ImageID: imageID.Hex(), Input: input})
	if err != nil {
		return "", fmt.Errorf("failed to encode job submission: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.endpoint+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", sdkerrors.Wrapf(storage.ErrTransientService, "malformed submit response: %v", err)
	}
	if out.ID == "" {
		return "", sdkerrors.Wrap(storage.ErrTransientService, "submit response missing job id")
	}
	return out.ID, nil
}

// Poll returns the job's current status.
func (c *HTTPClient) Poll(ctx context.Context, id string) (Status, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := c.do(ctx, http.MethodGet, c.endpoint+"/v1/jobs/"+id, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The service no longer knows the job; it will never complete.
		return "", sdkerrors.Wrapf(storage.ErrJobRejected, "job %s unknown to proving service", id)
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", sdkerrors.Wrapf(storage.ErrTransientService, "malformed status response: %v", err)
	}
	if out.Status.Fatal() {
		return out.Status, sdkerrors.Wrapf(storage.ErrJobRejected, "job %s: %s %s", id, out.Status, out.Error)
	}
	return out.Status, nil
}

// FetchPayload downloads the finished proof bytes.
func (c *HTTPClient) FetchPayload(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint+"/v1/jobs/"+id+"/payload", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, sdkerrors.Wrapf(storage.ErrJobRejected, "payload for job %s unknown to proving service", id)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sdkerrors.Wrapf(storage.ErrTransientService, "failed to read payload: %v", err)
	}
	return payload, nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Unreachable service is transient; the id stays where it is and is
		// polled again later.
		return nil, sdkerrors.Wrapf(storage.ErrTransientService, "proving service unreachable: %v", err)
	}
	return resp, nil
}

// checkStatus maps HTTP status classes onto the relay's error kinds:
// 5xx and 429 are transient, other non-2xx are permanent rejections.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return sdkerrors.Wrapf(storage.ErrTransientService, "proving service returned %d", resp.StatusCode)
	default:
		return sdkerrors.Wrapf(storage.ErrJobRejected, "proving service returned %d", resp.StatusCode)
	}
}
