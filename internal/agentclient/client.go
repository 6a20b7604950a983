// Package agentclient is the HTTP client a fleet machine uses to talk to the control plane.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go_fleet/internal/dto"
	"go_fleet/internal/httpx"
	"go_fleet/internal/manifest"
)

const (
	apiPrefix = "/api/v1/client"
	// TokenHeader carries the shared agent token
	TokenHeader = "X-Agent-Token"
	userAgent   = "go_fleet-agent/1.0"
)

// ErrNotFound is matched by errors for resources the server does not know,
// e.g. a heartbeat from a machine that is not registered
var ErrNotFound = errors.New("not found")

// APIError is a non-success envelope returned by the control plane
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d, code=%d, message=%s", e.HTTPStatus, e.Code, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) match not found envelopes
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.Code == httpx.CodeNotFound || e.HTTPStatus == http.StatusNotFound)
}

// envelope mirrors httpx.Response with a deferred data payload
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the control plane client API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for serverURL. timeout bounds every request including
// package downloads.
func New(serverURL, token string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", serverURL)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(serverURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}
	return req, nil
}

// do sends a JSON request and decodes the envelope data into out when out is not nil
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{HTTPStatus: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != httpx.CodeSuccess {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Register registers or refreshes the machine
func (c *Client) Register(ctx context.Context, req dto.RegisterMachineRequest) error {
	return c.do(ctx, http.MethodPost, "/machines/register", req, nil)
}

// Heartbeat sends a liveness report. An unregistered machine yields an error
// matching ErrNotFound.
func (c *Client) Heartbeat(ctx context.Context, req dto.HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, "/machines/heartbeat", req, nil)
}

// PullTasks returns the machine's eligible tasks in server order
func (c *Client) PullTasks(ctx context.Context, machineID string) ([]dto.TaskDTO, error) {
	var data struct {
		Items []dto.TaskDTO `json:"items"`
	}
	path := "/tasks/pull?machineId=" + url.QueryEscape(machineID)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return data.Items, nil
}

// ReportStatus posts progress or the outcome of a task
func (c *Client) ReportStatus(ctx context.Context, taskID int, report dto.TaskStatusReport) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+strconv.Itoa(taskID)+"/status", report, nil)
}

// FetchManifest returns the manifest of appCode at version, or the latest when
// version is empty
func (c *Client) FetchManifest(ctx context.Context, appCode, version string) (*manifest.Manifest, error) {
	path := "/apps/" + url.PathEscape(appCode) + "/manifest"
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}

	var m manifest.Manifest
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DownloadPackage streams a package file into w and returns the byte count
func (c *Client) DownloadPackage(ctx context.Context, appCode, file string, w io.Writer) (int64, error) {
	path := "/apps/" + url.PathEscape(appCode) + "/packages/" + url.PathEscape(file)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", file, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env envelope
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &env)
		return 0, &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to download %s: %w", file, err)
	}
	return n, nil
}

// ReportInstallation posts an advisory outcome notification
func (c *Client) ReportInstallation(ctx context.Context, report dto.InstallationReport) error {
	return c.do(ctx, http.MethodPost, "/installations", report, nil)
}
