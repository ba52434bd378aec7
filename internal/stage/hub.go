package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const DefaultHubEndpoint = "https://huggingface.co"

// errRepoMissing marks a candidate repository that does not exist or is gated.
var errRepoMissing = errors.New("repository not available")

// HubClient talks to a Hugging Face compatible model hub.
type HubClient struct {
	endpoint   string
	token      string
	userAgent  string
	httpClient *http.Client
}

type HubOption func(*HubClient)

func WithHubToken(token string) HubOption {
	return func(c *HubClient) {
		c.token = strings.TrimSpace(token)
	}
}

func WithHTTPClient(client *http.Client) HubOption {
	return func(c *HubClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewHubClient(endpoint string, opts ...HubOption) *HubClient {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultHubEndpoint
	}
	c := &HubClient{
		endpoint:   endpoint,
		userAgent:  "mtforge",
		httpClient: &http.Client{Timeout: 0},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type hubModelInfo struct {
	ID       string `json:"id"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// ListFiles returns the file names of a model repository.
func (c *HubClient) ListFiles(ctx context.Context, repo string) ([]string, error) {
	req, err := c.newRequest(ctx, c.endpoint+"/api/models/"+repo)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, "query model info", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var info hubModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, NewErrorWithCause(ErrNetwork, "decode model info", err)
	}
	ret := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		ret = append(ret, s.RFilename)
	}
	return ret, nil
}

// DownloadFile fetches one repository file to destPath via a temp file and rename.
func (c *HubClient) DownloadFile(ctx context.Context, repo, name, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("prepare destination directory: %w", err)
	}

	fileURL := fmt.Sprintf("%s/%s/resolve/main/%s", c.endpoint, repo, url.PathEscape(name))
	req, err := c.newRequest(ctx, fileURL)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, "download "+name, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	tmpPath := destPath + ".download"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return transportError(ctx, "write "+name, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close destination file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move downloaded file into place: %w", err)
	}
	return nil
}

func (c *HubClient) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", errRepoMissing, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Errorf(ErrNetwork, "hub responded %s", resp.Status).
			WithRetryAfter(retryAfter(resp, time.Now()))
	default:
		return Errorf(ErrNetwork, "unexpected HTTP status: %s", resp.Status)
	}
}

func transportError(ctx context.Context, action string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return NewErrorWithCause(ErrNetwork, action, err)
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *http.Response, now time.Time) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
