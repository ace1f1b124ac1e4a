package torbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/italolelis/torbox_watcher/internal/logctx"
	"golang.org/x/oauth2"
)

const retryWait = 5 * time.Second

// Kind selects the TorBox pipeline a request goes through.
type Kind string

const (
	KindTorrent Kind = "torrent"
	KindUsenet  Kind = "usenet"
)

func (k Kind) submitPath() string {
	if k == KindUsenet {
		return "/usenet/createusenetdownload"
	}

	return "/torrents/createtorrent"
}

func (k Kind) listPath() string {
	if k == KindUsenet {
		return "/usenet/mylist"
	}

	return "/torrents/mylist"
}

func (k Kind) requestDLPath() string {
	if k == KindUsenet {
		return "/usenet/requestdl"
	}

	return "/torrents/requestdl"
}

func (k Kind) idParam() string {
	if k == KindUsenet {
		return "usenet_id"
	}

	return "torrent_id"
}

// Client talks to the TorBox REST API. Responses are decoded into typed
// structs here, at the boundary; nothing downstream touches raw JSON.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	sleep      func(time.Duration)
}

// NewClient creates a TorBox API client authenticated with a bearer token.
func NewClient(apiBase, apiVersion, apiKey string, maxRetries int) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey})

	return &Client{
		baseURL:    fmt.Sprintf("%s/%s/api", apiBase, apiVersion),
		apiKey:     apiKey,
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		maxRetries: maxRetries,
		sleep:      time.Sleep,
	}
}

// SubmitOptions carries the submission knobs TorBox accepts.
type SubmitOptions struct {
	Name             string
	SeedPreference   int
	AllowZip         bool
	QueueImmediately bool
	PostProcessing   int
}

// SubmitTorrentFile uploads a .torrent file and creates a transfer.
func (c *Client) SubmitTorrentFile(ctx context.Context, filePath string, opts SubmitOptions) (*SubmitResult, error) {
	fields := c.torrentFields(opts)

	return c.submitFile(ctx, KindTorrent, filePath, "application/x-bittorrent", fields)
}

// SubmitMagnet creates a transfer from a magnet link.
func (c *Client) SubmitMagnet(ctx context.Context, magnet string, opts SubmitOptions) (*SubmitResult, error) {
	fields := c.torrentFields(opts)
	fields.Set("magnet", magnet)

	body := fields.Encode()

	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+KindTorrent.submitPath(), bytes.NewBufferString(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return req, nil
	})
	if err != nil {
		return nil, err
	}

	return decodeSubmission(KindTorrent, resp)
}

// SubmitNZB uploads an .nzb file and creates a usenet download.
func (c *Client) SubmitNZB(ctx context.Context, filePath string, opts SubmitOptions) (*SubmitResult, error) {
	fields := url.Values{}
	fields.Set("name", opts.Name)
	fields.Set("post_processing", strconv.Itoa(opts.PostProcessing))
	fields.Set("as_queued", strconv.FormatBool(opts.QueueImmediately))

	return c.submitFile(ctx, KindUsenet, filePath, "application/x-nzb", fields)
}

// ListByID queries the status list filtered to a single service id.
func (c *Client) ListByID(ctx context.Context, kind Kind, id string) ([]Item, error) {
	params := url.Values{}
	params.Set("id", id)

	return c.list(ctx, kind, params)
}

// ListAll fetches the full uncached status list, used by the dashboard.
func (c *Client) ListAll(ctx context.Context, kind Kind) ([]Item, error) {
	params := url.Values{}
	params.Set("bypass_cache", "true")
	params.Set("limit", "1000")

	return c.list(ctx, kind, params)
}

// RequestDownloadURL asks TorBox for a direct download URL for a finished job.
func (c *Client) RequestDownloadURL(ctx context.Context, kind Kind, serviceID string) (string, error) {
	params := url.Values{}
	params.Set(kind.idParam(), serviceID)
	params.Set("zip_link", "false")
	params.Set("token", c.apiKey)

	resp, err := c.get(ctx, kind.requestDLPath(), params)
	if err != nil {
		return "", err
	}

	var dlURL string
	if err := resp.decodeData(&dlURL); err != nil {
		return "", fmt.Errorf("failed to decode download url: %w", err)
	}

	if dlURL == "" {
		return "", &APIError{Endpoint: kind.requestDLPath(), Detail: "empty download url"}
	}

	return dlURL, nil
}

func (c *Client) torrentFields(opts SubmitOptions) url.Values {
	fields := url.Values{}
	fields.Set("name", opts.Name)
	fields.Set("seed", strconv.Itoa(opts.SeedPreference))
	fields.Set("allow_zip", strconv.FormatBool(opts.AllowZip))
	fields.Set("as_queued", strconv.FormatBool(opts.QueueImmediately))

	return fields
}

func (c *Client) submitFile(ctx context.Context, kind Kind, filePath, contentType string, fields url.Values) (*SubmitResult, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read submission file: %w", err)
	}

	// The body is rebuilt per attempt so retries never reuse a drained reader.
	buildBody := func() (io.Reader, string, error) {
		var buf bytes.Buffer

		w := multipart.NewWriter(&buf)

		header := make(map[string][]string)
		header["Content-Disposition"] = []string{
			fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(filePath)),
		}
		header["Content-Type"] = []string{contentType}

		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}

		if _, err := part.Write(content); err != nil {
			return nil, "", err
		}

		for key, values := range fields {
			for _, value := range values {
				if err := w.WriteField(key, value); err != nil {
					return nil, "", err
				}
			}
		}

		if err := w.Close(); err != nil {
			return nil, "", err
		}

		return &buf, w.FormDataContentType(), nil
	}

	resp, err := c.do(ctx, func() (*http.Request, error) {
		body, formContentType, err := buildBody()
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+kind.submitPath(), body)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", formContentType)

		return req, nil
	})
	if err != nil {
		return nil, err
	}

	return decodeSubmission(kind, resp)
}

func (c *Client) list(ctx context.Context, kind Kind, params url.Values) ([]Item, error) {
	resp, err := c.get(ctx, kind.listPath(), params)
	if err != nil {
		return nil, err
	}

	return resp.decodeItems()
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*envelope, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	})
}

// do runs a request through a bounded retry loop. Network errors and 5xx
// responses are retried with a fixed wait; 4xx responses are terminal.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*envelope, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying TorBox API call", "attempt", attempt, "err", lastErr)
			c.sleep(retryWait)
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)

			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response: %w", readErr)

			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = &APIError{
				Endpoint:   req.URL.Path,
				StatusCode: resp.StatusCode,
				Detail:     string(body),
			}

			continue
		}

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &APIError{
				Endpoint:   req.URL.Path,
				StatusCode: resp.StatusCode,
				Detail:     string(body),
			}
		}

		env, err := decodeEnvelope(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
		}

		if !env.Success {
			return nil, &APIError{
				Endpoint:   req.URL.Path,
				StatusCode: resp.StatusCode,
				Detail:     env.Detail,
			}
		}

		return env, nil
	}

	return nil, fmt.Errorf("TorBox API call failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
