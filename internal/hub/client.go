// Package hub downloads model files from a HuggingFace-compatible hub into
// a local cache laid out like huggingface_hub's
// (models--owner--name/snapshots/<revision>/<file>).
package hub

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
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Hub defaults and the environment variables that override them.
const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"
	DefaultTimeout  = 30 * time.Minute
	EnvToken        = "HF_TOKEN"
	EnvEndpoint     = "HF_ENDPOINT"
	EnvHome         = "HF_HOME"
	EnvHubCache     = "HF_HUB_CACHE"
	userAgent       = "foundation-model-stack-go/1"
)

// Errors returned by the client.
var (
	ErrRepoNotFound   = errors.New("hub: repository not found")
	ErrFileNotFound   = errors.New("hub: file not found")
	ErrUnauthorized   = errors.New("hub: unauthorized")
	ErrInvalidRepoID  = errors.New("hub: invalid repository id")
	ErrInvalidFileRef = errors.New("hub: invalid file name")
)

// HTTPError is an unexpected hub response.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("hub: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

var tracer = otel.Tracer("github.com/Zephyr271828/foundation-model-stack/internal/hub")

// ModelInfo is the subset of the hub model API the loader uses.
type ModelInfo struct {
	ID       string    `json:"id"`
	SHA      string    `json:"sha"`
	Private  bool      `json:"private"`
	Gated    any       `json:"gated"` // false, "auto" or "manual"
	Tags     []string  `json:"tags"`
	Siblings []Sibling `json:"siblings"`
}

// Sibling is a file in a model repository.
type Sibling struct {
	Filename string `json:"rfilename"`
	Size     int64  `json:"size"`
}

// Files returns the repository file names.
func (m *ModelInfo) Files() []string {
	out := make([]string, len(m.Siblings))
	for i, s := range m.Siblings {
		out[i] = s.Filename
	}
	return out
}

// IsGated reports whether the repository requires accepting terms.
func (m *ModelInfo) IsGated() bool {
	switch v := m.Gated.(type) {
	case bool:
		return v
	case string:
		return v == "auto" || v == "manual"
	default:
		return false
	}
}

// Client talks to the hub. Its zero value is not usable; call NewClient.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	cacheDir   string
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithEndpoint sets the hub base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = strings.TrimSuffix(endpoint, "/") }
}

// WithCacheDir sets the cache root.
func WithCacheDir(dir string) Option {
	return func(c *Client) { c.cacheDir = dir }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for download events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client from HF_* environment variables and options.
// Options override the environment. Nothing touches the disk until a
// download is requested.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		endpoint:   DefaultEndpoint,
		token:      os.Getenv(EnvToken),
		cacheDir:   DefaultCacheDir(),
		logger:     zerolog.Nop(),
	}
	if ep := os.Getenv(EnvEndpoint); ep != "" {
		c.endpoint = strings.TrimSuffix(ep, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the hub base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// CacheDir returns the cache root.
func (c *Client) CacheDir() string { return c.cacheDir }

// ModelInfo fetches repository metadata at a revision.
func (c *Client) ModelInfo(ctx context.Context, repo, revision string) (*ModelInfo, error) {
	if err := ValidateRepoID(repo); err != nil {
		return nil, err
	}
	if revision == "" {
		revision = DefaultRevision
	}
	u := fmt.Sprintf("%s/api/models/%s/revision/%s", c.endpoint, repo, url.PathEscape(revision))
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, ErrRepoNotFound); err != nil {
		return nil, fmt.Errorf("%s: %w", repo, err)
	}
	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("hub: decode model info for %s: %w", repo, err)
	}
	return &info, nil
}

// Download fetches one file into the cache and returns its local path. A
// file already in the cache is returned without network access. Writes go
// through a temporary file renamed into place.
func (c *Client) Download(ctx context.Context, repo, file, revision string) (string, error) {
	ctx, span := tracer.Start(ctx, "hub.Download")
	defer span.End()
	span.SetAttributes(attribute.String("hub.repo", repo), attribute.String("hub.file", file))

	path, err := c.download(ctx, repo, file, revision)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return path, err
}

func (c *Client) download(ctx context.Context, repo, file, revision string) (string, error) {
	if err := ValidateRepoID(repo); err != nil {
		return "", err
	}
	if file == "" || strings.Contains(file, "..") || filepath.IsAbs(file) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileRef, file)
	}
	if revision == "" {
		revision = DefaultRevision
	}

	target := filepath.Join(c.SnapshotDir(repo, revision), filepath.FromSlash(file))
	if _, err := os.Stat(target); err == nil {
		downloads.WithLabelValues("cache").Inc()
		c.logger.Debug().Str("repo", repo).Str("file", file).Msg("hub cache hit")
		return target, nil
	}

	u := fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, repo, url.PathEscape(revision), file)
	resp, err := c.get(ctx, u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, ErrFileNotFound); err != nil {
		return "", fmt.Errorf("%s/%s: %w", repo, file, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("hub: create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return "", fmt.Errorf("hub: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("hub: download %s/%s: %w", repo, file, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("hub: move %s into cache: %w", file, err)
	}

	downloads.WithLabelValues("network").Inc()
	downloadedBytes.Add(float64(n))
	c.logger.Debug().Str("repo", repo).Str("file", file).Int64("bytes", n).Msg("hub download")
	return target, nil
}

// DownloadAll fetches files concurrently and returns their local paths in
// the order given.
func (c *Client) DownloadAll(ctx context.Context, repo string, files []string, revision string) ([]string, error) {
	paths := make([]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, f := range files {
		g.Go(func() error {
			p, err := c.Download(ctx, repo, f, revision)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("hub: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub: GET %s: %w", u, err)
	}
	return resp, nil
}

func checkResponse(resp *http.Response, notFound error) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return notFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// ValidateRepoID checks the owner/name form.
func ValidateRepoID(repo string) error {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") || strings.Contains(repo, "..") {
		return fmt.Errorf("%w: %q (want owner/name)", ErrInvalidRepoID, repo)
	}
	return nil
}
