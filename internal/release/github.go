// Package release queries a GitHub-style releases API for the newest
// firmware release and the download URL of its image asset.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CloudNativeWorks/otad/internal/version"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	DefaultAPIBase          = "https://api.github.com"
	DefaultTimeout          = 10 * time.Second
	DefaultMaxResponseBytes = 64 * 1024
	acceptHeader            = "application/vnd.github.v3+json"
)

// DefaultAssetSuffixes are the file name fragments that mark a firmware image.
var DefaultAssetSuffixes = []string{".bin"}

var (
	// ErrTransient covers connect, DNS, TLS and timeout failures.
	ErrTransient = errors.New("transient network error")
	// ErrProtocol covers unexpected status codes and malformed bodies.
	ErrProtocol = errors.New("release API protocol error")
)

// Info is the outcome of one successful query.
type Info struct {
	TagName         string
	LatestVersion   string
	FirmwareURL     string
	AssetName       string
	AssetSize       int64
	UpdateAvailable bool
	HTMLURL         string
	PublishedAt     time.Time
}

// HasFirmware reports whether an image asset was resolved.
func (i *Info) HasFirmware() bool {
	return i != nil && i.FirmwareURL != ""
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

type githubRelease struct {
	TagName     *string       `json:"tag_name"`
	HTMLURL     string        `json:"html_url"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	APIBase          string
	Token            string
	Timeout          time.Duration
	MaxResponseBytes int
	AssetSuffixes    []string
	HTTPClient       *http.Client
}

// Client implements the release query against one API host.
type Client struct {
	httpClient       *http.Client
	apiBase          string
	token            string
	currentVersion   string
	userAgent        string
	maxResponseBytes int
	suffixes         []string
	logger           *logger.Logger
}

// NewClient creates a release client for the running firmware version.
func NewClient(currentVersion string, opts Options, log *logger.Logger) *Client {
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if len(opts.AssetSuffixes) == 0 {
		opts.AssetSuffixes = DefaultAssetSuffixes
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		httpClient:       httpClient,
		apiBase:          strings.TrimRight(opts.APIBase, "/"),
		token:            opts.Token,
		currentVersion:   currentVersion,
		userAgent:        "otad/" + currentVersion,
		maxResponseBytes: opts.MaxResponseBytes,
		suffixes:         opts.AssetSuffixes,
		logger:           log,
	}
}

// LatestURL builds the releases endpoint for owner/repo.
func (c *Client) LatestURL(owner, repo string) string {
	return fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiBase, url.PathEscape(owner), url.PathEscape(repo))
}

// Query fetches the latest release of owner/repo and decides whether it is
// newer than the running version.
func (c *Client) Query(ctx context.Context, owner, repo string) (*Info, error) {
	endpoint := c.LatestURL(owner, repo)
	c.logger.Debugf("Querying release API: %s", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrProtocol, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", acceptHeader)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logger.Fields{
		"status": resp.StatusCode,
		"bytes":  len(body),
	}).Debug("Release API responded")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: release API returned status %d", ErrProtocol, resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: release API returned an empty body", ErrProtocol)
	}

	return c.parse(body)
}

// readBody accumulates the response into a buffer of fixed capacity.
func (c *Client) readBody(r io.Reader) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4096))
	n, err := io.Copy(buf, io.LimitReader(r, int64(c.maxResponseBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}
	if n > int64(c.maxResponseBytes) {
		return nil, fmt.Errorf("%w: response exceeds %d byte buffer", ErrProtocol, c.maxResponseBytes)
	}
	return buf.Bytes(), nil
}

func (c *Client) parse(body []byte) (*Info, error) {
	var rel githubRelease
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, fmt.Errorf("%w: failed to decode release: %v", ErrProtocol, err)
	}
	if rel.TagName == nil || *rel.TagName == "" {
		return nil, fmt.Errorf("%w: release has no tag_name", ErrProtocol)
	}

	info := &Info{
		TagName:       *rel.TagName,
		LatestVersion: *rel.TagName,
		HTMLURL:       rel.HTMLURL,
		PublishedAt:   rel.PublishedAt,
	}

	if !version.IsNewer(info.TagName, c.currentVersion) {
		c.logger.Infof("Already up to date (current %s, latest %s)", c.currentVersion, info.TagName)
		return info, nil
	}

	info.UpdateAvailable = true
	c.logger.Infof("Update available: %s -> %s", c.currentVersion, info.TagName)

	if asset, ok := c.pickAsset(rel.Assets); ok {
		info.FirmwareURL = asset.BrowserDownloadURL
		info.AssetName = asset.Name
		info.AssetSize = asset.Size
		c.logger.Infof("Firmware URL: %s", info.FirmwareURL)
	} else {
		c.logger.Warnf("Release %s has no firmware asset", info.TagName)
	}

	return info, nil
}

// pickAsset returns the first asset whose name contains an image suffix.
func (c *Client) pickAsset(assets []githubAsset) (githubAsset, bool) {
	for _, asset := range assets {
		if asset.Name == "" || asset.BrowserDownloadURL == "" {
			continue
		}
		for _, suffix := range c.suffixes {
			if strings.Contains(asset.Name, suffix) {
				return asset, true
			}
		}
	}
	return githubAsset{}, false
}
