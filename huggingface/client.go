// client.go - HuggingFace Hub Client
// Stellt einen HTTP-Client fuer Datei-Downloads aus dem Hub bereit.
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ollama/asrexport/envconfig"
)

// Konstanten fuer den Hub
const (
	DefaultClientTimeout = 30 * time.Minute
	ClientUserAgent      = "asrexport/0.1"
)

// Fehler-Definitionen
var (
	ErrModelNotFound   = errors.New("model not found")
	ErrUnauthorized    = errors.New("authentication failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrInvalidModelID  = errors.New("invalid model id")
	ErrInvalidResponse = errors.New("invalid server response")
	ErrOffline         = errors.New("file not cached and hub is offline")
)

// Client ist der HuggingFace Hub Client
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
	cacheDir   string
	parallel   int
	offline    bool
}

// ClientOption ist eine Funktion zur Konfiguration des Clients
type ClientOption func(*Client)

// WithToken setzt den HuggingFace API Token
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithBaseURL setzt eine Custom Base-URL
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithCacheDir setzt das Cache-Verzeichnis (Default: $HF_HOME/hub)
func WithCacheDir(dir string) ClientOption {
	return func(c *Client) { c.cacheDir = dir }
}

// WithParallelism setzt die Anzahl paralleler Downloads
func WithParallelism(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.parallel = n
		}
	}
}

// WithOffline verbietet Netzwerkzugriffe
func WithOffline(offline bool) ClientOption {
	return func(c *Client) { c.offline = offline }
}

// WithHTTPClient setzt einen Custom HTTP Client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient erstellt einen Client mit den Defaults aus der Umgebung
// (HF_ENDPOINT, HF_TOKEN, HF_HOME, HF_HUB_OFFLINE, ASREXPORT_DOWNLOAD_PARALLEL).
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		baseURL:    envconfig.HFEndpoint().String(),
		token:      envconfig.HFToken(),
		userAgent:  ClientUserAgent,
		cacheDir:   filepath.Join(envconfig.HFHome(), "hub"),
		parallel:   int(envconfig.DownloadParallel()),
		offline:    envconfig.HFOffline(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := handleResponseError(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return resp, nil
}

func handleResponseError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d - %s", ErrInvalidResponse, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func validateModelID(modelID string) error {
	parts := strings.Split(modelID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(modelID, "..") {
		return fmt.Errorf("%w: %q, want 'owner/model'", ErrInvalidModelID, modelID)
	}
	return nil
}
