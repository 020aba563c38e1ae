package client

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend.
// It holds no per-job state and is safe for concurrent use.
type ComfyClient struct {
	baseURL    *url.URL
	httpclient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

type Option func(*ComfyClient)

// WithHttpClient sets the underlying http client
func WithHttpClient(client *http.Client) Option {
	return func(c *ComfyClient) {
		c.httpclient = client
	}
}

// WithDialer sets the websocket dialer used by Subscribe
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *ComfyClient) {
		c.dialer = dialer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *ComfyClient) {
		c.logger = logger
	}
}

// NewComfyClient creates a client for the backend at baseURL, e.g. "http://127.0.0.1:8188".
// A bare host:port is accepted and treated as http.
func NewComfyClient(baseURL string, opts ...Option) (*ComfyClient, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend address %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend address %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backend address %q: missing host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	retv := &ComfyClient{
		baseURL:    u,
		httpclient: &http.Client{Timeout: 60 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(retv)
	}
	return retv, nil
}

// NewClientID returns a fresh correlation id for one job
func NewClientID() string {
	return uuid.New().String()
}

// BaseURL returns a copy of the backend base address
func (c *ComfyClient) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// HttpClient returns the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

func (c *ComfyClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *ComfyClient) wsURL(clientID string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.baseURL.Path + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String()
}
