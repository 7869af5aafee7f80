// Package client talks to the Sal server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Connect timeout shared by all requests.
	defaultConnectTimeout = 3050 * time.Millisecond
	// Total timeout for hash checks and script fetches.
	defaultGetTimeout = 4 * time.Second
	// Total timeout for bulk submissions.
	defaultPostTimeout = 8 * time.Second
	// Maximum response body size.
	maxResponseSize = 64 << 20
	// Username sent with basic auth; the password is the machine group key.
	basicAuthUser = "sal"
)

// ErrNoResponse marks a request that never produced an HTTP response.
var ErrNoResponse = errors.New("no response from server")

// Options configures a Client.
type Options struct {
	Thresholds     map[string]Threshold
	Log            zerolog.Logger
	BaseURL        string
	Key            string
	CACert         string
	ClientCert     string
	ClientKey      string
	UserAgent      string
	ConnectTimeout time.Duration
	GetTimeout     time.Duration
	PostTimeout    time.Duration
	BasicAuth      bool
}

// Capabilities reports which optional transport features are active.
type Capabilities struct {
	BasicAuth  bool
	CustomCA   bool
	ClientCert bool
}

// Response is a complete HTTP response.
type Response struct {
	Body       []byte
	StatusCode int
}

// Client issues blocking JSON requests against the server.
type Client struct {
	thresholds map[string]Threshold
	getClient  *http.Client
	postClient *http.Client
	log        zerolog.Logger
	baseURL    string
	key        string
	userAgent  string
	caps       Capabilities
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("server URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	getTimeout := opts.GetTimeout
	if getTimeout <= 0 {
		getTimeout = defaultGetTimeout
	}
	postTimeout := opts.PostTimeout
	if postTimeout <= 0 {
		postTimeout = defaultPostTimeout
	}

	c := &Client{
		baseURL:    base,
		key:        opts.Key,
		userAgent:  opts.UserAgent,
		log:        opts.Log,
		thresholds: make(map[string]Threshold, len(DefaultThresholds)),
	}
	for name, th := range DefaultThresholds {
		c.thresholds[name] = th
	}
	for name, th := range opts.Thresholds {
		c.thresholds[name] = th
	}
	c.caps.BasicAuth = opts.BasicAuth && opts.Key != ""

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CACert != "" {
		if pool, err := loadCAPool(opts.CACert); err != nil {
			c.log.Warn().Err(err).Str("path", opts.CACert).Msg("Ignoring CA certificate")
		} else {
			tlsConfig.RootCAs = pool
			c.caps.CustomCA = true
		}
	}
	if opts.ClientCert != "" {
		keyPath := opts.ClientKey
		if keyPath == "" {
			keyPath = opts.ClientCert
		}
		if cert, err := tls.LoadX509KeyPair(opts.ClientCert, keyPath); err != nil {
			c.log.Warn().Err(err).Str("path", opts.ClientCert).Msg("Ignoring client certificate")
		} else {
			tlsConfig.Certificates = []tls.Certificate{cert}
			c.caps.ClientCert = true
		}
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
	}
	c.getClient = &http.Client{Transport: transport, Timeout: getTimeout}
	c.postClient = &http.Client{Transport: transport, Timeout: postTimeout}
	return c, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in CA bundle")
	}
	return pool, nil
}

// Capabilities reports the active transport features.
func (c *Client) Capabilities() Capabilities {
	return c.caps
}

// URL joins path onto the base URL with exactly one slash between them and a
// trailing slash.
func (c *Client) URL(path string) string {
	return c.baseURL + "/" + strings.Trim(path, "/") + "/"
}

// Get issues a GET with the short timeout.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(c.getClient, req)
}

// Post marshals body as JSON and issues a POST with the long timeout.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(c.postClient, req)
}

func (c *Client) do(hc *http.Client, req *http.Request) (*Response, error) {
	start := time.Now()
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.caps.BasicAuth {
		req.SetBasicAuth(basicAuthUser, c.key)
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("Request failed")
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNoResponse, req.Method, req.URL.Path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Error closing response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s body: %w", ErrNoResponse, req.URL.Path, err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("Request completed")
	return &Response{Body: body, StatusCode: resp.StatusCode}, nil
}
