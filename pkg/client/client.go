// Package client is the HTTP transport shared by the CLI's thin
// subcommands and any embedder: a TLS-aware http.Client construction and
// error-envelope decoding targeted at the id-addressed routes and
// exeio-api-key header the control plane exposes.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"exeio/internal/apierr"
	"exeio/internal/auth"
	"exeio/internal/process"
)

// Client talks to a running supervisor's control plane.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a client with optional TLS support.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// Info calls GET /info, which (like /metrics) is exempt from auth.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var out Info
	err := c.doJSON(ctx, "GET", c.baseURL+"/info", nil, &out)
	return out, err
}

// Add calls POST /add.
func (c *Client) Add(ctx context.Context, e process.Entry) (process.Entry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return process.Entry{}, fmt.Errorf("marshal entry: %w", err)
	}
	var out process.Entry
	err = c.doJSON(ctx, "POST", c.baseURL+"/add", data, &out)
	return out, err
}

// Restart calls POST /restart/{id}.
func (c *Client) Restart(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", c.baseURL+"/restart/"+id, nil, nil)
}

// Stop calls POST /stop/{id}.
func (c *Client) Stop(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", c.baseURL+"/stop/"+id, nil, nil)
}

// Remove calls POST /remove/{id}.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", c.baseURL+"/remove/"+id, nil, nil)
}

// List calls GET /list.
func (c *Client) List(ctx context.Context) ([]process.Entry, error) {
	var out []process.Entry
	err := c.doJSON(ctx, "GET", c.baseURL+"/list", nil, &out)
	return out, err
}

// Logs calls GET /logs/{id}?page=N&page_size=M.
func (c *Client) Logs(ctx context.Context, id string, page, pageSize int) (LogsResponse, error) {
	url := fmt.Sprintf("%s/logs/%s?page=%s&page_size=%s", c.baseURL, id, strconv.Itoa(page), strconv.Itoa(pageSize))
	var out LogsResponse
	err := c.doJSON(ctx, "GET", url, nil, &out)
	return out, err
}

// Input calls POST /input/{id}.
func (c *Client) Input(ctx context.Context, id, text string) error {
	data, err := json.Marshal(InputRequest{Input: text})
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	return c.doJSON(ctx, "POST", c.baseURL+"/input/"+id, data, nil)
}

// ClearLog calls POST /clear-log/{id}.
func (c *Client) ClearLog(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", c.baseURL+"/clear-log/"+id, nil, nil)
}

// RestartAll calls POST /restart-all.
func (c *Client) RestartAll(ctx context.Context) ([]Outcome, error) {
	var out []Outcome
	err := c.doJSON(ctx, "POST", c.baseURL+"/restart-all", nil, &out)
	return out, err
}

// StopAll calls POST /stop-all.
func (c *Client) StopAll(ctx context.Context) ([]Outcome, error) {
	var out []Outcome
	err := c.doJSON(ctx, "POST", c.baseURL+"/stop-all", nil, &out)
	return out, err
}

// Shutdown calls POST /shutdown.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.doJSON(ctx, "POST", c.baseURL+"/shutdown", nil, nil)
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// doJSON performs an HTTP request, attaching the api-key header, decoding
// the JSON body into out when non-nil, and translating non-2xx status codes
// into an apierr-kinded error via the response's status code.
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(auth.HeaderName, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	kind := apierr.KindIO
	switch resp.StatusCode {
	case http.StatusBadRequest:
		kind = apierr.KindValidation
	case http.StatusConflict:
		kind = apierr.KindConflict
	case http.StatusNotFound:
		kind = apierr.KindNotFound
	case http.StatusUnauthorized:
		kind = apierr.KindAuth
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return apierr.New(kind, "client", fmt.Errorf("%s", errorResp.Error))
}
