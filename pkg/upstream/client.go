// Package upstream talks to the upstream identity API: readiness probing,
// roster synchronization and token issuance.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weavy/devauth/pkg/config"
	"github.com/weavy/devauth/pkg/roster"
)

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// ServerConfig is the immutable outbound connection configuration.
type ServerConfig struct {
	HTTPClient *http.Client
	BaseURL    *url.URL
	APIKey     string
}

// NewServerConfig builds the outbound configuration. The base URL and API
// key are mandatory; their absence is a configuration error.
func NewServerConfig(cfg *config.UpstreamConfig) (*ServerConfig, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: upstream url is required", config.ErrConfiguration)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: upstream api key is required", config.ErrConfiguration)
	}

	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: malformed upstream url %q", config.ErrConfiguration, cfg.URL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.InsecureSkipVerify {
		//nolint:gosec // development proxy talking to self-signed upstreams
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}

	return &ServerConfig{
		HTTPClient: &http.Client{Transport: transport, Timeout: timeout},
		BaseURL:    base,
		APIKey:     cfg.APIKey,
	}, nil
}

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("upstream %s %s returned %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}

	return msg
}

// StatusCode extracts the upstream HTTP status from err, if any.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}

	return 0, false
}

// Client is an upstream API client.
type Client struct {
	log            logrus.FieldLogger
	cfg            *ServerConfig
	tokenExpiresIn int
}

// NewClient creates a client. tokenExpiresIn is the lifetime in seconds
// requested for issued tokens.
func NewClient(
	log logrus.FieldLogger,
	cfg *ServerConfig,
	tokenExpiresIn int,
) *Client {
	if tokenExpiresIn <= 0 {
		tokenExpiresIn = config.DefaultTokenExpiresIn
	}

	return &Client{
		log:            log.WithField("component", "upstream"),
		cfg:            cfg,
		tokenExpiresIn: tokenExpiresIn,
	}
}

type userRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

type botRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Picture  string `json:"picture,omitempty"`
}

type tokenRequest struct {
	Name      string `json:"name"`
	ExpiresIn int    `json:"expires_in"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// Status fetches the raw body of the upstream status endpoint.
func (c *Client) Status(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/status", nil, false)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

// UpsertUser creates or replaces a human user upstream.
func (c *Client) UpsertUser(ctx context.Context, u roster.User) error {
	_, err := c.do(ctx, http.MethodPut, "/api/users/"+url.PathEscape(u.Username),
		userRequest{Name: u.Name, Email: u.Email, Picture: u.AvatarURL}, true)

	return err
}

// UpdateBot patches bot metadata upstream.
func (c *Client) UpdateBot(ctx context.Context, u roster.User) error {
	_, err := c.do(ctx, http.MethodPatch, "/api/bots/"+url.PathEscape(u.Username),
		botRequest{
			Name:     u.Name,
			Provider: u.Provider,
			Model:    u.Model,
			Picture:  u.AvatarURL,
		}, true)

	return err
}

// IssueToken asks the upstream for a new access token for username.
func (c *Client) IssueToken(ctx context.Context, username string) (string, error) {
	path := "/api/users/" + url.PathEscape(username) + "/tokens"

	body, err := c.do(ctx, http.MethodPost, path, tokenRequest{
		Name:      username,
		ExpiresIn: c.tokenExpiresIn,
	}, true)
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	if resp.AccessToken == "" {
		return "", errors.New("upstream token response has no access_token")
	}

	return resp.AccessToken, nil
}

// do performs a request against the upstream and returns the response
// body. Non-2xx responses become a *StatusError.
func (c *Client) do(
	ctx context.Context,
	method, path string,
	payload any,
	authenticated bool,
) ([]byte, error) {
	var reader io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.cfg.BaseURL.String()+path, reader,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authenticated {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Upstream request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}

		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}
