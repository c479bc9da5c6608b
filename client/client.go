// Package client owns the authenticated transport, the connection state
// machine, transaction id generation and the Session shared by every
// capability manager.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/fedsync/fedclient/internal"
)

// Version is reported in the User-Agent of every request.
var Version = "0.99.0"

const clientAPIBase = "/_matrix/client/r0"
const mediaAPIBase = "/_matrix/media/r0"

// DefaultRequestTimeout bounds capability writes. The sync engine uses its
// own, longer, poll timeout.
const DefaultRequestTimeout = 30 * time.Second

// Config configures the transport for one homeserver.
type Config struct {
	// HomeserverURL is the base URL of the homeserver, e.g. "https://example.org".
	HomeserverURL string
	// AccessToken authenticates every request. May be empty initially and
	// established later via Login.
	AccessToken string
	// HTTPClient is the injected transport. http.DefaultClient if nil.
	HTTPClient *http.Client
	// RequestTimeout bounds each non-sync request. DefaultRequestTimeout if zero.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// HTTPClient wraps the injected transport with the homeserver base URL and
// bearer authentication. Safe for concurrent use; capability managers issue
// independent requests through one shared instance.
type HTTPClient struct {
	baseURL        string
	client         *http.Client
	requestTimeout time.Duration
	logger         zerolog.Logger

	mu          sync.Mutex // guards accessToken
	accessToken string
}

// NewHTTPClient validates the config and returns a transport wrapper.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("client: HomeserverURL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("client: invalid HomeserverURL %q: %w", cfg.HomeserverURL, err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	c := &HTTPClient{
		baseURL:        strings.TrimRight(cfg.HomeserverURL, "/"),
		client:         hc,
		requestTimeout: timeout,
		logger:         cfg.Logger,
		accessToken:    cfg.AccessToken,
	}
	return c, nil
}

// BaseURL returns the homeserver base URL with no trailing slash.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// AccessToken returns the current bearer token.
func (c *HTTPClient) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// SetAccessToken replaces the bearer token, e.g. after Login or a token refresh.
func (c *HTTPClient) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Do issues an authenticated JSON request against the client API and returns
// the raw response body. path is relative to the client API base, already
// escaped. Non-2xx responses become *internal.ProtocolError carrying the
// verbatim body; failures to reach the server become *internal.TransportError.
func (c *HTTPClient) Do(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	return c.doAbsolute(ctx, method, clientAPIBase+path, query, body)
}

// DoMedia is Do against the media API base.
func (c *HTTPClient) DoMedia(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) ([]byte, error) {
	return c.doRaw(ctx, method, mediaAPIBase+path, query, contentType, body)
}

func (c *HTTPClient) doAbsolute(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal request body: %w", err)
		}
	}
	return c.doRaw(ctx, method, path, query, "application/json", payload)
}

func (c *HTTPClient) doRaw(ctx context.Context, method, path string, query url.Values, contentType string, payload []byte) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	req.Header.Set("User-Agent", "fedclient/"+Version)
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, &internal.TransportError{Err: err}
	}
	defer res.Body.Close()
	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &internal.TransportError{Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, internal.NewProtocolError(res.StatusCode, respBody)
	}
	return respBody, nil
}

// WhoAmI asks the homeserver to look up the access token. The response is
// assumed to contain a device id (homeserver >= Matrix 1.1).
func (c *HTTPClient) WhoAmI(ctx context.Context) (userID, deviceID string, err error) {
	body, err := c.Do(ctx, "GET", "/account/whoami", nil, nil)
	if err != nil {
		return "", "", err
	}
	parsed := gjson.ParseBytes(body)
	userID = parsed.Get("user_id").Str
	deviceID = parsed.Get("device_id").Str
	if userID == "" {
		return "", "", &internal.DecodeError{What: "whoami", Err: fmt.Errorf("response missing user_id")}
	}
	return userID, deviceID, nil
}

// LoginResponse is the result of a password login.
type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Login performs a password login and installs the returned access token on
// this transport.
func (c *HTTPClient) Login(ctx context.Context, userID, password string) (*LoginResponse, error) {
	reqBody := map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]interface{}{
			"type": "m.id.user",
			"user": userID,
		},
		"password": password,
	}
	body, err := c.Do(ctx, "POST", "/login", nil, reqBody)
	if err != nil {
		return nil, err
	}
	var res LoginResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &internal.DecodeError{What: "login response", Err: err}
	}
	c.SetAccessToken(res.AccessToken)
	return &res, nil
}
