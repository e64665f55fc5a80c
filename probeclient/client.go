// Package probeclient pulls sampling batches from a process that serves the
// stackprobe drain endpoint.
package probeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/stackprobe-dev/stackprobe-go/internal/drainpb"
)

const (
	ENV_TOKEN = "STACKPROBE_TOKEN"
)

// ErrUnauthorized is returned by Drain when the endpoint rejects the
// configured token.
var ErrUnauthorized = errors.New("drain endpoint rejected the token")

// DrainResult is the decoded payload of one drain poll.
type DrainResult = drainpb.Response

// Client polls a process's drain endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the drain endpoint at baseURL, e.g.
// "http://localhost:7071". Pass WithToken or WithTokenFromEnv when the
// endpoint requires authentication.
func NewClient(baseURL string, option ...Option) (*Client, error) {
	opts := clientOpts{}
	for _, o := range option {
		if err := o.apply(&opts); err != nil {
			return nil, err
		}
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	httpClient := opts.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      opts.token,
		httpClient: httpClient,
	}, nil
}

// Drain fetches the batches spooled since the previous poll. The endpoint
// empties its spool on every poll, so two clients draining the same process
// split the batches between them.
func (c *Client) Drain(ctx context.Context) (DrainResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/drain", nil)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to build drain request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to poll drain endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return DrainResult{}, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return DrainResult{}, fmt.Errorf("drain endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to read drain response: %w", err)
	}
	return drainpb.UnmarshalResponse(body)
}

type clientOpts struct {
	token      string
	httpClient *http.Client
}

// Option is the interface implemented by options for NewClient.
type Option interface {
	apply(*clientOpts) error
}

// WithToken is a string option for NewClient specifying the bearer token to
// present to the drain endpoint.
type WithToken string

var _ Option = WithToken("")

// apply implements the Option interface.
func (t WithToken) apply(opts *clientOpts) error {
	opts.token = string(t)
	return nil
}

// WithTokenFromEnv is an option for NewClient that reads the bearer token
// from the STACKPROBE_TOKEN environment variable. If that variable is not
// set, NewClient will return an error.
type WithTokenFromEnv struct{}

var _ Option = WithTokenFromEnv{}

// apply implements the Option interface.
func (WithTokenFromEnv) apply(opts *clientOpts) error {
	tok, ok := os.LookupEnv(ENV_TOKEN)
	if !ok {
		return fmt.Errorf("%s environment variable required by WithTokenFromEnv is not set", ENV_TOKEN)
	}
	opts.token = tok
	return nil
}

// WithHTTPClient is an option for NewClient that overrides the HTTP client
// used for polling.
type WithHTTPClient struct {
	Client *http.Client
}

var _ Option = WithHTTPClient{}

// apply implements the Option interface.
func (w WithHTTPClient) apply(opts *clientOpts) error {
	opts.httpClient = w.Client
	return nil
}
