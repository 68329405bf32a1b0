// Package github implements the hosting provider contract on top of the
// GitHub REST API, and normalizes GitHub webhook deliveries into events.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultDispatchEvent is the repository_dispatch event type sent to request
// checks on a speculative branch.
const DefaultDispatchEvent = "mergequeue-checks"

// Options configures a Client.
type Options struct {
	Token string
	// BaseURL points at a GitHub Enterprise or test API, e.g.
	// "https://github.example.com/api/v3/".
	BaseURL string
	// RequestsPerSecond paces outgoing requests; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// Transport is the underlying transport, http.DefaultTransport when nil.
	Transport http.RoundTripper
	// DispatchEvent is the repository_dispatch event type sent by
	// RequestChecks. Empty disables the dispatch: checks then run on push.
	DispatchEvent string
}

// Client talks to the GitHub API.
type Client struct {
	gh            *github.Client
	budget        *rateBudget
	dispatchEvent string

	mu      sync.Mutex
	carRefs map[string]string
}

// NewClient creates a GitHub client.
func NewClient(opts Options) (*Client, error) {
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	budget := &rateBudget{}
	transport := &rateLimitTransport{base: base, budget: budget}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		transport.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	httpClient := &http.Client{Transport: transport}
	if opts.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	}

	gh := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", opts.BaseURL, err)
		}
		gh.BaseURL = u
	}

	return &Client{
		gh:            gh,
		budget:        budget,
		dispatchEvent: opts.DispatchEvent,
		carRefs:       map[string]string{},
	}, nil
}

// GitHubClient returns the underlying go-github client.
func (c *Client) GitHubClient() *github.Client {
	return c.gh
}

// RateLimit returns the last observed rate limit status.
func (c *Client) RateLimit() RateLimitStatus {
	status, _ := c.budget.snapshot()
	return status
}
