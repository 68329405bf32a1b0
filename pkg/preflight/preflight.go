// Package preflight checks the environment of the merge queue before it
// starts serving: credentials, rule files, the state directory and the
// GitHub API.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/rules"
)

// CheckLevel is the outcome of a check.
type CheckLevel int

const (
	// LevelError blocks startup
	LevelError CheckLevel = iota
	// LevelWarn is reported but does not block startup
	LevelWarn
	LevelInfo
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Error   error
}

// Check is one environment check.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

func pass(c Check, msg string) CheckResult {
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: msg}
}

func warn(c Check, msg string, err error) CheckResult {
	return CheckResult{Name: c.Name(), Level: LevelWarn, Message: msg, Error: err}
}

func fail(c Check, msg string, err error) CheckResult {
	if err == nil {
		err = errors.New(msg)
	}
	return CheckResult{Name: c.Name(), Level: LevelError, Message: msg, Error: err}
}

// Checker runs a list of checks
type Checker struct {
	checks  []Check
	skipped bool
	quiet   bool
}

// Config selects the checks to run.
type Config struct {
	Skip bool
	// Quiet hides passing checks
	Quiet bool
	// TokenEnv names the variable holding the GitHub token. Empty disables
	// the check.
	TokenEnv string
	// RequireToken turns a missing token into an error
	RequireToken bool
	// WebhookSecretEnv names the variable holding the webhook secret. Empty
	// disables the check.
	WebhookSecretEnv string
	// RulesPath and RulesDir are the configured rule sources
	RulesPath string
	RulesDir  string
	Validator rules.ActionValidator
	// StateDir must be a writable directory; it is created when missing
	StateDir string
	// APIURL is checked when set
	APIURL string
}

// NewChecker registers the checks enabled by cfg.
func NewChecker(cfg Config) *Checker {
	c := &Checker{
		skipped: cfg.Skip,
		quiet:   cfg.Quiet,
	}

	if cfg.TokenEnv != "" {
		c.checks = append(c.checks, &GitHubTokenCheck{Env: cfg.TokenEnv, Required: cfg.RequireToken})
	}
	if cfg.WebhookSecretEnv != "" {
		c.checks = append(c.checks, &WebhookSecretCheck{Env: cfg.WebhookSecretEnv})
	}
	if cfg.RulesPath != "" || cfg.RulesDir != "" {
		c.checks = append(c.checks, &RulesCheck{Path: cfg.RulesPath, Dir: cfg.RulesDir, Validator: cfg.Validator})
	}
	if cfg.StateDir != "" {
		c.checks = append(c.checks, &StateDirCheck{Path: cfg.StateDir})
	}
	if cfg.APIURL != "" {
		c.checks = append(c.checks, &APICheck{URL: cfg.APIURL})
	}

	return c
}

// Run executes every check and fails when any check reports LevelError.
// Every failure is reported, not only the first.
func (c *Checker) Run(ctx context.Context) error {
	if c.skipped {
		mqlog.Info("preflight checks skipped")
		return nil
	}
	mqlog.Progress("running preflight checks")

	var failures []string
	warnings := 0
	for _, check := range c.checks {
		res := check.Run(ctx)
		switch res.Level {
		case LevelError:
			mqlog.Error("preflight check failed", "check", res.Name, "message", res.Message, "error", res.Error)
			failures = append(failures, fmt.Sprintf("%s: %v", res.Name, res.Error))
		case LevelWarn:
			warnings++
			mqlog.Warn("preflight check warning", "check", res.Name, "message", res.Message)
		default:
			if !c.quiet {
				mqlog.Info("preflight check", "check", res.Name, "message", res.Message)
			}
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(failures, "\n  - "))
	}
	mqlog.Progress("preflight checks passed", "warnings", warnings)
	return nil
}

// GitHubTokenCheck looks for the API token in the environment
type GitHubTokenCheck struct {
	Env      string
	Required bool
}

func (c *GitHubTokenCheck) Name() string {
	return "github-token"
}

func (c *GitHubTokenCheck) Run(ctx context.Context) CheckResult {
	if os.Getenv(c.Env) != "" {
		return pass(c, fmt.Sprintf("GitHub token available (from %s)", c.Env))
	}
	if c.Required {
		return fail(c, fmt.Sprintf("GitHub token not found. Set the %s environment variable", c.Env), fmt.Errorf("no GitHub token found in %s", c.Env))
	}
	return warn(c, fmt.Sprintf("GitHub token not found in %s, requests are unauthenticated", c.Env), nil)
}

// WebhookSecretCheck warns when webhook signatures cannot be validated
type WebhookSecretCheck struct {
	Env string
}

func (c *WebhookSecretCheck) Name() string {
	return "webhook-secret"
}

func (c *WebhookSecretCheck) Run(ctx context.Context) CheckResult {
	if os.Getenv(c.Env) == "" {
		return warn(c, fmt.Sprintf("%s is not set, webhook signatures are not validated", c.Env), nil)
	}
	return pass(c, "webhook secret available")
}

// RulesCheck parses the shared rule file and every per-repository rule file
type RulesCheck struct {
	Path      string
	Dir       string
	Validator rules.ActionValidator
}

func (c *RulesCheck) Name() string {
	return "rules"
}

func (c *RulesCheck) Run(ctx context.Context) CheckResult {
	var files []string
	if c.Path != "" {
		files = append(files, c.Path)
	}
	if c.Dir != "" {
		if info, err := os.Stat(c.Dir); err != nil || !info.IsDir() {
			return fail(c, fmt.Sprintf("rules directory is not accessible: %s", c.Dir), fmt.Errorf("not a directory: %s", c.Dir))
		}
		for _, pattern := range []string{"*/*.yml", "*/*.yaml"} {
			matches, err := filepath.Glob(filepath.Join(c.Dir, pattern))
			if err != nil {
				return fail(c, "invalid rules directory", err)
			}
			files = append(files, matches...)
		}
	}
	for _, f := range files {
		if _, err := rules.LoadFile(f, c.Validator); err != nil {
			return fail(c, fmt.Sprintf("invalid rule file: %s", f), fmt.Errorf("%s: %w", f, err))
		}
	}
	return pass(c, fmt.Sprintf("%d rule files are valid", len(files)))
}

// StateDirCheck checks if the state directory is writable
type StateDirCheck struct {
	Path string
}

func (c *StateDirCheck) Name() string {
	return "state-dir"
}

func (c *StateDirCheck) Run(ctx context.Context) CheckResult {
	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return fail(c, fmt.Sprintf("failed to resolve state path: %s", c.Path), err)
	}

	info, err := os.Stat(absPath)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(absPath, 0755); err != nil {
			return fail(c, fmt.Sprintf("cannot create state directory: %s", absPath), err)
		}
	case err != nil:
		return fail(c, fmt.Sprintf("cannot access state path: %s", absPath), err)
	case !info.IsDir():
		return fail(c, fmt.Sprintf("state path is not a directory: %s", absPath), nil)
	}

	testFile := filepath.Join(absPath, fmt.Sprintf(".mergequeue-write-test-%d", os.Getpid()))
	f, err := os.Create(testFile)
	if err != nil {
		return fail(c, fmt.Sprintf("state directory is not writable: %s", absPath), err)
	}
	f.Close()
	_ = os.Remove(testFile)

	return pass(c, fmt.Sprintf("state directory is writable: %s", absPath))
}

// APICheck performs a basic connectivity check against the GitHub API.
// This is best-effort and only warns.
type APICheck struct {
	URL    string
	Client *http.Client
}

func (c *APICheck) Name() string {
	return "github-api"
}

func (c *APICheck) Run(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, c.URL, nil)
	if err != nil {
		return warn(c, "failed to create API check request", err)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return warn(c, fmt.Sprintf("GitHub API may be unreachable: %s", c.URL), err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		mqlog.Debug("failed to drain response body", "error", err)
	}

	if resp.StatusCode >= 500 {
		return warn(c, fmt.Sprintf("GitHub API check returned unexpected status: %d", resp.StatusCode), fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	return pass(c, "GitHub API is reachable")
}
