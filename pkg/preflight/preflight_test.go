package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validRules = `
queue_rules:
  - name: default
    required_checks: [ci]
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestGitHubTokenCheck(t *testing.T) {
	ctx := context.Background()

	t.Setenv("MQ_TEST_TOKEN", "")
	result := (&GitHubTokenCheck{Env: "MQ_TEST_TOKEN"}).Run(ctx)
	if result.Name != "github-token" {
		t.Errorf("expected name 'github-token', got '%s'", result.Name)
	}
	if result.Level != LevelWarn {
		t.Errorf("expected LevelWarn for optional missing token, got %v", result.Level)
	}

	result = (&GitHubTokenCheck{Env: "MQ_TEST_TOKEN", Required: true}).Run(ctx)
	if result.Level != LevelError {
		t.Errorf("expected LevelError for required missing token, got %v", result.Level)
	}

	t.Setenv("MQ_TEST_TOKEN", "ghp_test")
	result = (&GitHubTokenCheck{Env: "MQ_TEST_TOKEN", Required: true}).Run(ctx)
	if result.Level != LevelInfo {
		t.Errorf("expected LevelInfo with token set, got %v", result.Level)
	}
	if strings.Contains(result.Message, "ghp_test") {
		t.Errorf("token leaked into message: %s", result.Message)
	}
}

func TestWebhookSecretCheck(t *testing.T) {
	t.Setenv("MQ_TEST_SECRET", "")
	if got := (&WebhookSecretCheck{Env: "MQ_TEST_SECRET"}).Run(context.Background()).Level; got != LevelWarn {
		t.Errorf("expected LevelWarn, got %v", got)
	}
	t.Setenv("MQ_TEST_SECRET", "s3cret")
	if got := (&WebhookSecretCheck{Env: "MQ_TEST_SECRET"}).Run(context.Background()).Level; got != LevelInfo {
		t.Errorf("expected LevelInfo, got %v", got)
	}
}

func TestRulesCheck(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "rules.yml")
	writeFile(t, shared, validRules)
	writeFile(t, filepath.Join(dir, "repos", "octo", "widgets.yml"), validRules)

	result := (&RulesCheck{Path: shared, Dir: filepath.Join(dir, "repos")}).Run(context.Background())
	if result.Level != LevelInfo {
		t.Fatalf("expected LevelInfo, got %v: %s (%v)", result.Level, result.Message, result.Error)
	}
	if result.Message != "2 rule files are valid" {
		t.Errorf("unexpected message: %s", result.Message)
	}

	writeFile(t, filepath.Join(dir, "repos", "octo", "gadgets.yaml"), "queue_rules:\n  - name: default\n    batch_size: 0\n")
	result = (&RulesCheck{Dir: filepath.Join(dir, "repos")}).Run(context.Background())
	if result.Level != LevelError {
		t.Fatalf("expected LevelError for an invalid rule file, got %v", result.Level)
	}
	if !strings.Contains(result.Error.Error(), "gadgets.yaml") {
		t.Errorf("expected the invalid file in the error, got %v", result.Error)
	}

	result = (&RulesCheck{Dir: filepath.Join(dir, "missing")}).Run(context.Background())
	if result.Level != LevelError {
		t.Errorf("expected LevelError for a missing directory, got %v", result.Level)
	}
}

func TestStateDirCheck(t *testing.T) {
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "state")
	result := (&StateDirCheck{Path: dir}).Run(ctx)
	if result.Level != LevelInfo {
		t.Fatalf("expected LevelInfo, got %v: %s", result.Level, result.Message)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("expected state directory to be created")
	}

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")
	result = (&StateDirCheck{Path: file}).Run(ctx)
	if result.Level != LevelError {
		t.Errorf("expected LevelError for a file, got %v", result.Level)
	}
}

func TestAPICheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ok.Close()
	if got := (&APICheck{URL: ok.URL}).Run(context.Background()).Level; got != LevelInfo {
		t.Errorf("expected LevelInfo for a reachable API, got %v", got)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	if got := (&APICheck{URL: broken.URL}).Run(context.Background()).Level; got != LevelWarn {
		t.Errorf("expected LevelWarn for a failing API, got %v", got)
	}
}

func TestChecker(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yml")
	writeFile(t, rulesPath, validRules)
	t.Setenv("MQ_TEST_TOKEN", "")

	checker := NewChecker(Config{
		TokenEnv:  "MQ_TEST_TOKEN",
		RulesPath: rulesPath,
		StateDir:  filepath.Join(dir, "state"),
	})
	if err := checker.Run(context.Background()); err != nil {
		t.Errorf("expected success with warnings only, got error: %v", err)
	}
}

func TestCheckerSkip(t *testing.T) {
	checker := NewChecker(Config{Skip: true, TokenEnv: "MQ_TEST_TOKEN", RequireToken: true})
	if err := checker.Run(context.Background()); err != nil {
		t.Errorf("expected success when skipped, got error: %v", err)
	}
}

func TestCheckerReportsEveryFailure(t *testing.T) {
	t.Setenv("MQ_TEST_TOKEN", "")
	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")

	checker := NewChecker(Config{
		TokenEnv:     "MQ_TEST_TOKEN",
		RequireToken: true,
		RulesPath:    filepath.Join(t.TempDir(), "missing.yml"),
		StateDir:     file,
	})
	err := checker.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"github-token", "rules", "state-dir"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error, got: %v", want, err)
		}
	}
}
