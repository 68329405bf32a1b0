package github

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/pull"
)

const repoJSON = `"repository": {"name": "widgets", "owner": {"login": "octo"}}`

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		wantKind  event.Kind
		check     func(t *testing.T, ev event.Event)
	}{
		{
			name:      "pull request closed",
			eventType: "pull_request",
			payload:   `{"action": "closed", "pull_request": {"number": 12, "merged": true, "base": {"ref": "main"}}, ` + repoJSON + `}`,
			wantKind:  event.KindPullRequest,
			check: func(t *testing.T, ev event.Event) {
				p, err := ev.PullRequest()
				if err != nil {
					t.Fatal(err)
				}
				if p.Number != 12 || p.Action != "closed" || !p.Merged || p.Base != "main" {
					t.Errorf("payload = %+v", p)
				}
			},
		},
		{
			name:      "review",
			eventType: "pull_request_review",
			payload:   `{"action": "submitted", "pull_request": {"number": 3, "base": {"ref": "main"}}, ` + repoJSON + `}`,
			wantKind:  event.KindReview,
			check: func(t *testing.T, ev event.Event) {
				p, err := ev.PullRequest()
				if err != nil {
					t.Fatal(err)
				}
				if p.Number != 3 {
					t.Errorf("payload = %+v", p)
				}
			},
		},
		{
			name:      "check run on a speculative branch",
			eventType: "check_run",
			payload: `{"action": "completed", "check_run": {"name": "ci", "status": "completed", "conclusion": "failure", "head_sha": "abc",
				"check_suite": {"head_branch": "mergequeue/main/c1"}, "pull_requests": [{"number": 4}]}, ` + repoJSON + `}`,
			wantKind: event.KindCheckRun,
			check: func(t *testing.T, ev event.Event) {
				p, err := ev.CheckRun()
				if err != nil {
					t.Fatal(err)
				}
				if p.Name != "ci" || p.State != pull.CheckFailure || p.SHA != "abc" || p.Ref != "mergequeue/main/c1" {
					t.Errorf("payload = %+v", p)
				}
				if len(p.PullRequests) != 1 || p.PullRequests[0] != 4 {
					t.Errorf("PullRequests = %v", p.PullRequests)
				}
			},
		},
		{
			name:      "commit status",
			eventType: "status",
			payload:   `{"context": "coverage", "state": "success", "sha": "def", "branches": [{"name": "feature"}], ` + repoJSON + `}`,
			wantKind:  event.KindCheckRun,
			check: func(t *testing.T, ev event.Event) {
				p, err := ev.CheckRun()
				if err != nil {
					t.Fatal(err)
				}
				if p.Name != "coverage" || p.State != pull.CheckSuccess || p.SHA != "def" || p.Ref != "feature" {
					t.Errorf("payload = %+v", p)
				}
			},
		},
		{
			name:      "push",
			eventType: "push",
			payload:   `{"ref": "refs/heads/main", "after": "fff", "repository": {"name": "widgets", "owner": {"login": "octo", "name": "octo"}}}`,
			wantKind:  event.KindPush,
			check: func(t *testing.T, ev event.Event) {
				p, err := ev.Push()
				if err != nil {
					t.Fatal(err)
				}
				if p.Branch != "main" || p.After != "fff" {
					t.Errorf("payload = %+v", p)
				}
			},
		},
		{
			name:      "pull request comment",
			eventType: "issue_comment",
			payload: `{"action": "created", "issue": {"number": 9, "pull_request": {"url": "x"}},
				"comment": {"body": "@mergequeue queue", "user": {"login": "bob"}}, ` + repoJSON + `}`,
			wantKind: event.KindComment,
			check: func(t *testing.T, ev event.Event) {
				p, err := ev.Comment()
				if err != nil {
					t.Fatal(err)
				}
				if p.Number != 9 || p.Author != "bob" || p.Body != "@mergequeue queue" {
					t.Errorf("payload = %+v", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseWebhook(tt.eventType, "delivery-1", []byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseWebhook() error = %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ev.Kind, tt.wantKind)
			}
			if ev.Repo.String() != "octo/widgets" || ev.DeliveryID != "delivery-1" {
				t.Errorf("envelope = %+v", ev)
			}
			tt.check(t, ev)
		})
	}
}

func TestParseWebhook_Ignored(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
	}{
		{name: "issue comment", eventType: "issue_comment", payload: `{"action": "created", "issue": {"number": 9}, ` + repoJSON + `}`},
		{name: "edited comment", eventType: "issue_comment", payload: `{"action": "edited", "issue": {"number": 9, "pull_request": {"url": "x"}}, ` + repoJSON + `}`},
		{name: "tag push", eventType: "push", payload: `{"ref": "refs/tags/v1", "repository": {"name": "widgets", "owner": {"login": "octo"}}}`},
		{name: "own status", eventType: "status", payload: `{"context": "mergequeue", "state": "pending", "sha": "a", ` + repoJSON + `}`},
		{name: "ping", eventType: "ping", payload: `{"zen": "Keep it logically awesome."}`},
		{name: "unknown", eventType: "not_an_event", payload: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWebhook(tt.eventType, "d", []byte(tt.payload))
			if !errors.Is(err, ErrIgnored) {
				t.Errorf("ParseWebhook() error = %v, want ErrIgnored", err)
			}
		})
	}
}

func TestReadWebhook(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"zen": "hi"}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	newRequest := func(sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-GitHub-Event", "ping")
		r.Header.Set("X-GitHub-Delivery", "d-1")
		if sig != "" {
			r.Header.Set("X-Hub-Signature-256", sig)
		}
		return r
	}

	eventType, deliveryID, payload, err := ReadWebhook(newRequest(signature), secret)
	if err != nil {
		t.Fatalf("ReadWebhook() error = %v", err)
	}
	if eventType != "ping" || deliveryID != "d-1" || !bytes.Equal(payload, body) {
		t.Errorf("ReadWebhook() = %s, %s, %s", eventType, deliveryID, payload)
	}

	if _, _, _, err := ReadWebhook(newRequest("sha256=00"), secret); err == nil {
		t.Error("ReadWebhook() accepted a bad signature")
	}
	if _, _, _, err := ReadWebhook(newRequest(""), nil); err != nil {
		t.Errorf("ReadWebhook() without secret error = %v", err)
	}
}
