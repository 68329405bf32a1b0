package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
)

// ErrIgnored is returned for webhook deliveries that carry nothing the queue
// reacts to.
var ErrIgnored = errors.New("webhook ignored")

// ReadWebhook validates the signature of a webhook request against secret
// and returns the event type, delivery id and payload. An empty secret skips
// signature validation.
func ReadWebhook(r *http.Request, secret []byte) (eventType, deliveryID string, payload []byte, err error) {
	payload, err = github.ValidatePayload(r, secret)
	if err != nil {
		return "", "", nil, err
	}
	return github.WebHookType(r), github.DeliveryID(r), payload, nil
}

// ParseWebhook normalizes a GitHub webhook delivery into an event.
func ParseWebhook(eventType, deliveryID string, payload []byte) (event.Event, error) {
	raw, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		if strings.Contains(err.Error(), "unknown X-Github-Event") {
			return event.Event{}, fmt.Errorf("%w: %s", ErrIgnored, eventType)
		}
		return event.Event{}, fmt.Errorf("failed to parse %s webhook: %w", eventType, err)
	}

	switch e := raw.(type) {
	case *github.PullRequestEvent:
		pr := e.GetPullRequest()
		return event.New(repoOf(e.GetRepo()), event.KindPullRequest, deliveryID, event.PullRequest{
			Number: pr.GetNumber(),
			Action: e.GetAction(),
			Base:   pr.GetBase().GetRef(),
			Merged: pr.GetMerged(),
		})

	case *github.PullRequestReviewEvent:
		pr := e.GetPullRequest()
		return event.New(repoOf(e.GetRepo()), event.KindReview, deliveryID, event.PullRequest{
			Number: pr.GetNumber(),
			Action: e.GetAction(),
			Base:   pr.GetBase().GetRef(),
		})

	case *github.CheckRunEvent:
		run := e.GetCheckRun()
		payload := event.CheckRun{
			Name:  run.GetName(),
			State: CheckRunState(run.GetStatus(), run.GetConclusion()),
			SHA:   run.GetHeadSHA(),
			Ref:   run.GetCheckSuite().GetHeadBranch(),
		}
		for _, pr := range run.PullRequests {
			payload.PullRequests = append(payload.PullRequests, pr.GetNumber())
		}
		return event.New(repoOf(e.GetRepo()), event.KindCheckRun, deliveryID, payload)

	case *github.StatusEvent:
		if e.GetContext() == statusContext || strings.HasPrefix(e.GetContext(), statusContext+"/") {
			return event.Event{}, fmt.Errorf("%w: own status %s", ErrIgnored, e.GetContext())
		}
		payload := event.CheckRun{
			Name:  e.GetContext(),
			State: StatusState(e.GetState()),
			SHA:   e.GetSHA(),
		}
		if len(e.Branches) == 1 {
			payload.Ref = e.Branches[0].GetName()
		}
		return event.New(repoOf(e.GetRepo()), event.KindCheckRun, deliveryID, payload)

	case *github.PushEvent:
		branch, ok := strings.CutPrefix(e.GetRef(), "refs/heads/")
		if !ok || e.GetDeleted() {
			return event.Event{}, fmt.Errorf("%w: push to %s", ErrIgnored, e.GetRef())
		}
		repo := hosting.Repo{Owner: e.GetRepo().GetOwner().GetLogin(), Name: e.GetRepo().GetName()}
		if repo.Owner == "" {
			repo.Owner = e.GetRepo().GetOwner().GetName()
		}
		return event.New(repo, event.KindPush, deliveryID, event.Push{
			Branch: branch,
			After:  e.GetAfter(),
		})

	case *github.IssueCommentEvent:
		if !e.GetIssue().IsPullRequest() || e.GetAction() != "created" {
			return event.Event{}, fmt.Errorf("%w: issue comment %s", ErrIgnored, e.GetAction())
		}
		return event.New(repoOf(e.GetRepo()), event.KindComment, deliveryID, event.Comment{
			Number: e.GetIssue().GetNumber(),
			Author: e.GetComment().GetUser().GetLogin(),
			Body:   e.GetComment().GetBody(),
		})
	}

	return event.Event{}, fmt.Errorf("%w: %s", ErrIgnored, eventType)
}

func repoOf(r *github.Repository) hosting.Repo {
	return hosting.Repo{Owner: r.GetOwner().GetLogin(), Name: r.GetName()}
}
