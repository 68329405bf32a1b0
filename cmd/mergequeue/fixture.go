package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/hosting/fakehost"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/store"
)

// fixture describes a repository simulated in memory by `run --fake`.
type fixture struct {
	Repo     string          `yaml:"repo"`
	Branches []string        `yaml:"branches"`
	Pulls    []fixturePull   `yaml:"pulls"`
	Checks   fixtureOutcomes `yaml:"check_results"`
}

type fixturePull struct {
	Number   int               `yaml:"number"`
	Title    string            `yaml:"title"`
	Author   string            `yaml:"author"`
	Base     string            `yaml:"base"`
	Head     string            `yaml:"head"`
	Labels   []string          `yaml:"labels"`
	Checks   map[string]string `yaml:"checks"`
	Reviews  []fixtureReview   `yaml:"reviews"`
	Files    []string          `yaml:"files"`
	Draft    bool              `yaml:"draft"`
	Conflict bool              `yaml:"conflict"`
	Comments []string          `yaml:"comments"`
}

type fixtureReview struct {
	Author string `yaml:"author"`
	State  string `yaml:"state"`
}

// fixtureOutcomes decides the results reported for speculative checks: a
// check fails when the car contains one of the failing pull requests and is
// never reported when it contains a pending one.
type fixtureOutcomes struct {
	Failing []int `yaml:"failing"`
	Pending []int `yaml:"pending"`
}

func loadFixture(path string) (*fixture, hosting.Repo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hosting.Repo{}, fmt.Errorf("failed to read fixture: %w", err)
	}
	var fx fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return nil, hosting.Repo{}, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	repo, err := hosting.ParseRepo(fx.Repo)
	if err != nil {
		return nil, hosting.Repo{}, fmt.Errorf("fixture %s: %w", path, err)
	}
	if len(fx.Branches) == 0 {
		fx.Branches = []string{"main"}
	}
	seen := map[int]bool{}
	for i := range fx.Pulls {
		p := &fx.Pulls[i]
		if p.Number <= 0 {
			return nil, hosting.Repo{}, fmt.Errorf("fixture %s: pull request %d has no number", path, i)
		}
		if seen[p.Number] {
			return nil, hosting.Repo{}, fmt.Errorf("fixture %s: duplicate pull request #%d", path, p.Number)
		}
		seen[p.Number] = true
		if p.Base == "" {
			p.Base = fx.Branches[0]
		}
		if !slices.Contains(fx.Branches, p.Base) {
			return nil, hosting.Repo{}, fmt.Errorf("fixture %s: pull request #%d targets unknown branch %q", path, p.Number, p.Base)
		}
		if p.Head == "" {
			p.Head = fmt.Sprintf("feature-%d", p.Number)
		}
	}
	return &fx, repo, nil
}

// install registers the branches and pull requests on host.
func (fx *fixture) install(host *fakehost.Host, repo hosting.Repo) {
	for _, b := range fx.Branches {
		host.SetBranch(repo, b)
	}
	for _, p := range fx.Pulls {
		snap := &pull.Snapshot{
			Number:  p.Number,
			Title:   p.Title,
			Author:  p.Author,
			Base:    p.Base,
			Head:    p.Head,
			Labels:  p.Labels,
			Files:   p.Files,
			Draft:   p.Draft,
			Commits: 1,
			Checks:  map[string]pull.CheckState{},
		}
		for name, state := range p.Checks {
			snap.Checks[name] = pull.CheckState(state)
		}
		for _, r := range p.Reviews {
			snap.Reviews = append(snap.Reviews, pull.Review{Author: r.Author, State: pull.ReviewState(r.State)})
		}
		host.AddPull(repo, snap)
		if p.Conflict {
			host.Conflicts[p.Number] = true
		}
	}
}

// openEvents appends one "opened" event per pull request, followed by its
// comments, in pull request order.
func (fx *fixture) openEvents(ctx context.Context, stream store.Stream, repo hosting.Repo) (int, error) {
	pulls := append([]fixturePull(nil), fx.Pulls...)
	sort.Slice(pulls, func(i, j int) bool { return pulls[i].Number < pulls[j].Number })
	n := 0
	for _, p := range pulls {
		ev, err := event.New(repo, event.KindPullRequest, fmt.Sprintf("fixture-open-%d", p.Number),
			event.PullRequest{Number: p.Number, Action: "opened", Base: p.Base})
		if err != nil {
			return n, err
		}
		if _, err := stream.Append(ctx, ev); err != nil {
			return n, err
		}
		n++
		for i, body := range p.Comments {
			ev, err := event.New(repo, event.KindComment, fmt.Sprintf("fixture-comment-%d-%d", p.Number, i),
				event.Comment{Number: p.Number, Author: p.Author, Body: body})
			if err != nil {
				return n, err
			}
			if _, err := stream.Append(ctx, ev); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// checkResult returns the state reported for the checks of a speculative
// ref containing prs. It returns false when no result is reported.
func (fx *fixture) checkResult(prs []int) (pull.CheckState, bool) {
	for _, pr := range prs {
		if slices.Contains(fx.Checks.Pending, pr) {
			return pull.CheckPending, false
		}
	}
	for _, pr := range prs {
		if slices.Contains(fx.Checks.Failing, pr) {
			return pull.CheckFailure, true
		}
	}
	return pull.CheckSuccess, true
}
