package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holon-run/mergequeue/pkg/condition"
	"github.com/holon-run/mergequeue/pkg/pull"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/train"
)

// SummaryMarker identifies the queue summary comment of a pull request.
const SummaryMarker = "<!-- mergequeue:summary -->"

// Summary is what was last published for a queued pull request.
type Summary struct {
	// Position is the train line of the summary, compared without fetching
	// the pull request.
	Position string `json:"position"`
	Digest   string `json:"digest"`
}

// publishSummaries refreshes the summary comment of every queued pull request
// whose train position, car state or queue conditions changed. Publishing is
// best effort.
func (c *cycle) publishSummaries() {
	queued := map[int]bool{}
	for _, base := range c.queue.Bases() {
		order := c.queue.SnapshotOrder(base)
		for i, e := range order {
			queued[e.PR] = true
			position := c.position(e, i, len(order))
			prev, published := c.st.Summaries[e.PR]
			snap := c.seen[e.PR]
			if snap == nil {
				if published && prev.Position == position {
					continue
				}
				var err error
				if snap, err = c.fetch(c.ctx, e.PR); err != nil {
					c.log.Warnw("failed to read pull request for its summary", "pr", e.PR, "error", err)
					continue
				}
			}
			body := c.e.Redactor.String(c.summary(e, position, snap))
			sum := sha256.Sum256([]byte(body))
			digest := hex.EncodeToString(sum[:8])
			if published && prev.Digest == digest {
				continue
			}
			err := c.e.Retry.Do(c.ctx, func(ctx context.Context) error {
				return c.e.Provider.UpsertComment(ctx, c.st.Repo, e.PR, SummaryMarker, body)
			})
			if err != nil {
				c.log.Warnw("failed to publish queue summary", "pr", e.PR, "error", err)
				continue
			}
			c.st.Summaries[e.PR] = Summary{Position: position, Digest: digest}
		}
	}
	for pr := range c.st.Summaries {
		if !queued[pr] {
			delete(c.st.Summaries, pr)
		}
	}
}

// position describes where the entry stands in the queue and its train.
func (c *cycle) position(e queue.Entry, i, n int) string {
	line := fmt.Sprintf("Position %d of %d in the `%s` queue, rule `%s`", i+1, n, e.Base, e.Rule)
	if e.Priority != 0 {
		line += fmt.Sprintf(", priority %d", e.Priority)
	}
	line += "."
	t, ok := c.st.Trains[e.Base]
	if !ok {
		return line + " Waiting for a car."
	}
	car, ok := t.CarOf(e.PR)
	if !ok {
		return line + " Waiting for a car."
	}
	return line + fmt.Sprintf(" Car `%s` with %s: %s.", car.ID, prList(car.Entries), describeState(car))
}

func (c *cycle) summary(e queue.Entry, position string, snap *pull.Snapshot) string {
	var b strings.Builder
	b.WriteString("### Merge queue\n\n")
	b.WriteString(position + "\n\n")
	b.WriteString("**Queue conditions**\n\n")
	qr, ok := c.cfg.QueueRule(e.Rule)
	if !ok || qr.Conditions == nil {
		b.WriteString("- [X] no conditions\n")
		return b.String()
	}
	b.WriteString(condition.Summary(qr.Conditions, snap))
	return b.String()
}

func prList(prs []int) string {
	s := make([]string, len(prs))
	for i, pr := range prs {
		s[i] = fmt.Sprintf("#%d", pr)
	}
	return strings.Join(s, ", ")
}

func describeState(car *train.Car) string {
	switch car.State {
	case train.StateCreated:
		return "waiting to start"
	case train.StateAwaitingChecks:
		return "checks running"
	case train.StateSucceeded:
		return "checks passed, waiting to merge"
	default:
		return "failed"
	}
}
