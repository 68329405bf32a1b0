package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holon-run/mergequeue/pkg/event"
	"github.com/holon-run/mergequeue/pkg/hosting"
	"github.com/holon-run/mergequeue/pkg/hosting/fakehost"
	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/scheduler"
	"github.com/holon-run/mergequeue/pkg/serve"
	"github.com/holon-run/mergequeue/pkg/store"
)

// maxRounds bounds the check rounds simulated by `run --fake`.
const maxRounds = 64

var (
	runRepo      string
	runFake      string
	runMaxEvents int
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run [events.ndjson|-]",
	Short: "Process a file of events once and exit",
	Long: `Read webhook deliveries or normalized events as NDJSON, process them and
print what was merged and dequeued.

With --fake the repository is simulated in memory from a YAML fixture instead
of calling GitHub. Without an input file the fixture's pull requests are
opened in number order, and speculative checks are answered until the queues
settle: a check fails when its car contains a pull request listed under
check_results.failing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dir, err := absStateDir()
		if err != nil {
			return err
		}
		states, err := openStateStore()
		if err != nil {
			return err
		}
		stream := store.NewMemoryStream()
		defer stream.Close()

		var (
			provider hosting.Provider
			sim      *simulation
		)
		if runFake != "" {
			fx, repo, err := loadFixture(runFake)
			if err != nil {
				return err
			}
			host := fakehost.New()
			fx.install(host, repo)
			provider = host
			sim = &simulation{fx: fx, repo: repo, host: host}
			if runRepo == "" {
				runRepo = repo.String()
			}
		} else {
			if err := newPreflight(dir, false).Run(ctx); err != nil {
				return err
			}
			client, err := newGitHubClient()
			if err != nil {
				return err
			}
			provider = client
		}

		if len(args) == 1 {
			in, closeIn, err := openRunInput(args[0])
			if err != nil {
				return err
			}
			defer closeIn()
			svc, err := serve.New(serve.Config{RepoHint: runRepo, StateDir: dir, Stream: stream})
			if err != nil {
				return err
			}
			defer svc.Close()
			stats, err := svc.Run(ctx, in, runMaxEvents)
			if err != nil {
				return err
			}
			mqlog.Info("events read", "accepted", stats.Accepted, "ignored", stats.Ignored)
		} else {
			if sim == nil {
				return fmt.Errorf("an input file is required without --fake")
			}
			if _, err := sim.fx.openEvents(ctx, stream, sim.repo); err != nil {
				return err
			}
		}

		sum := newSummary()
		schedCfg, err := schedulerConfig()
		if err != nil {
			return err
		}
		schedCfg.OnOutcome = sum.record
		sched := scheduler.New(newEngine(provider), states, stream, schedCfg)

		for round := 0; ; round++ {
			if err := sched.Drain(ctx); err != nil {
				return err
			}
			if sim == nil {
				break
			}
			if round >= maxRounds {
				return fmt.Errorf("queues did not settle after %d check rounds", maxRounds)
			}
			n, err := sim.answerChecks(ctx, stream)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}

		if sim != nil {
			sim.collectMerged(sum)
		}
		return sum.print(cmd.OutOrStdout(), runJSON)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Repository (owner/name) of normalized events without one")
	runCmd.Flags().StringVar(&runFake, "fake", "", "Simulate the repository from a YAML fixture instead of calling GitHub")
	runCmd.Flags().IntVar(&runMaxEvents, "max-events", 0, "Stop reading after N accepted events (0 = unlimited)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the summary as JSON")
	runCmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip preflight checks when calling GitHub")
	rootCmd.AddCommand(runCmd)
}

func openRunInput(input string) (io.Reader, func(), error) {
	if input == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// simulation answers the check requests of a fake host.
type simulation struct {
	fx       *fixture
	repo     hosting.Repo
	host     *fakehost.Host
	answered int
}

// answerChecks appends a check_run event for every check of the requests
// made since the last call and returns the number of requests answered.
func (s *simulation) answerChecks(ctx context.Context, stream store.Stream) (int, error) {
	reqs := s.host.CheckRequests()
	fresh := reqs[s.answered:]
	s.answered = len(reqs)
	for _, req := range fresh {
		state, ok := s.fx.checkResult(s.host.PullsOn(s.repo, req.Ref))
		if !ok {
			continue
		}
		for _, name := range req.Checks {
			ev, err := event.New(s.repo, event.KindCheckRun, fmt.Sprintf("fixture-check-%s-%s", req.CarID, name),
				event.CheckRun{Name: name, State: state, SHA: req.SHA, Ref: req.Ref})
			if err != nil {
				return 0, err
			}
			if _, err := stream.Append(ctx, ev); err != nil {
				return 0, err
			}
		}
	}
	return len(fresh), nil
}

// collectMerged replaces the merged pull requests with the content of the
// simulated base branches, which also covers merges made outside a train.
func (s *simulation) collectMerged(sum *summary) {
	sum.mu.Lock()
	defer sum.mu.Unlock()
	rs := sum.repo(s.repo.String())
	rs.Merged = map[string][]int{}
	for _, b := range s.fx.Branches {
		if prs := s.host.PullsOn(s.repo, b); len(prs) > 0 {
			rs.Merged[b] = prs
		}
	}
}

type dequeuedPull struct {
	PR     int          `json:"pr"`
	Reason queue.Reason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

type repoSummary struct {
	Merged   map[string][]int `json:"merged"`
	Dequeued []dequeuedPull   `json:"dequeued"`
	Failed   int              `json:"failed_events"`
}

type summary struct {
	mu    sync.Mutex
	Repos map[string]*repoSummary `json:"repos"`
}

func newSummary() *summary {
	return &summary{Repos: map[string]*repoSummary{}}
}

func (s *summary) repo(name string) *repoSummary {
	rs, ok := s.Repos[name]
	if !ok {
		rs = &repoSummary{Merged: map[string][]int{}}
		s.Repos[name] = rs
	}
	return rs
}

func (s *summary) record(out scheduler.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.repo(out.Repo.String())
	if out.Err != nil {
		rs.Failed++
	}
	if out.Result == nil {
		return
	}
	bases := make([]string, 0, len(out.Result.Reports))
	for base := range out.Result.Reports {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	for _, base := range bases {
		for _, m := range out.Result.Reports[base].Merged {
			rs.Merged[base] = append(rs.Merged[base], m.PRs...)
		}
	}
	for _, d := range out.Result.Dequeued {
		if d.Reason == queue.ReasonMerged {
			continue
		}
		rs.Dequeued = append(rs.Dequeued, dequeuedPull{PR: d.PR, Reason: d.Reason, Detail: d.Detail})
	}
}

func (s *summary) print(w io.Writer, asJSON bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	names := make([]string, 0, len(s.Repos))
	for name := range s.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rs := s.Repos[name]
		fmt.Fprintf(w, "%s\n", name)
		bases := make([]string, 0, len(rs.Merged))
		for base := range rs.Merged {
			bases = append(bases, base)
		}
		sort.Strings(bases)
		for _, base := range bases {
			fmt.Fprintf(w, "  merged into %s: %s\n", base, formatPRs(rs.Merged[base]))
		}
		for _, d := range rs.Dequeued {
			fmt.Fprintf(w, "  dequeued #%d: %s\n", d.PR, d.Reason)
		}
		if rs.Failed > 0 {
			fmt.Fprintf(w, "  failed events: %d\n", rs.Failed)
		}
	}
	return nil
}

func formatPRs(prs []int) string {
	parts := make([]string, len(prs))
	for i, pr := range prs {
		parts[i] = fmt.Sprintf("#%d", pr)
	}
	return strings.Join(parts, " ")
}
