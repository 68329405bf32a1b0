package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/holon-run/mergequeue/pkg/engine"
	"github.com/holon-run/mergequeue/pkg/github"
	"github.com/holon-run/mergequeue/pkg/queue"
	"github.com/holon-run/mergequeue/pkg/train"
)

var queueJSON bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect persisted queues",
}

var queueShowCmd = &cobra.Command{
	Use:   "show <owner/repo[:base]|owner/repo#N>",
	Short: "Show the queues and merge trains of a repository",
	Long: `Show the persisted queues and merge trains of a repository.

The target narrows the output:
  owner/repo        every base branch
  owner/repo:main   the queue and train of one base branch
  owner/repo#42     the position of one pull request`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := github.ParseRef(args[0])
		if err != nil {
			return err
		}
		states, err := openStateStore()
		if err != nil {
			return err
		}
		st, err := engine.LoadState(cmd.Context(), states, ref.Repo)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if queueJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		if ref.Kind == github.RefTypePR {
			printPosition(out, st, ref)
			return nil
		}

		var names []string
		for _, base := range activeBases(st) {
			if ref.Kind == github.RefTypeQueue && base != ref.Base {
				continue
			}
			names = append(names, base)
		}
		if len(names) == 0 {
			fmt.Fprintf(out, "%s: no queued pull requests\n", ref)
			return nil
		}

		fmt.Fprintf(out, "%s\n", ref.Repo)
		for _, base := range names {
			entries := st.Queue.Queues[base]
			fmt.Fprintf(out, "  %s: %d queued\n", base, len(entries))
			for i, e := range entries {
				fmt.Fprintf(out, "    %d. %s\n", i+1, describeEntry(e))
			}
			tr, ok := st.Trains[base]
			if !ok || tr.Empty() {
				continue
			}
			fmt.Fprintf(out, "  train %s:\n", base)
			for _, car := range tr.List() {
				fmt.Fprintf(out, "    %s\n", describeCar(car))
			}
		}
		return nil
	},
}

// activeBases returns the sorted base branches with a queued entry or a car.
func activeBases(st *engine.State) []string {
	bases := map[string]bool{}
	for base, entries := range st.Queue.Queues {
		if len(entries) > 0 {
			bases[base] = true
		}
	}
	for base, tr := range st.Trains {
		if !tr.Empty() {
			bases[base] = true
		}
	}
	names := make([]string, 0, len(bases))
	for base := range bases {
		names = append(names, base)
	}
	sort.Strings(names)
	return names
}

func describeEntry(e queue.Entry) string {
	line := fmt.Sprintf("#%d rule=%s", e.PR, e.Rule)
	if e.Priority != 0 {
		line += fmt.Sprintf(" priority=%d", e.Priority)
	}
	if e.Frozen() {
		line += " frozen"
	}
	return line
}

func describeCar(car *train.Car) string {
	prs := make([]string, len(car.Entries))
	for i, pr := range car.Entries {
		prs[i] = fmt.Sprintf("#%d", pr)
	}
	line := fmt.Sprintf("%s [%s] %s", car.ID, strings.Join(prs, " "), car.State)
	if car.Group != "" {
		line += " bisecting"
	}
	if car.FailureReason != "" {
		line += " (" + string(car.FailureReason) + ")"
	}
	return line
}

func printPosition(out io.Writer, st *engine.State, ref *github.Ref) {
	found := false
	for _, base := range activeBases(st) {
		for i, e := range st.Queue.Queues[base] {
			if e.PR == ref.Number {
				found = true
				fmt.Fprintf(out, "%s: position %d on %s, %s\n", ref, i+1, base, describeEntry(e))
			}
		}
		if tr, ok := st.Trains[base]; ok {
			if car, ok := tr.CarOf(ref.Number); ok {
				found = true
				fmt.Fprintf(out, "%s: in car %s\n", ref, describeCar(car))
			}
		}
	}
	if !found {
		fmt.Fprintf(out, "%s: not queued\n", ref)
	}
}

func init() {
	queueShowCmd.Flags().BoolVar(&queueJSON, "json", false, "Print the persisted state as JSON")
	queueCmd.AddCommand(queueShowCmd)
	rootCmd.AddCommand(queueCmd)
}
