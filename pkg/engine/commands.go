package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/holon-run/mergequeue/pkg/actions"
	"github.com/holon-run/mergequeue/pkg/event"
)

// Command is a command posted in a pull request comment, e.g.
// "@mergequeue queue urgent priority=2".
type Command struct {
	Name string
	Args []string
}

var commandNames = map[string]bool{
	"queue":    true,
	"dequeue":  true,
	"refresh":  true,
	"update":   true,
	"rebase":   true,
	"backport": true,
}

// ParseCommand finds the first line of body starting with prefix and parses
// the command following it.
func ParseCommand(prefix, body string) (Command, bool) {
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], prefix) {
			continue
		}
		name := strings.ToLower(fields[1])
		if !commandNames[name] {
			return Command{}, false
		}
		return Command{Name: name, Args: fields[2:]}, true
	}
	return Command{}, false
}

// options turns the command arguments into action options.
func (c Command) options() (map[string]any, error) {
	switch c.Name {
	case "queue":
		opts := map[string]any{}
		for _, arg := range c.Args {
			if v, ok := strings.CutPrefix(arg, "priority="); ok {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("invalid priority %q", v)
				}
				opts["priority"] = n
				continue
			}
			if _, ok := opts["name"]; ok {
				return nil, fmt.Errorf("unexpected argument %q", arg)
			}
			opts["name"] = arg
		}
		return opts, nil
	case "backport":
		if len(c.Args) == 0 {
			return nil, fmt.Errorf("backport needs at least one branch")
		}
		branches := make([]any, 0, len(c.Args))
		for _, b := range c.Args {
			branches = append(branches, b)
		}
		return map[string]any{"branches": branches}, nil
	}
	if len(c.Args) > 0 {
		return nil, fmt.Errorf("%s takes no argument", c.Name)
	}
	return nil, nil
}

// runCommand applies a command as a one-off action and replies on the pull
// request. A command is applied once per delivery.
func (c *cycle) runCommand(p event.Comment, cmd Command) error {
	log := c.log.With("pr", p.Number, "command", cmd.Name, "author", p.Author)
	if cmd.Name == "refresh" {
		log.Infow("refresh requested")
		return c.reply(p.Number, "Refresh requested, the pull request will be evaluated again.")
	}

	opts, err := cmd.options()
	if err != nil {
		return c.reply(p.Number, fmt.Sprintf("Command `%s` is invalid: %v.", cmd.Name, err))
	}
	a, err := c.e.Registry.Build(cmd.Name, opts)
	if err != nil {
		return c.reply(p.Number, fmt.Sprintf("Command `%s` is invalid: %v.", cmd.Name, err))
	}

	snap, err := c.snapshot(p.Number)
	if err != nil {
		return err
	}
	env := *c.env
	env.Rule = "command:" + c.ev.DeliveryID
	o := c.disp.Apply(c.ctx, &env, a, snap)
	c.res.Outcomes = append(c.res.Outcomes, o)
	log.Infow("command applied", "status", o.Status, "reason", o.Reason)

	var msg string
	switch o.Status {
	case actions.StatusSuccess:
		msg = fmt.Sprintf("Command `%s` succeeded.", cmd.Name)
	case actions.StatusPending:
		msg = fmt.Sprintf("Command `%s` is pending: %s.", cmd.Name, o.Reason)
	default:
		msg = fmt.Sprintf("Command `%s` failed: %s.", cmd.Name, o.Reason)
	}
	return c.reply(p.Number, msg)
}

func (c *cycle) reply(pr int, body string) error {
	body = c.e.Redactor.String(body)
	return c.e.Retry.Do(c.ctx, func(ctx context.Context) error {
		return c.e.Provider.PostComment(ctx, c.st.Repo, pr, body)
	})
}
