package github

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/holon-run/mergequeue/pkg/hosting"
)

var (
	// Pull request ref patterns:
	// - owner/repo#123
	// - owner/repo/pull/123 (also with a https://github.com/ prefix)
	// - owner/repo/pr/123
	prRefPattern1 = regexp.MustCompile(`^([^/#:\s]+)/([^/#:\s]+)#(\d+)$`)
	prRefPattern2 = regexp.MustCompile(`^([^/#:\s]+)/([^/#:\s]+)/(?:pull|pr)/(\d+)$`)
	// Queue ref: owner/repo:base_branch
	queueRefPattern = regexp.MustCompile(`^([^/#:\s]+)/([^/#:\s]+):(\S+)$`)
	// Repository ref: owner/repo
	repoRefPattern = regexp.MustCompile(`^([^/#:\s]+)/([^/#:\s]+)$`)
)

// RefType represents the type of a reference
type RefType int

const (
	// RefTypePR is a pull request reference
	RefTypePR RefType = iota
	// RefTypeQueue is a base branch queue reference
	RefTypeQueue
	// RefTypeRepo is a repository reference
	RefTypeRepo
)

// Ref represents a parsed reference
type Ref struct {
	Repo   hosting.Repo
	Number int
	Base   string
	Kind   RefType
}

// ParseRef parses a reference string into its components.
// Supported formats:
//   - owner/repo#123, owner/repo/pull/123, owner/repo/pr/123 (pull request)
//   - owner/repo:base_branch (the queue of one base branch)
//   - owner/repo (repository)
func ParseRef(target string) (*Ref, error) {
	target = strings.TrimSpace(target)
	target = strings.TrimPrefix(target, "https://github.com/")
	target = strings.TrimSuffix(target, "/")

	for _, pattern := range []*regexp.Regexp{prRefPattern1, prRefPattern2} {
		if matches := pattern.FindStringSubmatch(target); matches != nil {
			num, err := strconv.Atoi(matches[3])
			if err != nil || num <= 0 {
				return nil, fmt.Errorf("invalid pull request number in %q", target)
			}
			return &Ref{
				Repo:   hosting.Repo{Owner: matches[1], Name: matches[2]},
				Number: num,
				Kind:   RefTypePR,
			}, nil
		}
	}

	if matches := queueRefPattern.FindStringSubmatch(target); matches != nil {
		return &Ref{
			Repo: hosting.Repo{Owner: matches[1], Name: matches[2]},
			Base: matches[3],
			Kind: RefTypeQueue,
		}, nil
	}

	if matches := repoRefPattern.FindStringSubmatch(target); matches != nil {
		return &Ref{
			Repo: hosting.Repo{Owner: matches[1], Name: matches[2]},
			Kind: RefTypeRepo,
		}, nil
	}

	return nil, fmt.Errorf("invalid reference format: %s (expected: owner/repo#123, owner/repo/pull/123, owner/repo:base_branch, or owner/repo)", target)
}

// String returns the string representation of the reference
func (r *Ref) String() string {
	switch r.Kind {
	case RefTypePR:
		return fmt.Sprintf("%s#%d", r.Repo, r.Number)
	case RefTypeQueue:
		return fmt.Sprintf("%s:%s", r.Repo, r.Base)
	default:
		return r.Repo.String()
	}
}
