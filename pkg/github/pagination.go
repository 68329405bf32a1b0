package github

import (
	"github.com/google/go-github/v68/github"
)

// maxPages bounds a paginated listing.
const maxPages = 50

// paginate collects every page returned by fetch.
func paginate[T any](fetch func(opts github.ListOptions) ([]T, *github.Response, error)) ([]T, error) {
	opts := github.ListOptions{PerPage: 100}
	var all []T
	for page := 0; page < maxPages; page++ {
		items, resp, err := fetch(opts)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}
