// Package github implements forge.Bridge against the real GitHub REST API,
// following the teacher's oauth2.StaticTokenSource + go-github client-
// construction idiom (internal/activity/github.go).
package github

import (
	"context"
	"fmt"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/ci-forge/engine/internal/forge"
	"github.com/ci-forge/engine/internal/path"
	"github.com/ci-forge/engine/internal/store"
)

// Client is a forge.Bridge backed by the GitHub REST API.
type Client struct {
	gh *github.Client
}

// New constructs a Client authenticated with a personal access token or
// GitHub App installation token.
func New(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &Client{gh: github.NewClient(tc)}
}

// NewWithClient wraps a pre-constructed *github.Client, for tests that
// point it at an httptest server.
func NewWithClient(gh *github.Client) *Client {
	return &Client{gh: gh}
}

var _ forge.Bridge = (*Client)(nil)

func (c *Client) SyncInto(ctx context.Context, tx store.Transaction, project store.ProjectID) error {
	if err := c.syncPullRequests(ctx, tx, project); err != nil {
		return fmt.Errorf("github: syncing pull requests for %s: %w", project, err)
	}
	if err := c.syncBranches(ctx, tx, project); err != nil {
		return fmt.Errorf("github: syncing branches for %s: %w", project, err)
	}
	if err := c.syncTags(ctx, tx, project); err != nil {
		return fmt.Errorf("github: syncing tags for %s: %w", project, err)
	}
	return nil
}

func (c *Client) syncPullRequests(ctx context.Context, tx store.Transaction, project store.ProjectID) error {
	opts := &github.PullRequestListOptions{State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, project.Repo.User, project.Repo.Repo, opts)
		if err != nil {
			return err
		}
		for _, pr := range prs {
			base, err := project.TreePath.Append("pr")
			if err != nil {
				return err
			}
			prPath, err := base.Append(fmt.Sprintf("%d", pr.GetNumber()))
			if err != nil {
				return err
			}
			if err := writeLeaf(ctx, tx, prPath, "head", pr.GetHead().GetSHA()); err != nil {
				return err
			}
			if err := writeLeaf(ctx, tx, prPath, "title", pr.GetTitle()); err != nil {
				return err
			}
		}
		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) syncBranches(ctx context.Context, tx store.Transaction, project store.ProjectID) error {
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := c.gh.Repositories.ListBranches(ctx, project.Repo.User, project.Repo.Repo, opts)
		if err != nil {
			return err
		}
		for _, b := range branches {
			name, err := path.New("heads")
			if err != nil {
				return err
			}
			name, err = name.Append(b.GetName())
			if err != nil {
				continue
			}
			refPath, err := project.TreePath.Append("ref")
			if err != nil {
				return err
			}
			refPath = refPath.Join(name)
			if err := writeLeaf(ctx, tx, refPath, "head", b.GetCommit().GetSHA()); err != nil {
				return err
			}
		}
		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) syncTags(ctx context.Context, tx store.Transaction, project store.ProjectID) error {
	opts := &github.ListOptions{PerPage: 100}
	for {
		tags, resp, err := c.gh.Repositories.ListTags(ctx, project.Repo.User, project.Repo.Repo, opts)
		if err != nil {
			return err
		}
		for _, tg := range tags {
			name, err := path.New("tags")
			if err != nil {
				return err
			}
			name, err = name.Append(tg.GetName())
			if err != nil {
				continue
			}
			refPath, err := project.TreePath.Append("ref")
			if err != nil {
				return err
			}
			refPath = refPath.Join(name)
			if err := writeLeaf(ctx, tx, refPath, "head", tg.GetCommit().GetSHA()); err != nil {
				return err
			}
		}
		if resp.NextPage == 0 {
			return nil
		}
		opts.Page = resp.NextPage
	}
}

func writeLeaf(ctx context.Context, tx store.Transaction, dir path.Path, leaf, value string) error {
	if err := tx.MakeDirs(ctx, dir.String()); err != nil {
		return err
	}
	p, err := dir.Append(leaf)
	if err != nil {
		return err
	}
	return tx.CreateOrReplaceFile(ctx, p.String(), []byte(value+"\n"))
}

func (c *Client) PublishStatus(ctx context.Context, project store.ProjectID, commit store.Commit, st store.Status) error {
	state := string(st.State)
	status := &github.RepoStatus{
		State:       &state,
		Description: github.String(st.Description),
		Context:     github.String(st.ContextSegments.String()),
	}
	if st.URL != "" {
		status.TargetURL = github.String(st.URL)
	}
	_, _, err := c.gh.Repositories.CreateStatus(ctx, project.Repo.User, project.Repo.Repo, commit.Hash, status)
	if err != nil {
		return fmt.Errorf("github: publishing status for %s: %w", commit, err)
	}
	return nil
}
