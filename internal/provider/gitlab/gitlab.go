package gitlab

import (
	"context"
	"fmt"
	"strings"

	"github.com/drewdunne/commitwatch/internal/provider"
	"github.com/xanzy/go-gitlab"
)

// Ensure GitLabProvider implements provider.Provider.
var _ provider.Provider = (*GitLabProvider)(nil)

// GitLabProvider numbers the commits of one branch oldest first and exposes
// them as revisions. Only the first-parent chain is listed, so commits
// brought in by a merge are reported as the merge commit. The count comes
// from the X-Total header of that listing.
type GitLabProvider struct {
	client  *gitlab.Client
	token   string
	repo    string
	project string
	branch  string
	webURL  string
	baseURL string
	err     error // from options
}

// Option configures the GitLab provider.
type Option func(*GitLabProvider)

// WithBaseURL sets a custom base URL (for testing and self-hosted instances).
func WithBaseURL(baseURL string) Option {
	return func(p *GitLabProvider) {
		p.baseURL = strings.TrimRight(baseURL, "/")
		client, err := gitlab.NewClient(p.token, gitlab.WithBaseURL(p.baseURL+"/api/v4"))
		if err != nil {
			p.err = fmt.Errorf("invalid gitlab base url %q: %w", baseURL, err)
			return
		}
		p.client = client
	}
}

// WithWebURL sets a web view template with {rev} and {id} placeholders.
func WithWebURL(template string) Option {
	return func(p *GitLabProvider) {
		p.webURL = template
	}
}

// New creates a provider for project ("group/name") reported as repo.
// An empty branch tracks the default branch.
func New(repo, project, branch, token string, opts ...Option) (*GitLabProvider, error) {
	if project == "" || strings.HasPrefix(project, "/") || !strings.Contains(project, "/") {
		return nil, fmt.Errorf("invalid gitlab project %q, want group/name", project)
	}

	client, err := gitlab.NewClient(token)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	p := &GitLabProvider{
		client:  client,
		token:   token,
		repo:    repo,
		project: project,
		branch:  branch,
		baseURL: "https://gitlab.com",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.err != nil {
		return nil, p.err
	}
	return p, nil
}

// Name returns the provider name.
func (p *GitLabProvider) Name() string {
	return "gitlab"
}

// LatestRevision returns the length of the branch's first-parent chain.
func (p *GitLabProvider) LatestRevision(ctx context.Context) (int, error) {
	commits, resp, err := p.listPage(ctx, 1)
	if err != nil {
		return 0, err
	}
	if len(commits) == 0 {
		return 0, nil
	}
	if resp.TotalItems == 0 {
		// GitLab omits X-Total on very large listings.
		return 0, fmt.Errorf("listing commits: total count unavailable for %s", p.project)
	}
	return resp.TotalItems, nil
}

// Revision fetches the rev-th commit of the first-parent chain, oldest first.
func (p *GitLabProvider) Revision(ctx context.Context, rev int) (*provider.RevisionInfo, error) {
	count, err := p.LatestRevision(ctx)
	if err != nil {
		return nil, err
	}
	if rev < 1 || rev > count {
		return nil, fmt.Errorf("revision %d of %d: %w", rev, count, provider.ErrNoSuchRevision)
	}

	commits, _, err := p.listPage(ctx, count-rev+1)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("revision %d: %w", rev, provider.ErrNoSuchRevision)
	}
	commit := commits[0]

	diffs, _, err := p.client.Commits.GetCommitDiff(p.project, commit.ID, &gitlab.GetCommitDiffOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching commit diff: %w", err)
	}

	info := &provider.RevisionInfo{
		Repository: p.repo,
		Revision:   rev,
		ID:         commit.ShortID,
		Author:     commit.AuthorName,
		Comment:    commit.Message,
	}
	if info.ID == "" && len(commit.ID) >= 7 {
		info.ID = commit.ID[:7]
	}
	if commit.AuthoredDate != nil {
		ts := commit.AuthoredDate.UTC()
		info.Timestamp = &ts
	}

	for _, d := range diffs {
		switch {
		case d.NewFile:
			info.Added = append(info.Added, d.NewPath)
		case d.DeletedFile:
			info.Removed = append(info.Removed, d.OldPath)
		default:
			info.Modified = append(info.Modified, d.NewPath)
		}
	}

	info.ApplyDefaults()
	return info, nil
}

// WebURL returns the configured link or the project's commit page.
func (p *GitLabProvider) WebURL(info *provider.RevisionInfo) string {
	if p.webURL != "" {
		return provider.ExpandURL(p.webURL, info)
	}
	return fmt.Sprintf("%s/%s/-/commit/%s", p.baseURL, p.project, info.ID)
}

func (p *GitLabProvider) listPage(ctx context.Context, page int) ([]*gitlab.Commit, *gitlab.Response, error) {
	opt := &gitlab.ListCommitsOptions{
		ListOptions: gitlab.ListOptions{PerPage: 1, Page: page},
		FirstParent: gitlab.Ptr(true),
	}
	if p.branch != "" {
		ref := p.branch
		opt.RefName = &ref
	}

	commits, resp, err := p.client.Commits.ListCommits(p.project, opt, gitlab.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("listing commits: %w", err)
	}
	return commits, resp, nil
}
