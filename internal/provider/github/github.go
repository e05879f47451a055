package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/drewdunne/commitwatch/internal/provider"
	"github.com/google/go-github/v60/github"
)

// Ensure GitHubProvider implements provider.Provider.
var _ provider.Provider = (*GitHubProvider)(nil)

// chainPage is how many commits are listed per request while walking history.
const chainPage = 100

// GitHubProvider numbers the commits of one branch oldest first and exposes
// them as revisions. Revision N is the N-th commit of the branch's
// first-parent chain, so commits brought in by a merge are reported as the
// merge commit.
type GitHubProvider struct {
	client *github.Client
	repo   string
	owner  string
	name   string
	branch string
	webURL string
	err    error // from options

	mu    sync.Mutex
	chain []string       // first-parent chain, oldest first
	index map[string]int // sha to position in chain
}

// Option configures the GitHub provider.
type Option func(*GitHubProvider)

// WithBaseURL sets a custom base URL (for testing and GitHub Enterprise).
func WithBaseURL(url string) Option {
	return func(p *GitHubProvider) {
		base, err := p.client.BaseURL.Parse(strings.TrimRight(url, "/") + "/")
		if err != nil {
			p.err = fmt.Errorf("invalid github base url %q: %w", url, err)
			return
		}
		p.client.BaseURL = base
	}
}

// WithWebURL sets a web view template with {rev} and {id} placeholders.
func WithWebURL(template string) Option {
	return func(p *GitHubProvider) {
		p.webURL = template
	}
}

// New creates a provider for path ("owner/repo") reported as repo.
// An empty branch tracks the default branch.
func New(repo, path, branch, token string, opts ...Option) (*GitHubProvider, error) {
	owner, name, ok := strings.Cut(path, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid github repository %q, want owner/repo", path)
	}

	httpClient := http.DefaultClient
	if token != "" {
		httpClient = &http.Client{Transport: &tokenTransport{token: token}}
	}

	p := &GitHubProvider{
		client: github.NewClient(httpClient),
		repo:   repo,
		owner:  owner,
		name:   name,
		branch: branch,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.err != nil {
		return nil, p.err
	}
	return p, nil
}

// tokenTransport adds authorization header to requests.
type tokenTransport struct {
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

// Name returns the provider name.
func (p *GitHubProvider) Name() string {
	return "github"
}

// LatestRevision returns the length of the branch's first-parent chain.
func (p *GitHubProvider) LatestRevision(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.sync(ctx); err != nil {
		return 0, err
	}
	return len(p.chain), nil
}

// Revision fetches the rev-th commit of the first-parent chain. The chain
// is only refreshed when rev lies beyond it.
func (p *GitHubProvider) Revision(ctx context.Context, rev int) (*provider.RevisionInfo, error) {
	p.mu.Lock()
	if rev > len(p.chain) || p.index == nil {
		if err := p.sync(ctx); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	count := len(p.chain)
	var sha string
	if rev >= 1 && rev <= count {
		sha = p.chain[rev-1]
	}
	p.mu.Unlock()

	if sha == "" {
		return nil, fmt.Errorf("revision %d of %d: %w", rev, count, provider.ErrNoSuchRevision)
	}

	commit, _, err := p.client.Repositories.GetCommit(ctx, p.owner, p.name, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching commit: %w", err)
	}

	info := &provider.RevisionInfo{
		Repository: p.repo,
		Revision:   rev,
		ID:         shortSHA(commit.GetSHA()),
		Author:     commit.GetAuthor().GetLogin(),
		Comment:    commit.GetCommit().GetMessage(),
	}
	if info.Author == "" {
		info.Author = commit.GetCommit().GetAuthor().GetName()
	}
	if date := commit.GetCommit().GetAuthor().GetDate(); !date.Time.IsZero() {
		ts := date.Time.UTC()
		info.Timestamp = &ts
	}

	for _, f := range commit.Files {
		switch f.GetStatus() {
		case "added", "copied":
			info.Added = append(info.Added, f.GetFilename())
		case "removed":
			info.Removed = append(info.Removed, f.GetFilename())
		default:
			info.Modified = append(info.Modified, f.GetFilename())
		}
	}

	info.ApplyDefaults()
	return info, nil
}

// sync extends the cached chain from the current branch tip. It walks first
// parents back until it meets a known commit. A walk that reaches the root
// without meeting one means history was rewritten, and the chain is rebuilt.
// Callers hold p.mu.
func (p *GitHubProvider) sync(ctx context.Context) error {
	tip, err := p.listFrom(ctx, p.branch, 1)
	if err != nil {
		return err
	}
	if len(tip) == 0 {
		p.chain, p.index = nil, map[string]int{}
		return nil
	}

	parents := make(map[string]string)
	record := func(commits []*github.RepositoryCommit) {
		for _, c := range commits {
			first := ""
			if len(c.Parents) > 0 {
				first = c.Parents[0].GetSHA()
			}
			parents[c.GetSHA()] = first
		}
	}
	record(tip)

	var fresh []string // newest first
	keep := 0
	sha := tip[0].GetSHA()
	for {
		if pos, ok := p.index[sha]; ok {
			keep = pos + 1
			break
		}
		parent, ok := parents[sha]
		if !ok {
			page, err := p.listFrom(ctx, sha, chainPage)
			if err != nil {
				return err
			}
			record(page)
			if parent, ok = parents[sha]; !ok {
				return fmt.Errorf("walking history: commit %s not listed", shortSHA(sha))
			}
		}
		fresh = append(fresh, sha)
		if parent == "" {
			break
		}
		sha = parent
	}

	chain := make([]string, 0, keep+len(fresh))
	chain = append(chain, p.chain[:keep]...)
	for i := len(fresh) - 1; i >= 0; i-- {
		chain = append(chain, fresh[i])
	}

	index := make(map[string]int, len(chain))
	for i, c := range chain {
		index[c] = i
	}
	p.chain, p.index = chain, index
	return nil
}

// WebURL returns the configured link or the github.com commit page.
func (p *GitHubProvider) WebURL(info *provider.RevisionInfo) string {
	if p.webURL != "" {
		return provider.ExpandURL(p.webURL, info)
	}
	return fmt.Sprintf("https://github.com/%s/%s/commit/%s", p.owner, p.name, info.ID)
}

// listFrom lists up to n commits reachable from ref, starting with ref itself.
// An empty ref is the default branch.
func (p *GitHubProvider) listFrom(ctx context.Context, ref string, n int) ([]*github.RepositoryCommit, error) {
	commits, _, err := p.client.Repositories.ListCommits(ctx, p.owner, p.name, &github.CommitsListOptions{
		SHA:         ref,
		ListOptions: github.ListOptions{PerPage: n},
	})
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	return commits, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
