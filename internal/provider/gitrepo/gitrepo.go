// Package gitrepo implements provider.Provider for plain git remotes by
// keeping a bare clone in a local cache directory.
//
// Revision N is the N-th commit of the tracked branch's first-parent chain,
// counting the root commit as 1.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/drewdunne/commitwatch/internal/provider"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// Ensure Provider implements provider.Provider.
var _ provider.Provider = (*Provider)(nil)

// Provider queries one git remote through a cached bare clone.
type Provider struct {
	repo     string
	url      string
	branch   string
	cacheDir string
	webURL   string

	// trackHEAD is set when no branch is configured and the remote HEAD is followed.
	trackHEAD bool

	mu    sync.Mutex
	clone *git.Repository
}

// Option configures the git provider.
type Option func(*Provider)

// WithWebURL sets a web view template with {rev} and {id} placeholders.
func WithWebURL(template string) Option {
	return func(p *Provider) {
		p.webURL = template
	}
}

// New creates a provider for the remote url reported as repo. The bare
// clone lives in cacheDir/<repo>.git. An empty branch tracks the remote HEAD.
func New(repo, url, branch, cacheDir string, opts ...Option) *Provider {
	p := &Provider{
		repo:      repo,
		url:       url,
		branch:    branch,
		cacheDir:  cacheDir,
		trackHEAD: branch == "",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "git"
}

// ClonePath returns where the bare clone is kept.
func (p *Provider) ClonePath() string {
	return filepath.Join(p.cacheDir, p.repo+".git")
}

// LatestRevision fetches the remote and returns the length of the branch's
// first-parent chain.
func (p *Provider) LatestRevision(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.sync(ctx); err != nil {
		return 0, err
	}

	chain, err := p.firstParentChain()
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// Revision returns the rev-th commit of the first-parent chain. It reads the
// cached clone and does not fetch.
func (p *Provider) Revision(ctx context.Context, rev int) (*provider.RevisionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.clone == nil {
		if err := p.sync(ctx); err != nil {
			return nil, err
		}
	}

	chain, err := p.firstParentChain()
	if err != nil {
		return nil, err
	}
	if rev < 1 || rev > len(chain) {
		return nil, fmt.Errorf("revision %d of %d: %w", rev, len(chain), provider.ErrNoSuchRevision)
	}

	// chain is newest first
	commit := chain[len(chain)-rev]

	info := &provider.RevisionInfo{
		Repository: p.repo,
		Revision:   rev,
		ID:         commit.Hash.String()[:7],
		Author:     commit.Author.Name,
		Comment:    commit.Message,
	}
	if !commit.Author.When.IsZero() {
		ts := commit.Author.When.UTC()
		info.Timestamp = &ts
	}

	if err := collectChanges(commit, info); err != nil {
		return nil, err
	}

	info.ApplyDefaults()
	return info, nil
}

// WebURL returns the configured link; plain remotes have no default.
func (p *Provider) WebURL(info *provider.RevisionInfo) string {
	if p.webURL == "" {
		return ""
	}
	return provider.ExpandURL(p.webURL, info)
}

// sync opens or clones the cache and fetches the tracked branch.
func (p *Provider) sync(ctx context.Context) error {
	if p.clone == nil {
		path := p.ClonePath()
		repo, err := git.PlainOpen(path)
		if errors.Is(err, git.ErrRepositoryNotExists) {
			if err := os.MkdirAll(p.cacheDir, 0755); err != nil {
				return fmt.Errorf("creating cache directory: %w", err)
			}
			opts := &git.CloneOptions{
				URL:          p.url,
				SingleBranch: true,
				Tags:         git.NoTags,
			}
			if p.branch != "" {
				opts.ReferenceName = plumbing.NewBranchReferenceName(p.branch)
			}
			repo, err = git.PlainCloneContext(ctx, path, true, opts)
			if err != nil {
				os.RemoveAll(path)
				return fmt.Errorf("cloning repo: %w", err)
			}
			p.clone = repo
			return p.resolveBranch()
		}
		if err != nil {
			return fmt.Errorf("opening cached repo: %w", err)
		}
		p.clone = repo
		if err := p.resolveBranch(); err != nil {
			return err
		}
	}

	err := p.clone.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Tags:       git.NoTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching repo: %w", err)
	}
	return nil
}

// resolveBranch pins the tracked branch to the clone's HEAD when none is configured.
func (p *Provider) resolveBranch() error {
	if p.branch != "" {
		return nil
	}
	head, err := p.clone.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	p.branch = head.Name().Short()
	return nil
}

// tip returns the newest commit of the tracked branch, preferring the
// remote-tracking ref updated by fetch.
func (p *Provider) tip() (*object.Commit, error) {
	var names []plumbing.ReferenceName
	if p.trackHEAD {
		names = append(names, plumbing.NewRemoteHEADReferenceName(git.DefaultRemoteName))
	}
	names = append(names,
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, p.branch),
		plumbing.NewBranchReferenceName(p.branch),
	)
	for _, name := range names {
		ref, err := p.clone.Reference(name, true)
		if err != nil {
			continue
		}
		return p.clone.CommitObject(ref.Hash())
	}
	return nil, fmt.Errorf("branch %q not found", p.branch)
}

// firstParentChain returns the tracked branch's first-parent history, newest first.
func (p *Provider) firstParentChain() ([]*object.Commit, error) {
	commit, err := p.tip()
	if err != nil {
		return nil, err
	}

	var chain []*object.Commit
	for {
		chain = append(chain, commit)
		if commit.NumParents() == 0 {
			return chain, nil
		}
		commit, err = commit.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("walking history: %w", err)
		}
	}
}

func collectChanges(commit *object.Commit, info *provider.RevisionInfo) error {
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("reading tree: %w", err)
	}

	if commit.NumParents() == 0 {
		files := tree.Files()
		defer files.Close()
		for {
			f, err := files.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("listing files: %w", err)
			}
			info.Added = append(info.Added, f.Name)
		}
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return fmt.Errorf("reading parent: %w", err)
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return fmt.Errorf("reading parent tree: %w", err)
	}

	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return fmt.Errorf("diffing trees: %w", err)
	}
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return fmt.Errorf("classifying change: %w", err)
		}
		switch action {
		case merkletrie.Insert:
			info.Added = append(info.Added, change.To.Name)
		case merkletrie.Delete:
			info.Removed = append(info.Removed, change.From.Name)
		default:
			info.Modified = append(info.Modified, change.To.Name)
		}
	}
	return nil
}
