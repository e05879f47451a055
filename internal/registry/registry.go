package registry

import (
	"fmt"
	"path/filepath"

	"github.com/drewdunne/commitwatch/internal/config"
	"github.com/drewdunne/commitwatch/internal/docker"
	"github.com/drewdunne/commitwatch/internal/provider"
	"github.com/drewdunne/commitwatch/internal/provider/github"
	"github.com/drewdunne/commitwatch/internal/provider/gitlab"
	"github.com/drewdunne/commitwatch/internal/provider/gitrepo"
	"github.com/drewdunne/commitwatch/internal/provider/svn"
)

// Registry holds one provider per configured repository.
type Registry struct {
	providers map[string]provider.Provider
	order     []string
}

// Option configures how providers are built.
type Option func(*builder)

type builder struct {
	svnRunner svn.Runner
	docker    *docker.Client
}

// WithSVNRunner makes every svn provider use r instead of the configured runner.
func WithSVNRunner(r svn.Runner) Option {
	return func(b *builder) {
		b.svnRunner = r
	}
}

// WithDocker supplies the client used when svn.docker_image is set.
func WithDocker(c *docker.Client) Option {
	return func(b *builder) {
		b.docker = c
	}
}

// New builds a provider for every repository in cfg, in configured order.
func New(cfg *config.Config, opts ...Option) (*Registry, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}

	runner, err := b.runner(cfg.SVN)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		providers: make(map[string]provider.Provider, len(cfg.Repositories)),
	}

	for _, repo := range cfg.Repositories {
		p, err := build(cfg, repo, runner)
		if err != nil {
			return nil, fmt.Errorf("repository %q: %w", repo.Name, err)
		}
		r.providers[repo.Name] = p
		r.order = append(r.order, repo.Name)
	}

	return r, nil
}

func (b *builder) runner(cfg config.SVNConfig) (svn.Runner, error) {
	if b.svnRunner != nil {
		return b.svnRunner, nil
	}
	if cfg.DockerImage != "" {
		if b.docker == nil {
			return nil, fmt.Errorf("svn.docker_image %q set but docker is unavailable", cfg.DockerImage)
		}
		return &svn.DockerRunner{Client: b.docker, Image: cfg.DockerImage}, nil
	}
	return &svn.ExecRunner{Binary: cfg.Binary}, nil
}

func build(cfg *config.Config, repo config.RepositoryConfig, runner svn.Runner) (provider.Provider, error) {
	switch kind := repo.EffectiveKind(); kind {
	case config.KindSVN:
		opts := []svn.Option{svn.WithRunner(runner)}
		if repo.WebURL != "" {
			opts = append(opts, svn.WithWebURL(repo.WebURL))
		}
		return svn.New(repo.Name, repo.URL, opts...)

	case config.KindGitHub:
		var opts []github.Option
		if api := cfg.Providers.GitHub; api.BaseURL != "" {
			opts = append(opts, github.WithBaseURL(api.BaseURL))
		}
		if repo.WebURL != "" {
			opts = append(opts, github.WithWebURL(repo.WebURL))
		}
		return github.New(repo.Name, repo.URL, repo.Branch, cfg.Providers.GitHub.Token, opts...)

	case config.KindGitLab:
		var opts []gitlab.Option
		if api := cfg.Providers.GitLab; api.BaseURL != "" {
			opts = append(opts, gitlab.WithBaseURL(api.BaseURL))
		}
		if repo.WebURL != "" {
			opts = append(opts, gitlab.WithWebURL(repo.WebURL))
		}
		return gitlab.New(repo.Name, repo.URL, repo.Branch, cfg.Providers.GitLab.Token, opts...)

	case config.KindGit:
		var opts []gitrepo.Option
		if repo.WebURL != "" {
			opts = append(opts, gitrepo.WithWebURL(repo.WebURL))
		}
		return gitrepo.New(repo.Name, repo.URL, repo.Branch, filepath.Clean(cfg.Git.CacheDir), opts...), nil

	default:
		return nil, fmt.Errorf("unknown repository kind %q", kind)
	}
}

// Get returns the provider for the given repository, or nil if not configured.
func (r *Registry) Get(name string) provider.Provider {
	return r.providers[name]
}

// List returns all repository names in configured order.
func (r *Registry) List() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
