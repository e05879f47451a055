package config

// Repository kinds.
const (
	KindSVN    = "svn"
	KindGitHub = "github"
	KindGitLab = "gitlab"
	KindGit    = "git"
)

// RepositoryConfig describes one watched repository.
type RepositoryConfig struct {
	// Name is the identifier used in reports, commands and the revision store.
	Name string `yaml:"name" validate:"required"`

	// Kind selects the backend. Empty means svn.
	Kind string `yaml:"kind" validate:"omitempty,oneof=svn github gitlab git"`

	// URL is the svn root, the owner/repo path for hosted APIs, or a clone URL.
	URL string `yaml:"url" validate:"required"`

	// Branch tracked for git-based kinds. Empty means the default branch.
	Branch string `yaml:"branch"`

	// WebURL is a link template; {rev} and {id} are replaced per revision.
	WebURL string `yaml:"web_url"`

	// Channels overrides the default notification channels.
	Channels []string `yaml:"channels"`
}

// EffectiveKind returns the backend kind, defaulting to svn.
func (r RepositoryConfig) EffectiveKind() string {
	if r.Kind == "" {
		return KindSVN
	}
	return r.Kind
}

// Repository returns the repository config with the given name.
func (c *Config) Repository(name string) (RepositoryConfig, bool) {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return RepositoryConfig{}, false
}

// ChannelsFor returns the channels a repository reports to.
// Repository channels take precedence over the server defaults.
func (c *Config) ChannelsFor(name string) []string {
	if r, ok := c.Repository(name); ok && len(r.Channels) > 0 {
		return r.Channels
	}
	return c.Channels
}
