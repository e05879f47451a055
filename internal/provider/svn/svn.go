// Package svn implements provider.Provider on top of the svn command line
// client and its --xml output.
package svn

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drewdunne/commitwatch/internal/provider"
)

// Ensure Provider implements provider.Provider.
var _ provider.Provider = (*Provider)(nil)

// Schemes accepted for repository roots.
var allowedSchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"svn":     true,
	"svn+ssh": true,
	"file":    true,
}

// Provider queries one svn repository.
type Provider struct {
	repo   string
	root   string
	runner Runner
	webURL string
}

// Option configures the svn provider.
type Option func(*Provider)

// WithRunner sets how svn is executed.
func WithRunner(r Runner) Option {
	return func(p *Provider) {
		p.runner = r
	}
}

// WithWebURL sets a web view template with {rev} and {id} placeholders.
func WithWebURL(template string) Option {
	return func(p *Provider) {
		p.webURL = template
	}
}

// New creates a provider for the repository named repo rooted at root.
func New(repo, root string, opts ...Option) (*Provider, error) {
	if err := validateRoot(root); err != nil {
		return nil, err
	}

	p := &Provider{
		repo:   repo,
		root:   root,
		runner: &ExecRunner{Binary: "svn"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "svn"
}

// LatestRevision returns the last changed revision of the repository root.
func (p *Provider) LatestRevision(ctx context.Context) (int, error) {
	out, err := p.runner.Run(ctx, infoArgs(p.root))
	if err != nil {
		return 0, fmt.Errorf("svn info: %w", err)
	}
	return parseInfo(out)
}

// Revision fetches the verbose log entry of a single revision.
func (p *Provider) Revision(ctx context.Context, rev int) (*provider.RevisionInfo, error) {
	args, err := logArgs(p.root, rev)
	if err != nil {
		return nil, err
	}

	out, err := p.runner.Run(ctx, args)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isNoSuchRevision(cmdErr.Stderr) {
			return nil, fmt.Errorf("svn log -r %d: %w", rev, provider.ErrNoSuchRevision)
		}
		return nil, fmt.Errorf("svn log -r %d: %w", rev, err)
	}

	info, err := parseLog(out, rev)
	if err != nil {
		return nil, err
	}
	info.Repository = p.repo
	return info, nil
}

// WebURL returns the configured link or the SourceForge browse URL.
func (p *Provider) WebURL(info *provider.RevisionInfo) string {
	if p.webURL != "" {
		return provider.ExpandURL(p.webURL, info)
	}
	if strings.HasSuffix(strings.TrimRight(p.root, "/"), "svn") {
		return fmt.Sprintf("https://sourceforge.net/p/%s/svn/%d", p.repo, info.Revision)
	}
	return fmt.Sprintf("https://sourceforge.net/p/%s/code/%d", p.repo, info.Revision)
}

func infoArgs(root string) []string {
	return []string{"info", "--xml", "--non-interactive", root}
}

func logArgs(root string, rev int) ([]string, error) {
	if rev < 1 {
		return nil, fmt.Errorf("invalid revision %d: %w", rev, provider.ErrNoSuchRevision)
	}
	return []string{"log", "--xml", "--non-interactive", "--verbose", "-r", strconv.Itoa(rev), root}, nil
}

// validateRoot accepts URLs with a known scheme and absolute local paths.
// Anything starting with "-" would be read as an option.
func validateRoot(root string) error {
	if root == "" || strings.HasPrefix(root, "-") {
		return fmt.Errorf("invalid svn root %q", root)
	}
	if filepath.IsAbs(root) {
		return nil
	}
	u, err := url.Parse(root)
	if err != nil || !allowedSchemes[u.Scheme] {
		return fmt.Errorf("invalid svn root %q", root)
	}
	return nil
}

func isNoSuchRevision(stderr string) bool {
	return strings.Contains(stderr, "E160006") || strings.Contains(stderr, "No such revision")
}

type infoXML struct {
	Entries []struct {
		Revision string `xml:"revision,attr"`
		Commit   struct {
			Revision string `xml:"revision,attr"`
		} `xml:"commit"`
	} `xml:"entry"`
}

type logXML struct {
	Entries []struct {
		Revision string  `xml:"revision,attr"`
		Author   *string `xml:"author"`
		Date     *string `xml:"date"`
		Msg      *string `xml:"msg"`
		Paths    []struct {
			Action string `xml:"action,attr"`
			Path   string `xml:",chardata"`
		} `xml:"paths>path"`
	} `xml:"logentry"`
}

func parseInfo(data []byte) (int, error) {
	var doc infoXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parsing svn info: %w", err)
	}
	if len(doc.Entries) == 0 {
		return 0, errors.New("parsing svn info: no entry")
	}

	entry := doc.Entries[0]
	raw := entry.Commit.Revision
	if raw == "" {
		raw = entry.Revision
	}
	rev, err := strconv.Atoi(raw)
	if err != nil || rev < 0 {
		return 0, fmt.Errorf("parsing svn info: bad revision %q", raw)
	}
	return rev, nil
}

func parseLog(data []byte, rev int) (*provider.RevisionInfo, error) {
	var doc logXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing svn log: %w", err)
	}
	if len(doc.Entries) == 0 {
		return nil, fmt.Errorf("svn log -r %d: %w", rev, provider.ErrNoSuchRevision)
	}

	entry := doc.Entries[0]
	info := &provider.RevisionInfo{Revision: rev}
	if entry.Author != nil {
		info.Author = *entry.Author
	}
	if entry.Msg != nil {
		info.Comment = *entry.Msg
	}
	if entry.Date != nil {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*entry.Date)); err == nil {
			ts = ts.UTC()
			info.Timestamp = &ts
		}
	}

	for _, p := range entry.Paths {
		path := strings.TrimSpace(p.Path)
		switch p.Action {
		case "A":
			info.Added = append(info.Added, path)
		case "D":
			info.Removed = append(info.Removed, path)
		default:
			info.Modified = append(info.Modified, path)
		}
	}

	info.ApplyDefaults()
	return info, nil
}
