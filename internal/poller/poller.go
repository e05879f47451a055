// Package poller answers "what changed since revision R" for one repository.
package poller

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/drewdunne/commitwatch/internal/metrics"
	"github.com/drewdunne/commitwatch/internal/provider"
)

// DefaultTimeout bounds a single VCS query.
const DefaultTimeout = 30 * time.Second

// QueryError reports a failed, timed out or unparsable VCS query.
// The cycle skips the repository and retries on the next run.
type QueryError struct {
	Repository string
	Op         string // "latest" or "detail"
	Revision   int
	Err        error
}

func (e *QueryError) Error() string {
	if e.Op == "detail" {
		return fmt.Sprintf("query %s r%d: %v", e.Repository, e.Revision, e.Err)
	}
	return fmt.Sprintf("query %s %s: %v", e.Repository, e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the query ran past its deadline.
func (e *QueryError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Poller queries one repository through its provider.
type Poller struct {
	repo     string
	provider provider.Provider
	timeout  time.Duration
}

// New creates a poller for repo. A non-positive timeout uses DefaultTimeout.
func New(repo string, p provider.Provider, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Poller{repo: repo, provider: p, timeout: timeout}
}

// Repository returns the configured repository identifier.
func (p *Poller) Repository() string {
	return p.repo
}

// Provider returns the backend used for queries.
func (p *Poller) Provider() provider.Provider {
	return p.provider
}

// FetchLatest returns the repository's head revision number.
func (p *Poller) FetchLatest(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rev, err := p.provider.LatestRevision(ctx)
	if err != nil {
		return 0, p.queryError("latest", 0, err)
	}
	if rev < 0 {
		return 0, p.queryError("latest", 0, fmt.Errorf("negative revision %d", rev))
	}
	return rev, nil
}

// FetchDetail returns metadata for exactly one revision. Missing author and
// comment are replaced with defaults.
func (p *Poller) FetchDetail(ctx context.Context, rev int) (*provider.RevisionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	info, err := p.provider.Revision(ctx, rev)
	if err != nil {
		return nil, p.queryError("detail", rev, err)
	}
	if info == nil {
		return nil, p.queryError("detail", rev, errors.New("empty response"))
	}
	if info.Repository == "" {
		info.Repository = p.repo
	}
	info.ApplyDefaults()
	return info, nil
}

// NewRevisions yields one detail per revision in (lastSeen, latest], ascending.
// A lastSeen of 0 reports only latest. Failed details are yielded as errors
// and iteration continues. Each iteration queries the provider again.
func (p *Poller) NewRevisions(ctx context.Context, lastSeen, latest int) iter.Seq2[*provider.RevisionInfo, error] {
	return func(yield func(*provider.RevisionInfo, error) bool) {
		for _, rev := range Range(lastSeen, latest) {
			info, err := p.FetchDetail(ctx, rev)
			if !yield(info, err) {
				return
			}
		}
	}
}

// Range returns the revision numbers NewRevisions visits.
func Range(lastSeen, latest int) []int {
	if lastSeen < 0 {
		lastSeen = 0
	}
	if latest <= lastSeen {
		return nil
	}
	if lastSeen == 0 {
		lastSeen = latest - 1
	}

	revs := make([]int, 0, latest-lastSeen)
	for rev := lastSeen + 1; rev <= latest; rev++ {
		revs = append(revs, rev)
	}
	return revs
}

func (p *Poller) queryError(op string, rev int, err error) error {
	metrics.QueryError()
	return &QueryError{Repository: p.repo, Op: op, Revision: rev, Err: err}
}
