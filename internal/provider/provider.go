package provider

import (
	"context"
	"errors"
)

// ErrNoSuchRevision is returned when a revision is outside the repository's range.
var ErrNoSuchRevision = errors.New("no such revision")

// Provider answers revision queries for one repository.
type Provider interface {
	// Name returns the backend name (svn, github, gitlab, git).
	Name() string

	// LatestRevision returns the repository's current head revision number.
	LatestRevision(ctx context.Context) (int, error)

	// Revision fetches metadata for exactly one revision.
	Revision(ctx context.Context, rev int) (*RevisionInfo, error)

	// WebURL returns a link to a web view of the revision.
	WebURL(info *RevisionInfo) string
}
