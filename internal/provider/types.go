package provider

import (
	"strconv"
	"strings"
	"time"
)

// Defaults used when a revision lacks optional metadata.
const (
	DefaultAuthor  = "no author"
	DefaultComment = "no comment"
)

// RevisionInfo describes one committed revision.
type RevisionInfo struct {
	Repository string
	Revision   int    // ordinal revision number
	ID         string // display identifier: svn revision or short commit hash
	Author     string
	Comment    string
	Added      []string
	Removed    []string
	Modified   []string
	Timestamp  *time.Time
}

// Paths returns every changed path: modified, then added, then removed.
func (r *RevisionInfo) Paths() []string {
	paths := make([]string, 0, len(r.Modified)+len(r.Added)+len(r.Removed))
	paths = append(paths, r.Modified...)
	paths = append(paths, r.Added...)
	paths = append(paths, r.Removed...)
	return paths
}

// ApplyDefaults fills empty author, comment and id fields.
func (r *RevisionInfo) ApplyDefaults() {
	if strings.TrimSpace(r.Author) == "" {
		r.Author = DefaultAuthor
	}
	if strings.TrimSpace(r.Comment) == "" {
		r.Comment = DefaultComment
	}
	if r.ID == "" {
		r.ID = strconv.Itoa(r.Revision)
	}
}

// ExpandURL replaces {rev} and {id} in a web URL template.
func ExpandURL(template string, info *RevisionInfo) string {
	return strings.NewReplacer(
		"{rev}", strconv.Itoa(info.Revision),
		"{id}", info.ID,
	).Replace(template)
}
