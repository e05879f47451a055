// Package report renders revisions as single chat lines.
package report

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/drewdunne/commitwatch/internal/lca"
	"github.com/drewdunne/commitwatch/internal/provider"
)

// DefaultMaxLength is the longest line accepted by the chat host, in bytes.
const DefaultMaxLength = 430

// DateLayout is how revision timestamps are shown.
const DateLayout = "02 Jan 2006 15:04:05"

// Ellipsis marks a shortened summary.
const Ellipsis = "…"

// listLimit is the most paths listed by name before switching to counts.
const listLimit = 3

// Formatter renders and shortens report lines.
type Formatter struct {
	MaxLength int
}

// New creates a formatter. A non-positive maxLength uses DefaultMaxLength.
func New(maxLength int) *Formatter {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Formatter{MaxLength: maxLength}
}

// Format produces "<repo>: <author> * <id>: <paths>: <comment>", prefixed
// with "[<date>] " when includeDate is set and the revision has a timestamp.
func Format(info *provider.RevisionInfo, includeDate bool) string {
	var b strings.Builder
	if includeDate && info.Timestamp != nil {
		fmt.Fprintf(&b, "[%s] ", info.Timestamp.UTC().Format(DateLayout))
	}

	author := info.Author
	if strings.TrimSpace(author) == "" {
		author = provider.DefaultAuthor
	}
	fmt.Fprintf(&b, "%s: %s * %s", info.Repository, author, info.ID)

	if paths := formatPaths(info); paths != "" {
		b.WriteString(": ")
		b.WriteString(paths)
	}

	b.WriteString(": ")
	b.WriteString(firstLine(info.Comment))
	return b.String()
}

// Truncate fits msg into template so the result is at most MaxLength bytes.
// The template's "{}" marks where msg goes; the rest (usually a URL) is
// never shortened. A template without "{}" is appended after msg. If the
// template alone leaves no room for a shortened message, the template text
// is returned without the message. Keeping the URL whole wins over the
// length limit, so a template longer than MaxLength yields a longer result.
func (f *Formatter) Truncate(msg, template string) string {
	before, after, ok := strings.Cut(template, "{}")
	if !ok {
		before, after = "", template
	}

	room := f.MaxLength - len(before) - len(after)
	if len(msg) <= room {
		return before + msg + after
	}
	if room <= len(Ellipsis) {
		return before + after
	}

	cut := room - len(Ellipsis)
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	short := strings.TrimRight(msg[:cut], " ")
	return before + short + Ellipsis + after
}

// Line formats info and appends url, shortening the summary to fit.
func (f *Formatter) Line(info *provider.RevisionInfo, includeDate bool, url string) string {
	template := "{}"
	if url != "" {
		template = "{} " + url
	}
	return f.Truncate(Format(info, includeDate), template)
}

func firstLine(comment string) string {
	for _, line := range strings.Split(comment, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return provider.DefaultComment
}

// formatPaths shows one path in full, a few paths by name under their common
// directory, and larger sets as per-action counts.
func formatPaths(info *provider.RevisionInfo) string {
	paths := info.Paths()
	switch {
	case len(paths) == 0:
		return ""
	case len(paths) == 1:
		return paths[0]
	}

	dir := lca.FindLCA(paths)
	var parts []string
	if len(paths) <= listLimit {
		for _, p := range paths {
			parts = append(parts, lca.Relative(dir, p))
		}
	} else {
		for _, c := range []struct {
			n    int
			verb string
		}{
			{len(info.Modified), "modified"},
			{len(info.Added), "added"},
			{len(info.Removed), "removed"},
		} {
			if c.n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", c.n, c.verb))
			}
		}
	}

	listed := strings.Join(parts, ", ")
	if dir == "." {
		return listed
	}
	return strings.TrimSuffix(dir, "/") + "/ (" + listed + ")"
}
