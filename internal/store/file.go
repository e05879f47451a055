package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/drewdunne/commitwatch/internal/metrics"
)

// ErrMalformed is returned by ParseLine for lines that are not a valid record.
var ErrMalformed = errors.New("malformed revision record")

// File stores watermarks as "repository<TAB>revision" lines.
type File struct {
	path string
}

// NewFile returns a file store at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Load reads the file, creating it empty when it does not exist.
// Malformed lines are skipped. When a repository appears twice the first
// entry wins.
func (f *File) Load(ctx context.Context) (map[string]int, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(f.path, nil, 0644); err != nil {
			return nil, fmt.Errorf("creating revision file: %w", err)
		}
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening revision file: %w", err)
	}
	defer file.Close()

	revisions := make(map[string]int)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		repo, rev, err := ParseLine(line)
		if err != nil {
			metrics.MalformedStoreRow()
			continue
		}
		if _, ok := revisions[repo]; !ok {
			revisions[repo] = rev
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading revision file: %w", err)
	}

	return revisions, nil
}

// Save writes every entry to a temporary file and renames it over the
// original, so a failed write leaves the previous contents intact.
func (f *File) Save(ctx context.Context, revisions map[string]int) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, repo := range sortedKeys(revisions) {
		if _, err := fmt.Fprintf(w, "%s\t%d\n", repo, revisions[repo]); err != nil {
			tmp.Close()
			return fmt.Errorf("writing revision file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing revision file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing revision file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing revision file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing revision file: %w", err)
	}
	return nil
}

// Close is a no-op for file stores.
func (f *File) Close() error {
	return nil
}

// ParseLine parses one "repository<TAB>revision" record.
func ParseLine(line string) (string, int, error) {
	line = strings.TrimSpace(line)
	repo, rev, ok := strings.Cut(line, "\t")
	if !ok || repo == "" {
		return "", 0, ErrMalformed
	}

	n, err := strconv.Atoi(strings.TrimSpace(rev))
	if err != nil || n < 0 {
		return "", 0, ErrMalformed
	}

	return repo, n, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
