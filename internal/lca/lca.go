// Package lca finds the deepest directory shared by a set of slash-separated
// repository paths.
package lca

import (
	"path"
	"strings"
)

// FindLCA finds the least common ancestor directory of the given file paths.
// Paths are treated as slash-separated regardless of platform. It returns "."
// when relative paths share nothing and "/" when absolute paths share only the root.
func FindLCA(files []string) string {
	if len(files) == 0 {
		return "."
	}

	abs := true
	dirs := make([][]string, len(files))
	for i, f := range files {
		if !strings.HasPrefix(f, "/") {
			abs = false
		}
		dir := strings.TrimPrefix(path.Dir(path.Clean(f)), "/")
		if dir == "" || dir == "." {
			dirs[i] = []string{}
		} else {
			dirs[i] = strings.Split(dir, "/")
		}
	}

	// Find common prefix
	result := []string{}
	for i := 0; i < len(dirs[0]); i++ {
		component := dirs[0][i]
		allMatch := true
		for _, d := range dirs[1:] {
			if i >= len(d) || d[i] != component {
				allMatch = false
				break
			}
		}
		if !allMatch {
			break
		}
		result = append(result, component)
	}

	joined := strings.Join(result, "/")
	if abs {
		return "/" + joined
	}
	if joined == "" {
		return "."
	}
	return joined
}

// Relative returns file relative to dir, or file unchanged when it is not below dir.
func Relative(dir, file string) string {
	if dir == "." || dir == "" {
		return file
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	if rel, ok := strings.CutPrefix(file, prefix); ok && rel != "" {
		return rel
	}
	return file
}
