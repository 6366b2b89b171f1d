package utils

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

var errGlobLimit = errors.New("glob result limit reached")

// GitIgnoreFilter provides gitignore-aware path filtering under a root
type GitIgnoreFilter struct {
	ignore *gitignore.GitIgnore
	root   string
}

// NewGitIgnoreFilter creates a filter for root from its .gitignore and
// .git/info/exclude, falling back to common patterns when neither exists
func NewGitIgnoreFilter(root string) *GitIgnoreFilter {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	g := &GitIgnoreFilter{root: abs}
	g.ignore = gitignore.CompileIgnoreLines(g.patterns()...)
	return g
}

// Root returns the absolute directory the filter is anchored at
func (g *GitIgnoreFilter) Root() string {
	return g.root
}

func (g *GitIgnoreFilter) patterns() []string {
	patterns := []string{".git/"}
	found := false
	for _, p := range []string{
		filepath.Join(g.root, ".gitignore"),
		filepath.Join(g.root, ".git", "info", "exclude"),
	} {
		lines, err := readLines(p)
		if err != nil {
			continue
		}
		found = true
		patterns = append(patterns, lines...)
	}
	if !found {
		patterns = append(patterns, defaultIgnorePatterns()...)
	}
	return patterns
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// Resolve turns path into an absolute path, treating relative paths as
// relative to the root
func (g *GitIgnoreFilter) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(g.root, path)
}

// IsIgnored checks if a path should be ignored
func (g *GitIgnoreFilter) IsIgnored(path string) bool {
	if g.ignore == nil {
		return false
	}
	rel, err := filepath.Rel(g.root, g.Resolve(path))
	if err != nil || strings.HasPrefix(rel, "..") {
		// outside the root nothing is ignored
		return false
	}
	return g.ignore.MatchesPath(filepath.ToSlash(rel))
}

// Glob returns root-relative files matching a doublestar pattern, skipping
// ignored paths. At most limit results are returned when limit > 0.
func (g *GitIgnoreFilter) Glob(pattern string, limit int) ([]string, error) {
	pattern = filepath.ToSlash(strings.TrimPrefix(pattern, "./"))
	if !doublestar.ValidatePattern(pattern) {
		return nil, doublestar.ErrBadPattern
	}

	var out []string
	err := doublestar.GlobWalk(os.DirFS(g.root), pattern, func(path string, d fs.DirEntry) error {
		if d.IsDir() || g.ignore.MatchesPath(path) {
			return nil
		}
		out = append(out, path)
		if limit > 0 && len(out) >= limit {
			return errGlobLimit
		}
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil && !errors.Is(err, errGlobLimit) {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// WalkWithGitIgnore walks root while respecting ignore patterns
func (g *GitIgnoreFilter) WalkWithGitIgnore(root string, walkFn fs.WalkDirFunc) error {
	return filepath.WalkDir(g.Resolve(root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return walkFn(path, d, err)
		}
		if g.IsIgnored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return walkFn(path, d, nil)
	})
}

// defaultIgnorePatterns returns common ignore patterns when no .gitignore is found
func defaultIgnorePatterns() []string {
	return []string{
		// Version control
		".svn/",
		".hg/",

		// Dependencies
		"node_modules/",
		"vendor/",
		"target/",

		// IDE files
		".vscode/",
		".idea/",
		"*.swp",
		"*~",

		// Build outputs
		"build/",
		"dist/",
		"bin/",

		"__pycache__/",
		"*.pyc",
		"*.class",
		"*.exe",
		"*.so",
		"*.dylib",

		"*.log",
		"*.tmp",
		".DS_Store",

		".env",
		".env.local",

		".forgechat/",
	}
}
