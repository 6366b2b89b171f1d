package utils

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	}
}

func TestGitIgnoreFilter(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":        "*.log\nbuild/\n",
		"main.go":           "package main",
		"pkg/util.go":       "package pkg",
		"pkg/util_test.go":  "package pkg",
		"debug.log":         "noise",
		"build/out.go":      "package out",
		"docs/readme.md":    "# docs",
		".git/HEAD":         "ref: refs/heads/main",
		"pkg/deep/more.txt": "text",
	})
	g := NewGitIgnoreFilter(root)

	t.Run("ignore", func(t *testing.T) {
		assert.True(t, g.IsIgnored(filepath.Join(root, "debug.log")))
		assert.True(t, g.IsIgnored("build/out.go"))
		assert.True(t, g.IsIgnored(".git/HEAD"))
		assert.False(t, g.IsIgnored("main.go"))
		assert.False(t, g.IsIgnored("/somewhere/else.log"))
	})

	t.Run("glob", func(t *testing.T) {
		got, err := g.Glob("**/*.go", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"main.go", "pkg/util.go", "pkg/util_test.go"}, got)

		limited, err := g.Glob("**/*.go", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		_, err = g.Glob("[", 0)
		assert.Error(t, err)
	})

	t.Run("walk", func(t *testing.T) {
		var seen []string
		require.NoError(t, g.WalkWithGitIgnore(".", func(path string, d fs.DirEntry, err error) error {
			require.NoError(t, err)
			if !d.IsDir() {
				rel, _ := filepath.Rel(root, path)
				seen = append(seen, filepath.ToSlash(rel))
			}
			return nil
		}))
		assert.Contains(t, seen, "pkg/deep/more.txt")
		assert.NotContains(t, seen, "debug.log")
		assert.NotContains(t, seen, "build/out.go")
		assert.NotContains(t, seen, ".git/HEAD")
	})
}

func TestGitIgnoreFilter_Defaults(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"node_modules/x/index.js": "",
		"app.js":                  "",
	})
	g := NewGitIgnoreFilter(root)
	assert.True(t, g.IsIgnored("node_modules/x/index.js"))
	got, err := g.Glob("**/*.js", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.js"}, got)
}
