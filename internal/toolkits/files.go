package toolkits

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/forgechat/internal/utils"
)

const (
	// MaxTextFileSize caps what read_text_files will load per file
	MaxTextFileSize = 512 * 1024
	// MaxBlobSize caps load_blob attachments
	MaxBlobSize = 8 * 1024 * 1024

	defaultGlobLimit = 200
)

// TextFile is the content of one loaded text file
type TextFile struct {
	Path    string `json:"path"`
	Lines   int    `json:"lines"`
	Content string `json:"content"`
}

// Files returns the files toolkit rooted at root. Relative paths given by
// the model resolve against root.
func Files(root string) tools.ToolkitSpec {
	filter := utils.NewGitIgnoreFilter(root)
	return tools.ToolkitSpec{
		Name:        "files",
		Description: "A toolkit for finding and loading file-based resources.",
		Tools: []tools.ToolSpec{
			{
				Name:        "find_files",
				Description: "Lists files under the working directory matching a glob pattern such as **/*.go. Ignored files are skipped.",
				Parameters: []tools.Parameter{
					tools.Param[string]("pattern", "A doublestar glob relative to the working directory."),
					tools.Param[int]("limit", "Maximum number of paths to return.", tools.Optional()),
				},
				Returns:     tools.Returns[[]string](),
				TurnsToKeep: tools.Turns(1),
				AutoApprove: true,
				Execute: func(_ context.Context, args tools.Args) (any, error) {
					limit := tools.ArgOr(args, "limit", defaultGlobLimit)
					if limit <= 0 {
						limit = defaultGlobLimit
					}
					paths, err := filter.Glob(tools.Arg[string](args, "pattern"), limit)
					if err != nil {
						return nil, tools.WrapToolError(err, "invalid pattern %q", tools.Arg[string](args, "pattern"))
					}
					return paths, nil
				},
			},
			{
				Name:        "read_text_files",
				Description: "Loads text files into the context. The response is ephemeral and will be pruned from the context on the next turn.",
				Parameters: []tools.Parameter{
					tools.Param[[]string]("resourcePaths", "The paths to the text files."),
				},
				Returns:     tools.Returns[[]TextFile](),
				TurnsToKeep: tools.Turns(0),
				Execute: func(ctx context.Context, args tools.Args) (any, error) {
					exec := tools.ExecutionFrom(ctx)
					var out []TextFile
					var failed []string
					for _, p := range tools.Arg[[]string](args, "resourcePaths") {
						exec.Log("Loading %s...", p)
						tf, err := readTextFile(filter, p)
						if err != nil {
							exec.Log("%s: %v", p, err)
							failed = append(failed, err.Error())
							continue
						}
						exec.Log("Loaded OK %s", p)
						out = append(out, tf)
					}
					if len(out) == 0 {
						return nil, tools.NewToolError("Nothing got loaded: %s", strings.Join(failed, "; "))
					}
					return out, nil
				},
			},
			{
				Name:        "load_blob",
				Description: "Attaches a binary file such as an image or PDF to the conversation.",
				Parameters: []tools.Parameter{
					tools.Param[string]("path", "The path to the file."),
				},
				Returns: tools.Returns[string](),
				Execute: func(ctx context.Context, args tools.Args) (any, error) {
					blob, err := readBlob(filter, tools.Arg[string](args, "path"))
					if err != nil {
						return nil, err
					}
					tools.ExecutionFrom(ctx).Attach(blob)
					return fmt.Sprintf("Attached %s (%s, %s)", blob.SourcePath, blob.MimeType, llm.FormatSize(int64(len(blob.Data)))), nil
				},
			},
		},
	}
}

func statRegular(path string, max int64) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tools.NewToolError("File not found: %s", path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, tools.NewToolError("%s is a directory", path)
	}
	if info.Size() > max {
		return nil, tools.NewToolError("%s is %s, over the %s limit", path, llm.FormatSize(info.Size()), llm.FormatSize(max))
	}
	return info, nil
}

func readTextFile(filter *utils.GitIgnoreFilter, path string) (TextFile, error) {
	abs := filter.Resolve(path)
	if _, err := statRegular(abs, MaxTextFileSize); err != nil {
		return TextFile{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return TextFile{}, err
	}
	if !utf8.Valid(data) {
		return TextFile{}, tools.NewToolError("%s is not a text file", path)
	}
	content := string(data)
	return TextFile{Path: abs, Lines: strings.Count(content, "\n") + 1, Content: content}, nil
}

func readBlob(filter *utils.GitIgnoreFilter, path string) (llm.Blob, error) {
	abs := filter.Resolve(path)
	if _, err := statRegular(abs, MaxBlobSize); err != nil {
		return llm.Blob{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return llm.Blob{}, err
	}
	return llm.Blob{MimeType: mimeType(abs, data), Data: data, SourcePath: abs}, nil
}

func mimeType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	t := http.DetectContentType(data)
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return t
}

// Defaults returns every built-in toolkit
func Defaults(root string, b *SessionBinding) []tools.ToolkitSpec {
	return []tools.ToolkitSpec{Session(b), Files(root)}
}
