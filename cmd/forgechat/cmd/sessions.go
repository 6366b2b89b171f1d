package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/storage"
)

var (
	sessionsLimit int
	sessionsJSON  bool
	sessionsPurge bool
)

// openIndexOrFail is openIndex for commands that cannot work without it
func (a *app) openIndexOrFail() (*storage.Index, error) {
	index := a.openIndex()
	if index == nil {
		return nil, errors.New("the session index is unavailable, see the log for details")
	}
	return index, nil
}

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List saved sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		index, err := a.openIndexOrFail()
		if err != nil {
			return err
		}
		defer index.Close()

		entries, err := index.List(cmd.Context(), sessionsLimit, 0)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if sessionsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No saved sessions")
			return nil
		}
		for _, e := range entries {
			title := e.Nickname
			if title == "" {
				title = e.Summary
			}
			fmt.Fprintf(out, "%s  %s  %-30s %4d msgs %7d tokens  %s\n",
				e.ID, e.UpdatedAt.Local().Format("2006-01-02 15:04"), e.Model, e.MessageCount, e.Tokens, title)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id|path|last>",
	Short: "Print the transcript of a saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		index := a.openIndex()
		if index != nil {
			defer index.Close()
		}
		doc, path, err := a.findSnapshot(cmd.Context(), index, args[0])
		if err != nil {
			return err
		}
		if sessionsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}

		r, err := newRenderer()
		if err != nil {
			return err
		}
		out, err := r.Render(transcript(doc, path))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Remove sessions from the index",
	Long: `Remove sessions from the index. The snapshot files are kept unless
--purge is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		index, err := a.openIndexOrFail()
		if err != nil {
			return err
		}
		defer index.Close()

		var errs []error
		for _, id := range args {
			entry, err := index.Get(cmd.Context(), id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := index.Delete(cmd.Context(), id); err != nil {
				errs = append(errs, err)
				continue
			}
			if sessionsPurge {
				if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
					errs = append(errs, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Removed "+id)
		}
		return errors.Join(errs...)
	},
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop index entries whose snapshot file is gone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		index, err := a.openIndexOrFail()
		if err != nil {
			return err
		}
		defer index.Close()

		n, err := index.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d session(s)\n", n)
		return nil
	},
}

// transcript renders a snapshot as markdown
func transcript(doc *storage.Document, path string) string {
	var b strings.Builder
	title := doc.Nickname
	if title == "" {
		title = "Session " + doc.SessionID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if doc.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", doc.Summary)
	}
	fmt.Fprintf(&b, "- Model: %s\n- Saved: %s\n- File: %s\n- Messages: %d in %d user turns\n\n",
		doc.Settings.Model, doc.SavedAt.Local().Format("2006-01-02 15:04:05"), path, len(doc.Messages), doc.UserTurns)

	for _, m := range doc.Messages {
		fmt.Fprintf(&b, "## %s (turn %d)\n\n", m.Role, m.UserTurnIndex)
		for _, p := range m.Parts {
			writePart(&b, p)
		}
	}
	return b.String()
}

func writePart(w io.Writer, p storage.PartDoc) {
	if p.Pruning == llm.PrunePruned {
		fmt.Fprintf(w, "_[%s pruned]_\n\n", p.Kind)
		return
	}
	switch {
	case p.Text != nil && p.Text.Thought:
		fmt.Fprintf(w, "> %s\n\n", strings.ReplaceAll(p.Text.Text, "\n", "\n> "))
	case p.Text != nil:
		fmt.Fprintf(w, "%s\n\n", p.Text.Text)
	case p.Blob != nil:
		name := p.Blob.SourcePath
		if name == "" {
			name = "inline"
		}
		fmt.Fprintf(w, "_[%s %s: %s]_\n\n", p.Blob.MimeType, llm.FormatSize(int64(p.Blob.Size)), name)
	case p.Rag != nil:
		fmt.Fprintf(w, "_[%s]_ %s\n\n", p.Rag.Source, llm.FormatValue(p.Rag.Text))
	case p.Call != nil:
		args, err := json.Marshal(p.Call.Args)
		if err != nil {
			args = []byte("{}")
		}
		fmt.Fprintf(w, "Call `%s` `%s`\n\n", p.Call.Name, args)
	case p.Response != nil:
		result := llm.FormatValue(p.Response.Result)
		if p.Response.Error != "" {
			result = p.Response.Error
		}
		fmt.Fprintf(w, "Result of `%s` (%s): %s\n\n", p.Response.Name, p.Response.Status, result)
	}
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "Print JSON")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to list, 0 for all")
	sessionsRmCmd.Flags().BoolVar(&sessionsPurge, "purge", false, "Delete the snapshot files as well")

	sessionsCmd.AddCommand(sessionsShowCmd, sessionsRmCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}
