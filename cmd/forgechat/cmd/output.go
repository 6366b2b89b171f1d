package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	"github.com/entrepeneur4lyf/forgechat/internal/markdown"
)

func newRenderer() (*markdown.Renderer, error) {
	f, err := markdown.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return markdown.NewRenderer(f, markdown.ChatConfig())
}

// printResult writes the tool batches and the final reply of a turn
func printResult(w io.Writer, r *markdown.Renderer, res *chat.TurnResult) error {
	if res == nil {
		return nil
	}
	plain := r.Format() != markdown.FormatTerminal
	for _, b := range res.Batches {
		if plain {
			fmt.Fprintln(w, b.Summary())
		} else {
			fmt.Fprintln(w, dimStyle.Render(b.Summary()))
		}
	}
	if res.Cancelled {
		fmt.Fprintln(w, warnStyle.Render("Tool batch cancelled."))
	}

	out, err := r.Render(res.Text())
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Fprintln(w, out)
	}
	return nil
}

// watchStatus reports retries and tool runs on w until ctx ends
func watchStatus(ctx context.Context, sess *chat.Session, w io.Writer) {
	for ev := range sess.SubscribeStatus(ctx) {
		e := ev.Payload
		switch e.New {
		case chat.StatusWaitingWithBackoff:
			if e.Error != nil {
				fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("%s: %s", e.New.DisplayName(), e.Error)))
			}
		case chat.StatusMaxRetriesReached:
			fmt.Fprintln(w, errorStyle.Render(e.New.DisplayName()+": "+e.New.Description()))
		case chat.StatusToolExecutionInProgress:
			if e.Tool != "" {
				fmt.Fprintln(w, dimStyle.Render("Running "+e.Tool))
			}
		}
	}
}

// isTerminal reports whether f is a character device rather than a pipe or file
func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
