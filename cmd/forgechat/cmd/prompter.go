package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// terminalPrompter asks the user about each call of a batch on the terminal
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in *bufio.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: in, out: out}
}

// parseOutcome reads one answer. An empty answer takes the suggestion.
func parseOutcome(answer string, suggestion tools.Outcome) (tools.Outcome, bool) {
	switch strings.TrimSpace(answer) {
	case "":
		return suggestion, true
	case "y", "Y", "yes":
		return tools.OutcomeYes, true
	case "n", "N", "no":
		return tools.OutcomeNo, true
	case "a", "always":
		return tools.OutcomeAlways, true
	case "v", "never":
		return tools.OutcomeNever, true
	case "c", "cancel":
		return tools.OutcomeCancelled, true
	}
	return 0, false
}

func (p *terminalPrompter) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *terminalPrompter) Prompt(ctx context.Context, batch *tools.Batch) (tools.PromptResult, error) {
	res := tools.PromptResult{Outcomes: make(map[string]tools.Outcome, len(batch.Calls))}
	fmt.Fprintln(p.out, titleStyle.Render(fmt.Sprintf("The model wants to run %d tool call(s)", len(batch.Calls))))

	for _, c := range batch.Calls {
		args, err := json.Marshal(c.RawArgs)
		if err != nil {
			args = []byte("{}")
		}
		fmt.Fprintf(p.out, "  %s %s\n", toolStyle.Render(c.Name()), dimStyle.Render(string(args)))

		suggestion, hint := tools.OutcomeYes, "Y/n"
		if c.Tool.Permission() == tools.PermissionDeny {
			suggestion, hint = tools.OutcomeNo, "y/N"
		}
		for {
			fmt.Fprintf(p.out, "  Run it? [%s] (a)lways, ne(v)er, (c)ancel: ", hint)
			answer, err := p.readLine(ctx)
			if errors.Is(err, io.EOF) {
				res.Cancelled = true
				return res, nil
			}
			if err != nil {
				return res, err
			}
			outcome, ok := parseOutcome(answer, suggestion)
			if !ok {
				fmt.Fprintln(p.out, warnStyle.Render("  Answer y, n, a, v or c"))
				continue
			}
			if outcome == tools.OutcomeCancelled {
				res.Cancelled = true
				return res, nil
			}
			res.Outcomes[c.ID] = outcome
			break
		}
	}

	fmt.Fprint(p.out, "  Comment for the model (optional): ")
	comment, err := p.readLine(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return res, err
	}
	res.Comment = strings.TrimSpace(comment)
	return res, nil
}
