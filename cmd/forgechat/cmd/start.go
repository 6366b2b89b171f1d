package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/forgechat/internal/markdown"
)

var startFlags runFlags

// repl is one interactive session on a terminal
type repl struct {
	run      *chatRun
	in       *bufio.Reader
	out      io.Writer
	renderer *markdown.Renderer
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session. Type /help for commands and /exit to
leave. Ctrl+C cancels the running turn.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}

		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()
		run, err := a.openRun(cmd.Context(), startFlags.options(newTerminalPrompter(in, out)))
		if err != nil {
			return err
		}
		defer run.close()
		a.loader.Watch(run.applyConfig)

		renderer, err := newRenderer()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go watchStatus(ctx, run.session, cmd.ErrOrStderr())

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		defer func() {
			signal.Stop(interrupts)
			close(interrupts)
		}()
		go func() {
			for range interrupts {
				if run.session.Status() != chat.StatusIdle {
					run.session.Cancel()
					continue
				}
				fmt.Fprintln(out, dimStyle.Render("\nType /exit to leave."))
			}
		}()

		r := &repl{run: run, in: in, out: out, renderer: renderer}
		r.banner()
		return r.loop(ctx)
	},
}

func (r *repl) banner() {
	fmt.Fprintln(r.out, titleStyle.Render("forgechat"))
	fmt.Fprintf(r.out, "Model: %s (%s)\n", r.run.session.Model(), r.run.sel.Provider)
	fmt.Fprintf(r.out, "Session: %s\n", r.run.session.ID())
	if r.run.path != "" {
		fmt.Fprintln(r.out, dimStyle.Render("Saving to "+r.run.path))
	}
	fmt.Fprintln(r.out, dimStyle.Render("Type /help for commands, /exit to leave."))
	fmt.Fprintln(r.out)
}

func (r *repl) loop(ctx context.Context) error {
	for {
		fmt.Fprint(r.out, promptStyle.Render("> "))
		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return r.finish()
			}
			return err
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case strings.HasPrefix(input, "/"):
			done, err := r.command(ctx, input)
			if err != nil {
				fmt.Fprintln(r.out, errorStyle.Render("Error: ")+err.Error())
			}
			if done {
				return r.finish()
			}
			continue
		}

		if err := r.turn(ctx, input); err != nil {
			return err
		}
	}
}

// turn sends one message. It returns an error only when the session can
// not continue.
func (r *repl) turn(ctx context.Context, input string) error {
	res, err := r.run.session.Send(ctx, input)
	if saveErr := r.run.save(context.WithoutCancel(ctx)); saveErr != nil {
		fmt.Fprintln(r.out, warnStyle.Render(saveErr.Error()))
	}

	switch {
	case err == nil:
	case errors.Is(err, chat.ErrSessionShutdown):
		return err
	case errors.Is(err, chat.ErrTurnCancelled):
		fmt.Fprintln(r.out, warnStyle.Render("Turn cancelled."))
		return nil
	default:
		fmt.Fprintln(r.out, errorStyle.Render("Error: ")+err.Error())
		return nil
	}
	return printResult(r.out, r.renderer, res)
}

// finish reports a session left in MaxRetriesReached so the exit code shows it
func (r *repl) finish() error {
	fmt.Fprintln(r.out, "Goodbye!")
	if r.run.session.Status() == chat.StatusMaxRetriesReached {
		return fmt.Errorf("last turn failed: %w", chat.ErrMaxRetriesReached)
	}
	return nil
}

func (r *repl) command(ctx context.Context, input string) (bool, error) {
	fields := strings.Fields(input)
	name, args := fields[0], fields[1:]
	sess := r.run.session

	switch name {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		r.help()
	case "/status":
		r.status()
	case "/history":
		r.history()
	case "/errors":
		for _, rec := range sess.ApiErrors() {
			fmt.Fprintf(r.out, "%s  %s\n", rec.Timestamp.Format("15:04:05"), rec)
		}
	case "/tools":
		r.tools()
	case "/allow":
		if len(args) != 2 {
			return false, errors.New("usage: /allow <tool> <always|ask|deny|never>")
		}
		p, err := permissionArg(args[1])
		if err != nil {
			return false, err
		}
		return false, sess.Registry().SetPermission(args[0], p)
	case "/toolkit":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return false, errors.New("usage: /toolkit <name> <on|off>")
		}
		return false, sess.Registry().SetToolkitEnabled(args[0], args[1] == "on")
	case "/context":
		return false, r.contextProviders(args)
	case "/model":
		if len(args) != 1 {
			fmt.Fprintf(r.out, "Model: %s (%s)\n", sess.Model(), r.run.sel.Provider)
			return false, nil
		}
		sess.SetModel(args[0])
		r.run.sel.Model = args[0]
		fmt.Fprintln(r.out, okStyle.Render("Model set to "+args[0]))
		return false, r.run.app.state.UpdateModel(r.run.sel.Provider, args[0])
	case "/save":
		path := r.run.path
		if len(args) > 0 {
			path = args[0]
		}
		if path == "" {
			return false, errors.New("usage: /save <path>")
		}
		if err := r.run.saveTo(ctx, path); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, okStyle.Render("Saved to "+path))
	default:
		return false, fmt.Errorf("unknown command %s, type /help", name)
	}
	return false, nil
}

func (r *repl) help() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  /status                      Session statistics")
	fmt.Fprintln(r.out, "  /history                     Messages and parts in the context")
	fmt.Fprintln(r.out, "  /errors                      Provider errors of this session")
	fmt.Fprintln(r.out, "  /tools                       Tools and their permissions")
	fmt.Fprintln(r.out, "  /allow <tool> <permission>   always, ask, deny or never")
	fmt.Fprintln(r.out, "  /toolkit <name> <on|off>     Enable or disable a toolkit")
	fmt.Fprintln(r.out, "  /context [on|off <id>...]    Context providers")
	fmt.Fprintln(r.out, "  /model [id]                  Show or switch the model")
	fmt.Fprintln(r.out, "  /save [path]                 Save a snapshot")
	fmt.Fprintln(r.out, "  /exit                        Leave")
}

func (r *repl) status() {
	sess := r.run.session
	st := sess.Stats()
	fmt.Fprintf(r.out, "Status:     %s\n", sess.Status().DisplayName())
	fmt.Fprintf(r.out, "Model:      %s (%s)\n", sess.Model(), r.run.sel.Provider)
	if n := sess.Nickname(); n != "" {
		fmt.Fprintf(r.out, "Nickname:   %s\n", n)
	}
	if s := sess.Summary(); s != "" {
		fmt.Fprintf(r.out, "Summary:    %s\n", s)
	}
	fmt.Fprintf(r.out, "Messages:   %d in %d user turns\n", st.Messages, st.UserTurns)
	fmt.Fprintf(r.out, "Tokens:     %d total, context %.1f%% of %d\n", st.TotalTokens, st.ContextUsage()*100, st.TokenThreshold)
	fmt.Fprintf(r.out, "Tool calls: %d, %d executed\n", st.ToolCalls, st.ToolCallsExecuted)
	fmt.Fprintf(r.out, "API errors: %d\n", st.ApiErrors)
}

func (r *repl) history() {
	h := r.run.session.History()
	turn, retention := h.UserTurns(), h.Retention()
	showPruned := r.run.app.loader.Current().ShowPrunedParts
	hidden := 0
	for _, m := range h.Messages() {
		fmt.Fprintf(r.out, "#%d %s (turn %d)\n", m.Sequence, m.Role, m.UserTurnIndex)
		for _, p := range m.Parts() {
			line := "  " + p.String()
			if p.IsEffectivelyPruned(turn, retention) {
				if !showPruned {
					hidden++
					continue
				}
				line = dimStyle.Render(line + " [pruned]")
			}
			fmt.Fprintln(r.out, line)
		}
	}
	if hidden > 0 {
		fmt.Fprintln(r.out, dimStyle.Render(fmt.Sprintf("%d pruned part(s) hidden, set showPrunedParts to list them", hidden)))
	}
}

func (r *repl) tools() {
	for _, kit := range r.run.session.Registry().Toolkits() {
		state := okStyle.Render("on")
		if !kit.Enabled() {
			state = dimStyle.Render("off")
		}
		fmt.Fprintf(r.out, "%s [%s]\n", toolStyle.Render(kit.Name()), state)
		for _, t := range kit.Tools() {
			fmt.Fprintf(r.out, "  %-40s %s\n", t.Name(), t.Permission())
		}
	}
}

func (r *repl) contextProviders(args []string) error {
	sess := r.run.session
	if len(args) == 0 {
		for _, p := range sess.ContextProviders() {
			state := okStyle.Render("on")
			if !p.Enabled() {
				state = dimStyle.Render("off")
			}
			fmt.Fprintf(r.out, "%-20s %-30s %s\n", p.ID(), p.Name(), state)
		}
		return nil
	}
	if len(args) < 2 || (args[0] != "on" && args[0] != "off") {
		return errors.New("usage: /context <on|off> <id>...")
	}
	return sess.SetContextProvidersEnabled(args[0] == "on", args[1:]...)
}

// permissionArg maps the /allow words to permissions
func permissionArg(s string) (tools.Permission, error) {
	switch strings.ToLower(s) {
	case "always":
		return tools.PermissionApproveAlways, nil
	case "ask":
		return tools.PermissionApprove, nil
	case "deny":
		return tools.PermissionDeny, nil
	case "never":
		return tools.PermissionDenyNever, nil
	}
	return tools.ParsePermission(s)
}

func init() {
	startFlags.register(startCmd)
	rootCmd.AddCommand(startCmd)
}
