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

	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
	"github.com/entrepeneur4lyf/forgechat/internal/storage"
)

// runFlags are shared by start and send
type runFlags struct {
	resume         string
	save           string
	noSave         bool
	snapshotFormat string
	compress       bool
	yes            bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.resume, "resume", "r", "", "Resume a session: snapshot path, session id or \"last\"")
	cmd.Flags().StringVar(&f.save, "save", "", "Write the snapshot to this path (.json, .cbor, optional .zst)")
	cmd.Flags().BoolVar(&f.noSave, "no-save", false, "Do not save the session")
	cmd.Flags().StringVar(&f.snapshotFormat, "snapshot-format", storage.FormatJSON.String(), "Format of new snapshots (json, cbor)")
	cmd.Flags().BoolVar(&f.compress, "compress", false, "Compress new snapshots with zstd")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Approve every tool call without asking")
}

func (f *runFlags) options(prompter tools.Prompter) runOptions {
	if f.yes {
		prompter = tools.AutoPrompter{Outcome: tools.OutcomeYes}
	}
	return runOptions{
		resume:         f.resume,
		save:           f.save,
		noSave:         f.noSave,
		snapshotFormat: f.snapshotFormat,
		compress:       f.compress,
		prompter:       prompter,
	}
}

var sendFlags runFlags

// readPrompt joins args, or reads stdin when no args are given and stdin is
// not a terminal
func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := in.(*os.File); ok && isTerminal(f) {
		return "", errors.New("nothing to send: pass the message as arguments or pipe it on stdin")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("error reading stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("nothing to send: stdin was empty")
	}
	return text, nil
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send one message and print the reply",
	Long: `Send one message, run the tool calls the model asks for and print the
final reply. Without arguments the message is read from stdin.

Exit codes: 0 on success, 1 on failure, 2 when the provider kept failing
until the retry limit.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		text, err := readPrompt(in, args)
		if err != nil {
			return err
		}

		a, err := loadApp()
		if err != nil {
			return err
		}

		// A piped message leaves no terminal to ask on
		var prompter tools.Prompter = tools.AutoPrompter{
			Outcome: tools.OutcomeNo,
			Comment: "Tool calls need approval; rerun forgechat send with --yes to allow them.",
		}
		if f, ok := in.(*os.File); ok && len(args) > 0 && isTerminal(f) {
			prompter = newTerminalPrompter(bufio.NewReader(f), cmd.ErrOrStderr())
		}

		run, err := a.openRun(cmd.Context(), sendFlags.options(prompter))
		if err != nil {
			return err
		}
		defer run.close()

		renderer, err := newRenderer()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go watchStatus(watchCtx, run.session, cmd.ErrOrStderr())

		res, sendErr := run.session.Send(ctx, text)
		if err := run.save(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("Failed to save session", "error", err)
			fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render(err.Error()))
		}
		if sendErr != nil {
			return sendErr
		}
		return printResult(cmd.OutOrStdout(), renderer, res)
	},
}

func init() {
	sendFlags.register(sendCmd)
	rootCmd.AddCommand(sendCmd)
}
