package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	toolserver "github.com/entrepeneur4lyf/forgechat/internal/mcp"
	"github.com/entrepeneur4lyf/forgechat/internal/toolkits"
)

var mcpTrustClient bool

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the toolkits over MCP on stdio",
	Long: `Serve the enabled toolkits to an MCP client over stdin and stdout.

Tools that would ask for approval in a chat session are refused unless
--trust-client is given. Permissions and toolkit switches come from
state.toml, like in chat sessions. The session toolkit is not served.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		reg, err := a.registry(&toolkits.SessionBinding{}, "session")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		srv := toolserver.NewToolServer(reg,
			toolserver.WithLogger(log.WithPrefix("mcp")),
			toolserver.WithPermissionGate(toolserver.NewPermissionGate(mcpTrustClient)),
		)
		err = srv.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpTrustClient, "trust-client", false, "Run tools that need approval without asking")
	rootCmd.AddCommand(mcpCmd)
}
