package cmd

import (
	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/mcpserver"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve plan creation and execution as MCP tools over stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout.

The server exposes create_plan, get_plan, list_plans, execute_plan,
classify_operation, dispatcher_stats and search_knowledge. Plans created
over the connection live until the server exits. Logs go to stderr so
they never mix with the protocol stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			eng, cleanup, err := openEngine(cmd, cfg, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			deps := mcpserver.ServerDeps{Engine: eng}
			if kb := eng.Knowledge(); kb != nil {
				deps.Knowledge = kb
			}

			server := mcpserver.NewServer(mcpserver.ServerConfig{Name: "cadpilot", Version: Version}, deps)
			return server.ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	return cmd
}
