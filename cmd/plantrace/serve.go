package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/ormasoftchile/plantrace/pkg/mcpserver"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an MCP server over stdio",
	Long: `Start an MCP server on stdin/stdout. Every registered tool is exposed
as an MCP tool, plus plan/run and plan/replay. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		s := mcpserver.New(mcpserver.Options{
			Version: version,
			Runtime: sess.cfg.RunnerConfig(sess.bridge, sess.tools, sess.env, sess.logger, nil),
			Store:   sess.store,
			Redact:  sess.redact,
		})
		sess.logger.Info("mcp server listening on stdio", "tools", len(sess.tools.List()))
		return server.ServeStdio(s.MCP())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
