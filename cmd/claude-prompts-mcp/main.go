package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/minipuft/claude-prompts-mcp-sub004/config"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "claude-prompts-mcp",
	Short: "MCP server for prompt templates, chains, and quality gates",
	Long: `claude-prompts-mcp serves prompt templates, multi-step chains, and
quality-gate reviews to MCP clients over stdio.

Run without arguments to start serving on stdin/stdout. Resources live
under <root>/resources and runtime state under <root>/runtime-state; the
root is the working directory or PROMPTS_MCP_ROOT.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stdio MCP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server name and version",
	Run: func(cmd *cobra.Command, args []string) {
		defaults := config.Defaults()
		fmt.Printf("%s %s\n", defaults.Server.Name, defaults.Server.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: promptmcp.yaml in the server root)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	s, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func main() {
	// Worker guard: a test harness re-executing this binary sets the
	// variable so the subprocess exits without touching stdio.
	if os.Getenv("PROMPTS_MCP_DISABLE_MAIN") != "" {
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
