package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/monios/internal/config"
	"github.com/jkaninda/monios/internal/toolproxy"
	goutils "github.com/jkaninda/go-utils"
)

var (
	toolsConfigPath string
	toolsUserID     string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Serve the sandbox tool set as an MCP server over stdio",
	Long: `Exposes the user's sandbox filesystem and shell as MCP tools
(Read, Write, Edit, Glob, Grep, Bash, LS) on stdin/stdout. Every call
executes inside the user's sandbox; the sandbox is created on first use.`,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().StringVar(&toolsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	toolsCmd.Flags().StringVar(&toolsUserID, "user", "", "user whose sandbox the tools operate in (required)")
	_ = toolsCmd.MarkFlagRequired("user")
}

func runTools(_ *cobra.Command, _ []string) error {
	// stdout carries the MCP protocol; logs must stay on stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("MONIOS_CONFIG", toolsConfigPath))
	if err != nil {
		return err
	}

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	proxy := toolproxy.New(c.Coord, toolsUserID, logger)
	if err := proxy.ServeStdio(); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
