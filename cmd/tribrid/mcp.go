package main

import (
	"context"

	"github.com/tribridrag/tribrid/pkg/mcp"
)

// MCPCmd serves the engine as Model Context Protocol tools over stdio.
// Stdout carries the protocol; logs go to stderr or the log file.
type MCPCmd struct{}

func (c *MCPCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if cleanup, err := applyConfigLogging(cli, cfg); err != nil {
		return err
	} else if cleanup != nil {
		defer cleanup()
	}

	core, err := buildCore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer core.Close()

	srv := mcp.New(mcp.Dependencies{
		Engine:   core.engine,
		Composer: core.composer,
		Store:    core.store,
	})
	return srv.ServeStdio()
}
