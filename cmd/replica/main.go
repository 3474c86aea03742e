package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lildeebo2002/ic/cmd/replica/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	commands.RootCmd.AddCommand(
		commands.InitFilesCmd,
		commands.RunNodeCmd,
		commands.GenNodeKeyCmd,
		commands.ShowNodeIDCmd,
	)

	if err := commands.RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(2)
	}
}
