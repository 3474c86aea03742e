package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lildeebo2002/ic/node"
)

// RunNodeCmd creates and starts the replica node. It runs until the command
// context is canceled, normally by SIGINT or SIGTERM.
var RunNodeCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"node", "run"},
	Short:   "Run the replica node",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := node.New(logger, config, node.Options{})
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		if err := n.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}
		logger.Info("started node", "node_id", n.NodeID(), "moniker", config.Moniker)

		<-cmd.Context().Done()
		n.Wait()
		return nil
	},
}
