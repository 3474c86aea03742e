package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lildeebo2002/ic/types"
)

// ShowNodeIDCmd prints the node's ID from the configured node key file.
var ShowNodeIDCmd = &cobra.Command{
	Use:   "show-node-id",
	Short: "Show this node's ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeKey, err := types.LoadNodeKey(config.NodeKeyFile())
		if err != nil {
			return err
		}
		fmt.Println(nodeKey.ID)
		return nil
	},
}
