package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lildeebo2002/ic/types"
)

// GenNodeKeyCmd generates a node key and prints the node's ID to standard
// output.
var GenNodeKeyCmd = &cobra.Command{
	Use:   "gen-node-key",
	Short: "Generate a node key for this node and print its ID",
	RunE:  genNodeKey,
}

func genNodeKey(cmd *cobra.Command, args []string) error {
	nodeKeyFile := config.NodeKeyFile()
	if _, err := os.Stat(nodeKeyFile); err == nil {
		return fmt.Errorf("node key at %s already exists", nodeKeyFile)
	}

	nodeKey := types.GenNodeKey()
	if err := nodeKey.SaveAs(nodeKeyFile); err != nil {
		return err
	}
	fmt.Println(nodeKey.ID)
	return nil
}
