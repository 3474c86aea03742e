package commands

import (
	"os"

	"github.com/spf13/cobra"

	cfg "github.com/Lildeebo2002/ic/config"
	"github.com/Lildeebo2002/ic/types"
)

// InitFilesCmd initializes the home directory: config file, node key and a
// membership file template. Existing files are left untouched.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the home directory",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	if err := cfg.EnsureRoot(config.RootDir); err != nil {
		return err
	}

	nodeKeyFile := config.NodeKeyFile()
	nodeKey, err := types.LoadOrGenNodeKey(nodeKeyFile)
	if err != nil {
		return err
	}
	logger.Info("generated node key", "path", nodeKeyFile, "id", nodeKey.ID)

	membershipFile := config.P2P.MembershipFile(config.RootDir)
	if _, err := os.Stat(membershipFile); os.IsNotExist(err) {
		if err := cfg.WriteMembershipFile(membershipFile, &cfg.MembershipFile{}); err != nil {
			return err
		}
		logger.Info("generated membership file template", "path", membershipFile)
	} else {
		logger.Info("found membership file", "path", membershipFile)
	}

	configFile := config.File()
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := cfg.WriteConfigFile(config.RootDir, config); err != nil {
			return err
		}
		logger.Info("generated config file", "path", configFile)
	} else {
		logger.Info("found config file", "path", configFile)
	}
	return nil
}
