package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/Lildeebo2002/ic/config"
	"github.com/Lildeebo2002/ic/libs/log"
)

var (
	config = cfg.DefaultConfig()
	logger = log.MustNewDefaultLogger(log.LogFormatPlain, "info")
)

// RootCmd is the root command for the replica. Every subcommand sees the
// parsed config and a logger set up from it.
var RootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Replica p2p node: artifact gossip and checkpointed state sync",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = ParseConfig(cmd)
		if err != nil {
			return err
		}
		logger, err = log.NewDefaultLogger(config.LogFormat, config.LogLevel, os.Stderr)
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	home := os.Getenv("REPLICA_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			userHome = "."
		}
		home = filepath.Join(userHome, cfg.DefaultReplicaDir)
	}
	RootCmd.PersistentFlags().String("home", home, "directory for config and data")
}

// ParseConfig retrieves the default configuration and merges the config file
// under the home directory on top of it, if present. Environment variables
// with the REPLICA_ prefix override both.
func ParseConfig(cmd *cobra.Command) (*cfg.Config, error) {
	home, err := cmd.Flags().GetString("home")
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("REPLICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.AddConfigPath(filepath.Join(home, cfg.DefaultConfigDir))
	v.SetConfigName("config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	conf := cfg.DefaultConfig()
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	conf.SetRoot(home)
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return conf, nil
}
