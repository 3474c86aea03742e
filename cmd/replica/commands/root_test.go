package commands

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	cfg "github.com/Lildeebo2002/ic/config"
)

func testRootCmd(t *testing.T, home string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.Flags().String("home", home, "")
	return cmd
}

func TestParseConfigDefaults(t *testing.T) {
	home := t.TempDir()

	conf, err := ParseConfig(testRootCmd(t, home))
	require.NoError(t, err)
	require.Equal(t, home, conf.RootDir)
	require.Equal(t, cfg.DefaultConfig().Moniker, conf.Moniker)
}

func TestParseConfigReadsFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, cfg.EnsureRoot(home))

	written := cfg.DefaultConfig()
	written.Moniker = "from-file"
	require.NoError(t, cfg.WriteConfigFile(home, written))

	conf, err := ParseConfig(testRootCmd(t, home))
	require.NoError(t, err)
	require.Equal(t, "from-file", conf.Moniker)
}

func TestParseConfigRejectsInvalidFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, cfg.EnsureRoot(home))

	written := cfg.DefaultConfig()
	written.LogFormat = "xml"
	require.NoError(t, cfg.WriteConfigFile(home, written))

	_, err := ParseConfig(testRootCmd(t, home))
	require.Error(t, err)
}
