package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// MembershipFile is the registry-derived member list in TOML form, for
// deployments without a live registry endpoint. Each entry is a node
// address, "<node-id>@<host>:<port>".
type MembershipFile struct {
	Peers []string `toml:"peers"`
}

// LoadMembershipFile parses a membership file.
func LoadMembershipFile(path string) (*MembershipFile, error) {
	m := &MembershipFile{}
	if _, err := toml.DecodeFile(path, m); err != nil {
		return nil, fmt.Errorf("load membership file %q: %w", path, err)
	}
	return m, nil
}

// WriteMembershipFile writes a membership file template with the given
// peers.
func WriteMembershipFile(path string, m *MembershipFile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString("# Member replicas, one \"<node-id>@<host>:<port>\" per entry.\n"); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(m)
}
