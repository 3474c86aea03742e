package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Lildeebo2002/ic/types"
)

// NodeAddress is a peer address in the form id@host:port. The node ID pins
// the expected identity of whoever answers at the endpoint; the transport
// handshake verifies it. Non-networked transports (e.g. the in-memory
// transport used by tests) use an opaque Path instead of Host and Port.
type NodeAddress struct {
	NodeID   types.NodeID
	Protocol Protocol
	Host     string
	Port     uint16
	Path     string
}

// ParseNodeAddress parses a node address in the form "id@host:port",
// assuming the TCP protocol.
func ParseNodeAddress(s string) (NodeAddress, error) {
	idPart, hostPart, found := strings.Cut(s, "@")
	if !found {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: missing node ID", s)
	}

	nodeID, err := types.NewNodeID(idPart)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}

	host, portStr, err := net.SplitHostPort(hostPart)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid port in node address %q: %w", s, err)
	}

	address := NodeAddress{
		NodeID:   nodeID,
		Protocol: TCPProtocol,
		Host:     host,
		Port:     uint16(port),
	}
	return address, address.Validate()
}

// MemoryNodeAddress returns the address of a node on the in-memory
// transport.
func MemoryNodeAddress(id types.NodeID) NodeAddress {
	return NodeAddress{NodeID: id, Protocol: MemoryProtocol, Path: string(id)}
}

// Validate checks that the address is well-formed.
func (a NodeAddress) Validate() error {
	if err := a.NodeID.Validate(); err != nil {
		return err
	}
	if a.Protocol == "" {
		return errors.New("no protocol")
	}
	if a.Path != "" {
		return nil
	}
	if a.Host == "" {
		return errors.New("empty host")
	}
	if a.Port == 0 {
		return errors.New("zero port")
	}
	return nil
}

func (a NodeAddress) String() string {
	if a.Path != "" {
		return fmt.Sprintf("%s@%s:%s", a.NodeID, a.Protocol, a.Path)
	}
	return fmt.Sprintf("%s@%s", a.NodeID, net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port))))
}

// Resolve resolves the address into one or more transport endpoints. A
// hostname may resolve to multiple IPs, each of which becomes a dialable
// endpoint.
func (a NodeAddress) Resolve(ctx context.Context) ([]Endpoint, error) {
	if a.Path != "" {
		return []Endpoint{{Protocol: a.Protocol, Path: a.Path}}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", a.Host)
	if err != nil {
		return nil, err
	}
	endpoints := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		endpoints = append(endpoints, Endpoint{Protocol: a.Protocol, IP: ip, Port: a.Port})
	}
	return endpoints, nil
}
