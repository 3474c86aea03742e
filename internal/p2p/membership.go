package p2p

import (
	"context"
	"time"

	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/libs/service"
)

// Membership supplies the authoritative peer set for the subnet, typically
// backed by an external registry. Implementations must be safe for
// concurrent use.
type Membership interface {
	// Peers returns the current set of peer addresses.
	Peers(ctx context.Context) ([]NodeAddress, error)
}

// StaticMembership is a fixed membership set, used for tests and for
// configurations without a registry.
type StaticMembership struct {
	addresses []NodeAddress
}

// NewStaticMembership creates a membership with a fixed address set.
func NewStaticMembership(addresses []NodeAddress) *StaticMembership {
	return &StaticMembership{addresses: addresses}
}

// Peers implements Membership.
func (s *StaticMembership) Peers(context.Context) ([]NodeAddress, error) {
	return s.addresses, nil
}

// MembershipPoller periodically reconciles the peer manager's peer table
// against the membership collaborator, so that registry changes propagate
// into dials and evictions without restarting the node.
type MembershipPoller struct {
	*service.BaseService
	logger log.Logger

	membership  Membership
	peerManager *PeerManager
	interval    time.Duration
}

// NewMembershipPoller creates a new membership poller.
func NewMembershipPoller(
	logger log.Logger,
	membership Membership,
	peerManager *PeerManager,
	interval time.Duration,
) *MembershipPoller {
	p := &MembershipPoller{
		logger:      logger,
		membership:  membership,
		peerManager: peerManager,
		interval:    interval,
	}
	p.BaseService = service.NewBaseService(logger, "membership", p)
	return p
}

// OnStart implements service.Service. It performs an initial reconcile
// before returning, so that the router has peers to dial on startup.
func (p *MembershipPoller) OnStart(ctx context.Context) error {
	if err := p.reconcile(ctx); err != nil {
		return err
	}
	go p.poll(ctx)
	return nil
}

// OnStop implements service.Service.
func (p *MembershipPoller) OnStop() {}

func (p *MembershipPoller) poll(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.reconcile(ctx); err != nil {
				p.logger.Error("membership reconcile failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *MembershipPoller) reconcile(ctx context.Context) error {
	addresses, err := p.membership.Peers(ctx)
	if err != nil {
		return err
	}
	return p.peerManager.Reconcile(addresses)
}
