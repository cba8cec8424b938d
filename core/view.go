package core

import (
	"time"

	"github.com/crunchmesh/crunchmesh/auction"
	"github.com/crunchmesh/crunchmesh/gossip"
	"github.com/crunchmesh/crunchmesh/protocol"
	"github.com/crunchmesh/crunchmesh/reputation"
	"github.com/crunchmesh/crunchmesh/wallet"
)

// The local API reads the node through these accessors. They are safe to
// call at any point of the lifecycle; before Start the network-backed
// ones answer empty.

// NodeID returns the mesh identity of this node.
func (n *Node) NodeID() string {
	return n.id
}

// Name returns the configured human-readable node name.
func (n *Node) Name() string {
	return n.opts.NodeName()
}

// MeshID returns the mesh this node joined.
func (n *Node) MeshID() string {
	return n.opts.MeshID()
}

// StartedAt returns when Start completed, zero before that.
func (n *Node) StartedAt() time.Time {
	n.state.Lock()
	defer n.state.Unlock()
	return n.startedAt
}

// Addresses lists the transport addresses the host listens on.
func (n *Node) Addresses() []string {
	n.state.Lock()
	h := n.host
	n.state.Unlock()
	if h == nil {
		return nil
	}
	addrs := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		addrs = append(addrs, a.String())
	}
	return addrs
}

// Capabilities lists the job types this node executes and announces.
func (n *Node) Capabilities() []string {
	n.state.Lock()
	defer n.state.Unlock()
	if n.caps != nil {
		return n.caps
	}
	return n.exec.JobTypes()
}

// Running reports how many jobs are currently executing.
func (n *Node) Running() int {
	return n.exec.Running()
}

// WalletStats returns the wallet snapshot with its conservation totals.
func (n *Node) WalletStats() *wallet.Snapshot {
	return n.wallet.Stats()
}

// Transactions returns the full local ledger, oldest first.
func (n *Node) Transactions() []*wallet.LedgerEntry {
	return n.wallet.Transactions()
}

// TrustStats returns own trust plus every tracked peer.
func (n *Node) TrustStats() *reputation.Snapshot {
	return n.rep.Stats()
}

// MeshPeers lists the peers currently known to the gateway.
func (n *Node) MeshPeers() []gossip.Peer {
	if gw := n.gateway(); gw != nil {
		return gw.Peers().List()
	}
	return nil
}

// Auctions lists the auctions the node currently tracks.
func (n *Node) Auctions() []auction.Standing {
	n.state.Lock()
	mgr := n.auction
	n.state.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Auctions()
}

// Job returns the tracked state of one job: its broadcast, the lifecycle
// status and, once one arrived, the result.
func (n *Node) Job(id string) (*protocol.JobBroadcast, string, *protocol.JobResult, bool) {
	n.state.Lock()
	defer n.state.Unlock()
	rec, ok := n.jobs[id]
	if !ok {
		return nil, "", nil, false
	}
	return rec.job, rec.status, rec.result, true
}
