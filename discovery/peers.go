package discovery

import (
	"net"
	"strconv"
	"time"

	"keysign/fingerprint"
)

// DiscoveredPeer is one keysign service seen on the network.
type DiscoveredPeer struct {
	ServiceName string
	DeviceID    string
	HostName    string
	Addresses   []string
	Port        int
	Fingerprint string
	Version     int
	LastSeen    time.Time
}

// Endpoints returns dialable host:port pairs, falling back to the host name.
func (p DiscoveredPeer) Endpoints() []string {
	port := strconv.Itoa(p.Port)
	out := make([]string, 0, len(p.Addresses)+1)
	for _, addr := range p.Addresses {
		out = append(out, net.JoinHostPort(addr, port))
	}
	if len(out) == 0 && p.HostName != "" {
		out = append(out, net.JoinHostPort(p.HostName, port))
	}
	return out
}

// PeerSet keeps discovered peers keyed by service name, in discovery order.
// It is not safe for concurrent use.
type PeerSet struct {
	order []string
	peers map[string]DiscoveredPeer
}

// NewPeerSet returns an empty set.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[string]DiscoveredPeer)}
}

// Found adds peer or refreshes it in place. It reports whether the peer is new
// or its advertised metadata changed.
func (s *PeerSet) Found(peer DiscoveredPeer) bool {
	old, exists := s.peers[peer.ServiceName]
	s.peers[peer.ServiceName] = peer
	if !exists {
		s.order = append(s.order, peer.ServiceName)
		return true
	}
	return !peersEqual(old, peer)
}

// Lost removes the named peer. Removing an unknown peer is a no-op returning false.
func (s *PeerSet) Lost(name string) bool {
	if _, exists := s.peers[name]; !exists {
		return false
	}
	delete(s.peers, name)
	for i, have := range s.order {
		if have == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the named peer.
func (s *PeerSet) Get(name string) (DiscoveredPeer, bool) {
	peer, ok := s.peers[name]
	return peer, ok
}

// Len returns the number of peers.
func (s *PeerSet) Len() int {
	return len(s.order)
}

// Peers returns a snapshot in discovery order.
func (s *PeerSet) Peers() []DiscoveredPeer {
	out := make([]DiscoveredPeer, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.peers[name])
	}
	return out
}

// WithFingerprint returns peers advertising fpr, in discovery order.
func (s *PeerSet) WithFingerprint(fpr string) []DiscoveredPeer {
	out := make([]DiscoveredPeer, 0, 1)
	for _, name := range s.order {
		peer := s.peers[name]
		if fingerprint.Equal(peer.Fingerprint, fpr) {
			out = append(out, peer)
		}
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.ServiceName != b.ServiceName ||
		a.DeviceID != b.DeviceID ||
		a.Fingerprint != b.Fingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
