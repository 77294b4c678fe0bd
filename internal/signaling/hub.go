package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/beaconlabs/beacon/internal/metrics"
)

var ErrTooManyPeers = errors.New("too many peers")

// sender is the hub's view of a connected peer. The concrete implementation
// wraps a websocket connection; tests substitute in-memory fakes.
type sender interface {
	// deliver writes one signaling frame to the peer.
	deliver(data []byte) error
	// disconnect tears the peer down after a failed delivery.
	disconnect()
	// label identifies the peer in logs.
	label() string
}

// Hub tracks the connected signaling peers and fans messages out to everyone
// except the sender. A delivery failure removes only the failing peer; the
// broadcast continues to the rest.
type Hub struct {
	log      *slog.Logger
	m        *metrics.Metrics
	maxPeers int

	mu    sync.Mutex
	peers map[sender]struct{}
}

func NewHub(maxPeers int, m *metrics.Metrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		m:        m,
		maxPeers: maxPeers,
		peers:    make(map[sender]struct{}),
	}
}

func (h *Hub) Add(p sender) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers == nil {
		h.peers = make(map[sender]struct{})
	}
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		h.m.Inc(metrics.SignalTooManyPeers)
		return ErrTooManyPeers
	}
	h.peers[p] = struct{}{}
	h.m.Inc(metrics.SignalPeersConnected)
	return nil
}

func (h *Hub) Remove(p sender) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Broadcast relays data to every peer except from. The membership is
// snapshotted up front so deliveries happen outside the hub lock.
func (h *Hub) Broadcast(from sender, data []byte) {
	h.mu.Lock()
	targets := make([]sender, 0, len(h.peers))
	for p := range h.peers {
		if p == from {
			continue
		}
		targets = append(targets, p)
	}
	h.mu.Unlock()

	for _, p := range targets {
		if err := p.deliver(data); err != nil {
			h.m.Inc(metrics.SignalSendFailed)
			h.log.Warn("dropping signaling peer after failed delivery", "peer", p.label(), "err", err)
			h.Remove(p)
			p.disconnect()
			continue
		}
		h.m.Inc(metrics.SignalMessagesOut)
	}
}
