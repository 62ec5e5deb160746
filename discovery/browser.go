package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"keysign/fingerprint"
)

const (
	// EventPeerFound is emitted when a peer appears or its metadata changes.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when a previously found peer disappears.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies discovery updates.
type EventType string

// Event carries discovery updates to the session.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Browser discovers keysign services with periodic and manual browse windows.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	browse browseFunc

	mu    sync.RWMutex
	peers *PeerSet

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Browser{
		cfg:             cfg,
		logger:          cfg.Logger,
		browse:          browse,
		peers:           NewPeerSet(),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing. It returns immediately.
func (b *Browser) Start() error {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
	return nil
}

// Stop ends browsing and closes Events. Safe to call more than once.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		close(b.events)
	})
}

// Events provides asynchronous found and lost notifications. Events are
// dropped when the consumer lags.
func (b *Browser) Events() <-chan Event {
	return b.events
}

// Refresh runs an immediate browse window and waits for it to finish.
func (b *Browser) Refresh(ctx context.Context) error {
	if b.ctx == nil {
		return errors.New("browser is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("browser is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("browser is stopped")
	}
}

// Peers returns the currently visible peers in discovery order.
func (b *Browser) Peers() []DiscoveredPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.peers.Peers()
}

func (b *Browser) loop() {
	defer b.wg.Done()

	b.runWindow(context.Background())

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runWindow(context.Background())
		case req := <-b.refreshRequests:
			req.done <- b.runWindow(req.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) runWindow(requestCtx context.Context) error {
	windowCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()

	stopWatch := context.AfterFunc(requestCtx, cancel)
	defer stopWatch()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]struct{})
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-windowCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				b.handleEntry(entry, seen)
			}
		}
	}()

	if err := b.browse(windowCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil
		}
		b.logger.Warn("mdns browse failed", zap.Error(err))
		return err
	}

	<-windowCtx.Done()
	<-collectorDone

	// Only a window that ran to its deadline proves absence.
	if errors.Is(windowCtx.Err(), context.DeadlineExceeded) && b.ctx.Err() == nil {
		b.pruneUnseen(seen)
	}
	return nil
}

func (b *Browser) handleEntry(entry *zeroconf.ServiceEntry, seen map[string]struct{}) {
	peer, ok := parseEntry(entry, b.cfg.SelfDeviceID)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if entry.TTL == 0 {
		delete(seen, peer.ServiceName)
		if old, exists := b.peers.Get(peer.ServiceName); exists && b.peers.Lost(peer.ServiceName) {
			b.emitEvent(Event{Type: EventPeerLost, Peer: old})
		}
		return
	}

	seen[peer.ServiceName] = struct{}{}
	peer.LastSeen = time.Now()
	if b.peers.Found(peer) {
		b.logger.Debug("peer found",
			zap.String("service", peer.ServiceName),
			zap.String("fingerprint", peer.Fingerprint),
		)
		b.emitEvent(Event{Type: EventPeerFound, Peer: peer})
	}
}

func (b *Browser) pruneUnseen(seen map[string]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, peer := range b.peers.Peers() {
		if _, ok := seen[peer.ServiceName]; ok {
			continue
		}
		b.peers.Lost(peer.ServiceName)
		b.logger.Debug("peer lost", zap.String("service", peer.ServiceName))
		b.emitEvent(Event{Type: EventPeerLost, Peer: peer})
	}
}

func (b *Browser) emitEvent(event Event) {
	select {
	case b.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID != "" && deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		return DiscoveredPeer{}, false
	}

	return DiscoveredPeer{
		ServiceName: name,
		DeviceID:    deviceID,
		HostName:    entry.HostName,
		Addresses:   addresses,
		Port:        entry.Port,
		Fingerprint: fingerprint.Normalize(txt[txtFingerprint]),
		Version:     version,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
